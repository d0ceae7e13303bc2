package llm

// Options contains model inference parameters.
type Options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	Seed        *int     `json:"seed,omitempty"`

	NumPredict *int `json:"num_predict,omitempty"` // max tokens to generate
	NumCtx     *int `json:"num_ctx,omitempty"`

	Stop []string `json:"stop,omitempty"`
}

// Float and Int are helpers for filling the optional fields.
func Float(v float64) *float64 { return &v }
func Int(v int) *int           { return &v }
