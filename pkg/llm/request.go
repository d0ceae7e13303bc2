package llm

// ChatRequest is an Ollama /api/chat request.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   *bool     `json:"stream,omitempty"` // Ollama streams when unset
	Format   string    `json:"format,omitempty"`

	Options *Options `json:"options,omitempty"`

	KeepAlive string `json:"keep_alive,omitempty"`
}

// Streaming reports whether the daemon will answer with NDJSON chunks.
func (r *ChatRequest) Streaming() bool {
	return r.Stream == nil || *r.Stream
}

// SetStream pins the stream flag explicitly.
func (r *ChatRequest) SetStream(stream bool) {
	r.Stream = &stream
}
