// Package llm holds the Ollama-compatible chat types railchat sends to and
// receives from the model daemon.
package llm

// ErrorResponse is the JSON error body used by the daemon and by railchat's own API.
type ErrorResponse struct {
	Error string `json:"error"`
}
