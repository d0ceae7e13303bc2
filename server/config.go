package server

// Config is the web server configuration.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:7860")
	ListenAddr string

	// Model is shown in the page title.
	Model string

	// SystemPrompt prefills the page's system prompt box and is used when a
	// request doesn't carry one.
	SystemPrompt string

	// RateLimit is chat requests per second per client IP; zero disables it.
	RateLimit float64
	RateBurst int
}
