// Package ollama is a small HTTP client for the Ollama model daemon.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/railchat/pkg/llm"
)

const DefaultBaseURL = "http://127.0.0.1:11434"

// ErrorKind categorizes client errors.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotRunning
	KindTimeout
	KindModelNotFound
	KindUpstream
	KindInvalidResponse
)

// ClientError is returned by every Client method.
type ClientError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Is matches on Kind so callers can use errors.Is(err, ollama.ErrModelNotFound).
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotRunning    = &ClientError{Kind: KindNotRunning, Message: "ollama is not running"}
	ErrTimeout       = &ClientError{Kind: KindTimeout, Message: "request timed out"}
	ErrModelNotFound = &ClientError{Kind: KindModelNotFound, Message: "model not found"}
)

// Config is the client configuration.
type Config struct {
	// BaseURL of the daemon (e.g., "http://localhost:11434")
	BaseURL string

	// Timeout bounds non-streaming requests.
	Timeout time.Duration

	// StreamTimeout bounds a whole streamed generation. Large models can be slow.
	StreamTimeout time.Duration
}

// Client talks to the daemon's /api endpoints. It is safe for concurrent use.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	logger       *zap.Logger
}

// NewClient creates a Client, filling zero config values with defaults.
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.StreamTimeout == 0 {
		config.StreamTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:      strings.TrimRight(config.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: config.Timeout},
		streamClient: &http.Client{Timeout: config.StreamTimeout},
		logger:       logger,
	}
}

// BaseURL returns the daemon URL this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ping checks that the daemon answers on its root URL.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return &ClientError{Kind: KindUnknown, Message: "create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ClientError{Kind: KindUpstream, Message: "unexpected status from ollama: " + resp.Status}
	}
	return nil
}

// ModelInfo is one entry of /api/tags.
type ModelInfo struct {
	Name       string    `json:"name"`
	Model      string    `json:"model"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
}

// ListModels returns the models the daemon has pulled.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, &ClientError{Kind: KindUnknown, Message: "create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var result struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Kind: KindInvalidResponse, Message: "decode model list", Cause: err}
	}
	return result.Models, nil
}

const completeMaxTokens = 64

// Chat sends a non-streaming chat request.
func (c *Client) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	out := *req
	out.SetStream(false)

	resp, err := c.post(ctx, c.httpClient, &out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result llm.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Kind: KindInvalidResponse, Message: "decode chat response", Cause: err}
	}
	return &result, nil
}

// Complete is a non-streaming call that returns only the assistant content.
// It samples greedily and caps the answer length; it serves short
// classification prompts such as rail self-checks.
func (c *Client) Complete(ctx context.Context, model string, messages []llm.Message) (string, error) {
	resp, err := c.Chat(ctx, &llm.ChatRequest{
		Model:    model,
		Messages: messages,
		Options: &llm.Options{
			Temperature: llm.Float(0),
			NumPredict:  llm.Int(completeMaxTokens),
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// ChatStream sends a streaming chat request and calls fn for every chunk in
// arrival order. It returns when the final chunk (done=true) was delivered,
// the body ends, fn returns an error, or ctx is cancelled.
func (c *Client) ChatStream(ctx context.Context, req *llm.ChatRequest, fn func(llm.StreamChunk) error) error {
	out := *req
	out.SetStream(true)

	resp, err := c.post(ctx, c.streamClient, &out)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var chunk llm.StreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			c.logger.Warn("skipping malformed stream line", zap.Error(err), zap.ByteString("line", line))
			continue
		}

		// The daemon reports mid-stream failures as a bare error object.
		if chunk.Model == "" && !chunk.Done {
			var upstream llm.ErrorResponse
			if json.Unmarshal(line, &upstream) == nil && upstream.Error != "" {
				return &ClientError{Kind: KindUpstream, Message: upstream.Error}
			}
		}

		if err := fn(chunk); err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ClientError{Kind: KindInvalidResponse, Message: "read stream", Cause: err}
	}
	return nil
}

func (c *Client) post(ctx context.Context, hc *http.Client, req *llm.ChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ClientError{Kind: KindUnknown, Message: "marshal request", Cause: err}
	}

	url := c.baseURL + "/api/chat"
	c.logger.Debug("sending chat request",
		zap.String("url", url),
		zap.String("model", req.Model),
		zap.Int("message_count", len(req.Messages)),
		zap.Bool("stream", req.Streaming()),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ClientError{Kind: KindUnknown, Message: "create request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ClientError{Kind: KindTimeout, Message: ErrTimeout.Message, Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &ClientError{Kind: KindNotRunning, Message: ErrNotRunning.Message, Cause: err}
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	msg := strings.TrimSpace(string(body))
	var upstream llm.ErrorResponse
	if json.Unmarshal(body, &upstream) == nil && upstream.Error != "" {
		msg = upstream.Error
	}

	if resp.StatusCode == http.StatusNotFound {
		return &ClientError{Kind: KindModelNotFound, Message: fmt.Sprintf("%s: %s", ErrModelNotFound.Message, msg)}
	}
	return &ClientError{Kind: KindUpstream, Message: fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, msg)}
}
