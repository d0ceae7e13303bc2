package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/papercomputeco/railchat/pkg/chat"
	"github.com/papercomputeco/railchat/pkg/llm"
	"github.com/papercomputeco/railchat/pkg/session"
)

// ChatRequest is the body of POST /api/chat. With a session id the history
// comes from the session and the finished exchange is appended to it;
// otherwise History is used as given.
type ChatRequest struct {
	SessionID    string      `json:"session_id,omitempty"`
	Message      string      `json:"message"`
	SystemPrompt *string     `json:"system_prompt,omitempty"`
	History      []chat.Turn `json:"history,omitempty"`
}

// RetryRequest is the optional body of POST /api/sessions/:id/retry.
type RetryRequest struct {
	SystemPrompt *string `json:"system_prompt,omitempty"`
}

// StreamLine is one NDJSON line of a chat response. Content is the whole
// answer so far, not a delta.
type StreamLine struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

func (s *Server) handleChat(c *fiber.Ctx) error {
	var body ChatRequest
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		s.logger.Error("failed to parse request", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
	}
	if strings.TrimSpace(body.Message) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "message is required"})
	}

	req := chat.Request{
		Message:      body.Message,
		History:      body.History,
		SystemPrompt: s.systemPrompt(body.SystemPrompt),
	}

	if body.SessionID != "" {
		turns, err := s.sessions.Get(body.SessionID)
		if err != nil {
			return s.sessionError(c, err)
		}
		req.History = turns
	}

	s.logger.Debug("received chat request",
		zap.String("session_id", body.SessionID),
		zap.Int("history_turns", len(req.History)),
	)

	return s.streamAnswer(c, body.SessionID, req)
}

// handleRetry regenerates the last answer of a session.
func (s *Server) handleRetry(c *fiber.Ctx) error {
	id := c.Params("id")

	var body RetryRequest
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
		}
	}

	last, err := s.sessions.PopLast(id)
	if err != nil {
		return s.sessionError(c, err)
	}
	turns, err := s.sessions.Get(id)
	if err != nil {
		return s.sessionError(c, err)
	}

	return s.streamAnswer(c, id, chat.Request{
		Message:      last.User,
		History:      turns,
		SystemPrompt: s.systemPrompt(body.SystemPrompt),
	})
}

// streamAnswer writes the responder's output as NDJSON. Every value becomes a
// line with done=false, followed by a final line repeating the last value
// with done=true. The exchange is appended to the session even when the
// client went away, so a popped turn is never lost on retry.
func (s *Server) streamAnswer(c *fiber.Ctx, sessionID string, req chat.Request) error {
	c.Set("Content-Type", "application/x-ndjson")
	c.Set("Transfer-Encoding", "chunked")
	c.Set("Cache-Control", "no-cache")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		enc := json.NewEncoder(w)
		var last string
		gone := false
		for content := range s.responder.Respond(ctx, req) {
			last = content
			if err := writeLine(w, enc, StreamLine{Content: content}); err != nil {
				s.logger.Warn("client went away mid-stream", zap.Error(err))
				gone = true
				break
			}
		}

		if !gone {
			if err := writeLine(w, enc, StreamLine{Content: last, Done: true}); err != nil {
				s.logger.Warn("failed to write final line", zap.Error(err))
			}
		}

		if sessionID == "" {
			return
		}
		if err := s.sessions.Append(sessionID, chat.Turn{User: req.Message, Assistant: last}); err != nil {
			s.logger.Warn("failed to append to session",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}))

	return nil
}

func writeLine(w *bufio.Writer, enc *json.Encoder, line StreamLine) error {
	if err := enc.Encode(line); err != nil {
		return err
	}
	return w.Flush()
}

func (s *Server) systemPrompt(p *string) string {
	if p == nil {
		return s.config.SystemPrompt
	}
	return *p
}

func (s *Server) sessionError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "session not found"})
	case errors.Is(err, session.ErrEmpty):
		return c.Status(fiber.StatusConflict).JSON(llm.ErrorResponse{Error: "session has no turns"})
	default:
		s.logger.Error("session error", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "internal error"})
	}
}
