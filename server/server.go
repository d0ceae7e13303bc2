// Package server hosts the railchat web UI and its JSON/NDJSON API.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/papercomputeco/railchat/pkg/chat"
	"github.com/papercomputeco/railchat/pkg/merkle"
	"github.com/papercomputeco/railchat/pkg/metrics"
	"github.com/papercomputeco/railchat/pkg/session"
)

// Pinger checks that the model daemon is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the server drives.
type Deps struct {
	Responder   *chat.Responder
	Sessions    *session.Store
	Transcripts merkle.Storer

	// Pinger is optional; without it /health only reports the server itself.
	Pinger Pinger
}

// Server is the chat web server.
type Server struct {
	config      Config
	responder   *chat.Responder
	sessions    *session.Store
	transcripts merkle.Storer
	pinger      Pinger
	logger      *zap.Logger
	app         *fiber.App
}

// New creates a Server and registers its routes.
func New(config Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Responder == nil || deps.Sessions == nil || deps.Transcripts == nil {
		return nil, errors.New("server needs a responder, a session store and a transcript store")
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = chat.DefaultSystemPrompt
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		StreamRequestBody:     true,
	})

	s := &Server{
		config:      config,
		responder:   deps.Responder,
		sessions:    deps.Sessions,
		transcripts: deps.Transcripts,
		pinger:      deps.Pinger,
		logger:      logger,
		app:         app,
	}

	metrics.Register()

	chatRoutes := []fiber.Handler{}
	if config.RateLimit > 0 {
		chatRoutes = append(chatRoutes, newIPLimiter(config.RateLimit, config.RateBurst).middleware)
	}

	app.Get("/", s.handleIndex)

	app.Post("/api/chat", append(chatRoutes, s.handleChat)...)
	app.Post("/api/sessions", s.handleCreateSession)
	app.Get("/api/sessions/:id", s.handleGetSession)
	app.Delete("/api/sessions/:id", s.handleClearSession)
	app.Post("/api/sessions/:id/undo", s.handleUndo)
	app.Post("/api/sessions/:id/retry", append(chatRoutes, s.handleRetry)...)

	app.Get("/health", s.handleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Transcript inspection endpoints
	app.Get("/transcripts/stats", s.handleTranscriptStats)
	app.Get("/transcripts/node/:hash", s.handleGetNode)
	app.Post("/transcripts/nodes", s.handleImportNodes)
	app.Get("/transcripts/history", s.handleListHistories)
	app.Get("/transcripts/history/:hash", s.handleGetHistory)
	app.Get("/transcripts/history/:hash/html", s.handleHistoryHTML)

	return s, nil
}

func (s *Server) Name() string { return "http_server" }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting chat server",
		zap.String("listen", s.config.ListenAddr),
		zap.String("model", s.config.Model),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listen(s.config.ListenAddr) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down chat server")
		if err := s.app.ShutdownWithTimeout(10 * time.Second); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	resp := map[string]string{"status": "ok", "model": s.config.Model}
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["ollama"] = err.Error()
			return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
		}
		resp["ollama"] = "ok"
	}
	return c.JSON(resp)
}
