package chat

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/railchat/pkg/llm"
	"github.com/papercomputeco/railchat/pkg/merkle"
	"github.com/papercomputeco/railchat/pkg/metrics"
	"github.com/papercomputeco/railchat/pkg/prompt"
	"github.com/papercomputeco/railchat/pkg/rails"
)

// Streamer is the streaming half of the model client.
type Streamer interface {
	ChatStream(ctx context.Context, req *llm.ChatRequest, fn func(llm.StreamChunk) error) error
}

// Rails screens user messages and model answers.
type Rails interface {
	CheckInput(ctx context.Context, userMsg string) (rails.Verdict, error)
	CheckOutput(ctx context.Context, userMsg, botMsg string) (rails.Verdict, error)
	HasOutputRails() bool
}

// Config configures a Responder. Only Model is required.
type Config struct {
	Model string

	// QuestionTemplate, if set, wraps the new user message. It must declare
	// exactly one variable, "question".
	QuestionTemplate *prompt.Template

	Rails       Rails
	Transcripts merkle.Storer
}

// Responder answers chat requests.
type Responder struct {
	config   Config
	streamer Streamer
	logger   *zap.Logger
}

var errStopped = errors.New("consumer stopped reading")

func NewResponder(config Config, streamer Streamer, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{config: config, streamer: streamer, logger: logger}
}

// Model returns the model requests are sent to.
func (r *Responder) Model() string { return r.config.Model }

// Respond returns the answer to req as a sequence of increasingly complete
// strings. Nothing happens until the sequence is ranged over, and every range
// performs a fresh model call. Failures are logged and end the sequence with
// ApologyMessage; they are never returned to the caller.
func (r *Responder) Respond(ctx context.Context, req Request) iter.Seq[string] {
	return func(yield func(string) bool) {
		start := time.Now()
		metrics.InFlight.Inc()
		defer metrics.InFlight.Dec()

		outcome := r.respond(ctx, req, yield)

		metrics.ChatRequestsTotal.WithLabelValues(outcome).Inc()
		metrics.ChatDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}

// Complete drains Respond and returns its final value.
func (r *Responder) Complete(ctx context.Context, req Request) string {
	var last string
	for s := range r.Respond(ctx, req) {
		last = s
	}
	return last
}

func (r *Responder) respond(ctx context.Context, req Request, yield func(string) bool) string {
	content := req.Message
	if t := r.config.QuestionTemplate; t != nil {
		formatted, err := t.Format(map[string]string{"question": req.Message})
		if err != nil {
			r.logger.Error("failed to apply question template", zap.Error(err))
			yield(ApologyMessage)
			return "error"
		}
		content = formatted
	}
	messages := FormatHistory(content, req.History, req.SystemPrompt)

	if rl := r.config.Rails; rl != nil {
		v, err := rl.CheckInput(ctx, req.Message)
		if err != nil {
			r.logger.Error("input rails failed", zap.Error(err))
			yield(ApologyMessage)
			return "error"
		}
		if !v.Allowed {
			r.logger.Info("user message rejected",
				zap.String("flow", v.Flow),
				zap.String("reason", v.Reason),
			)
			r.record(ctx, messages, RejectionMessage, v.Flow)
			yield(RejectionMessage)
			return "rejected"
		}
	}

	buffered := r.config.Rails != nil && r.config.Rails.HasOutputRails()

	var (
		answer  strings.Builder
		yielded bool
		stopped bool
	)
	chatReq := &llm.ChatRequest{Model: r.config.Model, Messages: messages}
	chatReq.SetStream(true)

	err := r.streamer.ChatStream(ctx, chatReq, func(chunk llm.StreamChunk) error {
		if chunk.Message.Content == "" {
			return nil
		}
		answer.WriteString(chunk.Message.Content)
		metrics.StreamChunksTotal.Inc()

		r.logger.Debug("streaming chunk",
			zap.Bool("done", chunk.Done),
			zap.String("content", truncate(chunk.Message.Content, 50)),
		)

		if buffered {
			return nil
		}
		yielded = true
		if !yield(answer.String()) {
			stopped = true
			return errStopped
		}
		return nil
	})
	if stopped {
		return "canceled"
	}
	if err != nil {
		r.logger.Error("model call failed",
			zap.String("model", r.config.Model),
			zap.Int("partial_length", answer.Len()),
			zap.Error(err),
		)
		yield(ApologyMessage)
		return "error"
	}

	full := answer.String()

	if buffered {
		v, err := r.config.Rails.CheckOutput(ctx, req.Message, full)
		if err != nil {
			r.logger.Error("output rails failed", zap.Error(err))
			yield(ApologyMessage)
			return "error"
		}
		if !v.Allowed {
			r.logger.Info("model answer rejected",
				zap.String("flow", v.Flow),
				zap.String("reason", v.Reason),
			)
			r.record(ctx, messages, RejectionMessage, v.Flow)
			yield(RejectionMessage)
			return "rejected"
		}
	}

	r.record(ctx, messages, full, "")
	if buffered || !yielded {
		yield(full)
	}
	return "ok"
}

// record stores the exchange in the transcript store. Storage failures are
// logged and never affect the answer.
func (r *Responder) record(ctx context.Context, messages []llm.Message, answer, verdict string) {
	if r.config.Transcripts == nil {
		return
	}

	entries := make([]merkle.Entry, 0, len(messages)+1)
	for _, m := range messages {
		entries = append(entries, merkle.MessageEntry(m.Role, m.Content, r.config.Model))
	}
	reply := merkle.MessageEntry(llm.RoleAssistant, answer, r.config.Model)
	reply.Verdict = verdict
	entries = append(entries, reply)

	head, err := merkle.Append(context.WithoutCancel(ctx), r.config.Transcripts, nil, entries...)
	if err != nil {
		r.logger.Error("failed to store transcript", zap.Error(err))
		return
	}
	r.logger.Debug("transcript stored", zap.String("head_hash", truncate(head.Hash, 16)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
