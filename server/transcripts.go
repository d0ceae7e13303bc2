package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"html/template"

	"github.com/gofiber/fiber/v2"
	"github.com/russross/blackfriday"
	"go.uber.org/zap"

	"github.com/papercomputeco/railchat/pkg/llm"
	"github.com/papercomputeco/railchat/pkg/merkle"
)

// HistoryResponse contains the conversation history for a given node.
type HistoryResponse struct {
	// Messages in chronological order (oldest first, up to and including the requested node)
	Messages []HistoryMessage `json:"messages"`
	// HeadHash is the hash of the node that was requested
	HeadHash string `json:"head_hash"`
	// Depth is the number of messages in the history
	Depth int `json:"depth"`
}

// HistoryMessage represents a message in the conversation history.
type HistoryMessage struct {
	Hash       string  `json:"hash"`
	ParentHash *string `json:"parent_hash,omitempty"`
	Role       string  `json:"role"`
	Content    string  `json:"content"`
	Model      string  `json:"model,omitempty"`
	Verdict    string  `json:"verdict,omitempty"`
}

// ImportResponse reports the outcome of POST /transcripts/nodes.
type ImportResponse struct {
	New       int `json:"new"`
	Duplicate int `json:"duplicate"`
	Errors    int `json:"errors"`
}

// handleImportNodes stores nodes pushed from another railchat instance.
// Nodes whose hash does not match their content are counted as errors.
func (s *Server) handleImportNodes(c *fiber.Ctx) error {
	var nodes []*merkle.Node
	if err := json.Unmarshal(c.Body(), &nodes); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(llm.ErrorResponse{Error: "invalid request body"})
	}

	ctx := c.Context()
	var resp ImportResponse
	for _, n := range nodes {
		if n == nil || !n.Verify() {
			resp.Errors++
			continue
		}
		isNew, err := s.transcripts.Put(ctx, n)
		if err != nil {
			s.logger.Warn("failed to import node", zap.String("hash", n.Hash), zap.Error(err))
			resp.Errors++
			continue
		}
		if isNew {
			resp.New++
		} else {
			resp.Duplicate++
		}
	}

	s.logger.Info("imported transcript nodes",
		zap.Int("new", resp.New),
		zap.Int("duplicate", resp.Duplicate),
		zap.Int("errors", resp.Errors),
	)
	return c.JSON(resp)
}

// handleTranscriptStats returns statistics about the transcript store.
func (s *Server) handleTranscriptStats(c *fiber.Ctx) error {
	ctx := c.Context()

	nodes, err := s.transcripts.List(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to list nodes"})
	}

	roots, err := s.transcripts.Roots(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to get roots"})
	}

	leaves, err := s.transcripts.Leaves(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to get leaves"})
	}

	blocked := 0
	for _, n := range nodes {
		if n.Entry.Verdict != "" {
			blocked++
		}
	}

	return c.JSON(map[string]any{
		"total_nodes":   len(nodes),
		"root_count":    len(roots),
		"leaf_count":    len(leaves),
		"blocked_count": blocked,
	})
}

// handleGetNode returns a single node by its hash.
func (s *Server) handleGetNode(c *fiber.Ctx) error {
	node, err := s.transcripts.Get(c.Context(), c.Params("hash"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "node not found"})
	}
	return c.JSON(node)
}

// handleListHistories returns every stored conversation, one per leaf node.
func (s *Server) handleListHistories(c *fiber.Ctx) error {
	ctx := c.Context()

	leaves, err := s.transcripts.Leaves(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "failed to get leaves"})
	}

	histories := make([]HistoryResponse, 0, len(leaves))
	for _, leaf := range leaves {
		history, err := s.buildHistory(ctx, leaf.Hash)
		if err != nil {
			s.logger.Warn("failed to build history for leaf", zap.String("hash", leaf.Hash), zap.Error(err))
			continue
		}
		histories = append(histories, *history)
	}

	return c.JSON(map[string]any{
		"count":     len(histories),
		"histories": histories,
	})
}

// handleGetHistory returns the conversation leading up to a node, oldest first.
func (s *Server) handleGetHistory(c *fiber.Ctx) error {
	history, err := s.buildHistory(c.Context(), c.Params("hash"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "node not found"})
	}
	return c.JSON(history)
}

var historyPage = template.Must(template.New("history").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Transcript {{.Head}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; }
section { border-left: 3px solid #ccc; padding-left: 1rem; margin-bottom: 1.5rem; }
section.user { border-color: #4a7dff; }
section.assistant { border-color: #2bb673; }
section.blocked { border-color: #e5484d; }
h2 { font-size: .9rem; text-transform: uppercase; color: #666; }
code { font-size: .9em; }
</style>
</head>
<body>
{{range .Messages}}<section class="{{.Class}}">
<h2>{{.Role}}{{with .Verdict}} (blocked by {{.}}){{end}}</h2>
{{.Body}}
</section>
{{end}}</body>
</html>
`))

type renderedMessage struct {
	Role    string
	Verdict string
	Class   string
	Body    template.HTML
}

// handleHistoryHTML renders a conversation as an HTML page, treating message
// content as Markdown. Raw HTML in messages is dropped.
func (s *Server) handleHistoryHTML(c *fiber.Ctx) error {
	hash := c.Params("hash")
	history, err := s.buildHistory(c.Context(), hash)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(llm.ErrorResponse{Error: "node not found"})
	}

	var buf bytes.Buffer
	err = historyPage.Execute(&buf, map[string]any{
		"Head":     truncate(hash, 16),
		"Messages": renderMessages(history.Messages),
	})
	if err != nil {
		s.logger.Error("failed to render history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "render failed"})
	}

	c.Type("html", "utf-8")
	return c.Send(buf.Bytes())
}

func renderMessages(messages []HistoryMessage) []renderedMessage {
	renderer := blackfriday.HtmlRenderer(blackfriday.HTML_SKIP_HTML|blackfriday.HTML_SAFELINK|blackfriday.HTML_USE_XHTML, "", "")
	extensions := blackfriday.EXTENSION_NO_INTRA_EMPHASIS |
		blackfriday.EXTENSION_TABLES |
		blackfriday.EXTENSION_FENCED_CODE |
		blackfriday.EXTENSION_AUTOLINK |
		blackfriday.EXTENSION_STRIKETHROUGH

	out := make([]renderedMessage, len(messages))
	for i, m := range messages {
		class := m.Role
		if m.Verdict != "" {
			class = "blocked"
		}
		out[i] = renderedMessage{
			Role:    m.Role,
			Verdict: m.Verdict,
			Class:   class,
			Body:    template.HTML(blackfriday.Markdown([]byte(m.Content), renderer, extensions)),
		}
	}
	return out
}

// buildHistory constructs a HistoryResponse for the given node hash.
func (s *Server) buildHistory(ctx context.Context, hash string) (*HistoryResponse, error) {
	if hash == "" {
		return nil, errors.New("empty hash")
	}

	nodes, err := merkle.Conversation(ctx, s.transcripts, hash)
	if err != nil {
		return nil, err
	}

	messages := make([]HistoryMessage, len(nodes))
	for i, node := range nodes {
		messages[i] = HistoryMessage{
			Hash:       node.Hash,
			ParentHash: node.ParentHash,
			Role:       node.Entry.Role,
			Content:    node.Entry.Content,
			Model:      node.Entry.Model,
			Verdict:    node.Entry.Verdict,
		}
	}

	return &HistoryResponse{
		Messages: messages,
		HeadHash: hash,
		Depth:    len(messages),
	}, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
