package server

import (
	"bytes"
	"embed"
	"html/template"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/papercomputeco/railchat/pkg/llm"
)

//go:embed templates/index.html
var templates embed.FS

var indexPage = template.Must(template.ParseFS(templates, "templates/index.html"))

// PageTitle is the heading of the chat page.
func PageTitle(model string) string {
	return "Chatbot using Ollama with " + model
}

const pageDescription = "Feel free to ask any question."

func (s *Server) handleIndex(c *fiber.Ctx) error {
	var buf bytes.Buffer
	err := indexPage.Execute(&buf, map[string]string{
		"Title":        PageTitle(s.config.Model),
		"Description":  pageDescription,
		"SystemPrompt": s.config.SystemPrompt,
	})
	if err != nil {
		s.logger.Error("failed to render page", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(llm.ErrorResponse{Error: "render failed"})
	}

	c.Type("html", "utf-8")
	return c.Send(buf.Bytes())
}
