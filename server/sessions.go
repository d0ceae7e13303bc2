package server

import (
	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/railchat/pkg/chat"
)

// SessionResponse describes a session and its turns.
type SessionResponse struct {
	ID    string      `json:"id"`
	Turns []chat.Turn `json:"turns"`
}

func (s *Server) handleCreateSession(c *fiber.Ctx) error {
	id := s.sessions.Create()
	return c.Status(fiber.StatusCreated).JSON(SessionResponse{ID: id, Turns: []chat.Turn{}})
}

func (s *Server) handleGetSession(c *fiber.Ctx) error {
	return s.sessionResponse(c, c.Params("id"))
}

// handleClearSession empties a session; its id stays usable.
func (s *Server) handleClearSession(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.sessions.Clear(id); err != nil {
		return s.sessionError(c, err)
	}
	return s.sessionResponse(c, id)
}

// handleUndo drops the last exchange of a session.
func (s *Server) handleUndo(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := s.sessions.Undo(id); err != nil {
		return s.sessionError(c, err)
	}
	return s.sessionResponse(c, id)
}

func (s *Server) sessionResponse(c *fiber.Ctx, id string) error {
	turns, err := s.sessions.Get(id)
	if err != nil {
		return s.sessionError(c, err)
	}
	if turns == nil {
		turns = []chat.Turn{}
	}
	return c.JSON(SessionResponse{ID: id, Turns: turns})
}
