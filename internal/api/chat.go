package api

import (
	"context"
	"errors"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"docqa/internal/chat"
)

func (s *Server) handleListSessions(c *fiber.Ctx) error {
	sessions, err := s.chat.Sessions(c.UserContext(), ownerID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"sessions": sessions})
}

func (s *Server) handleSessionMessages(c *fiber.Ctx) error {
	sessionID := c.Params("session_id")
	msgs, err := s.chat.Messages(c.UserContext(), ownerID(c), sessionID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"session_id": sessionID, "messages": msgs})
}

func (s *Server) requireUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return c.Next()
}

// wsSink serialises writes; gorilla connections allow one concurrent writer.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSink) Send(m chat.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(m)
}

func (s *Server) chatSocket() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		owner, _ := conn.Locals(ownerKey).(int64)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sink := &wsSink{conn: conn}
		s.logger.Info("chat client connected", "owner_id", owner)
		defer s.logger.Info("chat client disconnected", "owner_id", owner)

		if err := s.chat.Connected(sink); err != nil {
			return
		}
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := s.chat.Dispatch(ctx, owner, raw, s.opts.StreamChat, sink); err != nil {
				if errors.Is(err, chat.ErrClientGone) {
					return
				}
				s.logger.Error("chat frame failed", "owner_id", owner, "error", err)
			}
		}
	})
}
