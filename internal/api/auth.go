package api

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"docqa/internal/models"
	"docqa/internal/util"
)

const ownerKey = "owner_id"

type UserStore interface {
	GetByTokenHash(ctx context.Context, tokenHash string) (models.User, error)
}

// requireAuth resolves "Authorization: Bearer <token>" to an active user. Websocket
// upgrades may pass the token as ?access_token= since browsers cannot set headers there.
func (s *Server) requireAuth(c *fiber.Ctx) error {
	token, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if !ok && websocket.IsWebSocketUpgrade(c) {
		token, ok = c.Query("access_token"), true
	}
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return fmt.Errorf("missing bearer token: %w", util.ErrUnauthorized)
	}
	user, err := s.users.GetByTokenHash(c.UserContext(), util.SHA256Hex([]byte(token)))
	if err != nil {
		return err
	}
	c.Locals(ownerKey, user.ID)
	return c.Next()
}

func ownerID(c *fiber.Ctx) int64 {
	id, _ := c.Locals(ownerKey).(int64)
	return id
}
