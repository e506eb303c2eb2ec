package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(c.UserContext(), s.opts.HealthLimit)
	defer cancel()

	services := make(map[string]string, len(s.health))
	healthy := true
	for _, hc := range s.health {
		if err := hc.Ping(ctx); err != nil {
			healthy = false
			services[hc.Name] = "unhealthy: " + err.Error()
			s.logger.Error("health check failed", "service", hc.Name, "error", err)
			continue
		}
		services[hc.Name] = "healthy"
	}

	status, code := "healthy", fiber.StatusOK
	if !healthy {
		status, code = "unhealthy", fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":           status,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"response_time_ms": sinceMS(start),
		"services":         services,
	})
}
