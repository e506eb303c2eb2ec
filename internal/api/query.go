package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"docqa/internal/models"
	"docqa/internal/rag"
	"docqa/internal/stream"
	"docqa/internal/util"
)

type QueryRequest struct {
	Query     string `json:"query" validate:"required,max=8000"`
	SessionID string `json:"session_id" validate:"omitempty,uuid"`
	Stream    bool   `json:"stream"`
}

type QueryResponse struct {
	Query    string          `json:"query"`
	Response string          `json:"response"`
	Sources  []models.Source `json:"sources"`
	Metadata rag.Metadata    `json:"metadata"`
	// Degraded is set when Response is the fallback text of a failed answer.
	Degraded bool `json:"degraded,omitempty"`
}

func (s *Server) handleQuery(c *fiber.Ctx) error {
	var req QueryRequest
	if err := c.BodyParser(&req); err != nil {
		return errBadJSON()
	}
	if err := validateStruct(&req); err != nil {
		return err
	}

	q := rag.Query{Question: req.Query, OwnerID: ownerID(c)}
	if req.SessionID != "" {
		history, err := s.chat.HistoryTurns(c.UserContext(), q.OwnerID, req.SessionID)
		if err != nil {
			return err
		}
		q.History = history
	}

	if req.Stream {
		return s.streamQuery(c, q)
	}

	ans, err := s.engine.Answer(c.UserContext(), q)
	if errors.Is(err, util.ErrValidation) {
		return err
	}
	resp := QueryResponse{Query: req.Query, Response: ans.Text, Sources: ans.Sources, Metadata: ans.Metadata}
	if err != nil {
		resp.Degraded = true
		if resp.Response == "" {
			resp.Response = rag.ErrorAnswer
		}
		if resp.Sources == nil {
			resp.Sources = []models.Source{}
		}
	}
	return c.JSON(resp)
}

type sseFrame struct {
	Type     string          `json:"type"`
	Content  string          `json:"content,omitempty"`
	Sources  []models.Source `json:"sources,omitempty"`
	Metadata *rag.Metadata   `json:"metadata,omitempty"`
	Message  string          `json:"message,omitempty"`
}

func writeSSE(w *bufio.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	return w.Flush()
}

// streamQuery answers as text/event-stream: "chunk" frames in order, then one
// "complete" or "error" frame, then "data: [DONE]". A failed write means the client
// left, which cancels the completion call.
func (s *Server) streamQuery(c *fiber.Ctx, q rag.Query) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	bridge := stream.Bridge{Buffer: s.opts.StreamBuffer, Fallback: rag.ErrorAnswer}
	engine, logger := s.engine, s.logger

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		start := time.Now()
		var answer rag.Answer
		st := bridge.Start(ctx, func(ctx context.Context, emit func(string) error) error {
			a, err := engine.AnswerStream(ctx, q, emit)
			answer = a
			return err
		})
		err := st.Relay(ctx, func(ev stream.Event) error {
			switch ev.Kind {
			case stream.KindFragment:
				return writeSSE(w, sseFrame{Type: "chunk", Content: ev.Text})
			case stream.KindComplete:
				meta := answer.Metadata
				return writeSSE(w, sseFrame{Type: "complete", Sources: answer.Sources, Metadata: &meta})
			default:
				logger.Error("streamed query failed", "owner_id", q.OwnerID, "error", ev.Err)
				return writeSSE(w, sseFrame{Type: "error", Message: ev.Text})
			}
		})
		st.Wait()
		if err != nil {
			logger.Warn("stream client went away", "owner_id", q.OwnerID, "error", err)
			return
		}
		if _, err := w.WriteString("data: [DONE]\n\n"); err == nil {
			_ = w.Flush()
		}
		logger.Info("streamed query finished", "owner_id", q.OwnerID, "elapsed_ms", sinceMS(start))
	})
	return nil
}
