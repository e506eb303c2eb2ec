package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"docqa/internal/logging"
	"docqa/internal/models"
	"docqa/internal/rag"
	"docqa/internal/stream"
	"docqa/internal/util"
)

// Outgoing message types.
const (
	TypeConnected       = "connected"
	TypeSessionCreated  = "session_created"
	TypeMessageReceived = "message_received"
	TypeTyping          = "typing"
	TypeMessageChunk    = "message_chunk"
	TypeMessageResponse = "message_response"
	TypeChatHistory     = "chat_history"
	TypeError           = "error"
)

// Incoming message types.
const (
	TypeChatMessage = "chat_message"
	TypeGetHistory  = "get_history"
)

const (
	DefaultContextLimit = 10
	titleRunes          = 50
)

// Message is one outgoing frame. Every frame carries "type" and an RFC3339 "timestamp".
type Message map[string]any

func (m Message) Type() string {
	s, _ := m["type"].(string)
	return s
}

// Sink delivers frames to one client.
type Sink interface {
	Send(Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Message) error

func (f SinkFunc) Send(m Message) error { return f(m) }

type SessionStore interface {
	CreateSession(ctx context.Context, ownerID int64, sessionID, title string) (models.ChatSession, error)
	GetSession(ctx context.Context, ownerID int64, sessionID string) (models.ChatSession, error)
	ListSessions(ctx context.Context, ownerID int64) ([]models.ChatSession, error)
	AddMessage(ctx context.Context, msg *models.ChatMessage) error
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error)
	Messages(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
}

type Answerer interface {
	Answer(ctx context.Context, q rag.Query) (rag.Answer, error)
	AnswerStream(ctx context.Context, q rag.Query, emit func(string) error) (rag.Answer, error)
}

type Config struct {
	ContextLimit int
	StreamBuffer int
}

type Service struct {
	cfg      Config
	sessions SessionStore
	answerer Answerer
	bridge   stream.Bridge
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(cfg Config, sessions SessionStore, answerer Answerer, logger *slog.Logger) *Service {
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = DefaultContextLimit
	}
	return &Service{
		cfg:      cfg,
		sessions: sessions,
		answerer: answerer,
		bridge:   stream.Bridge{Buffer: cfg.StreamBuffer, Fallback: rag.ErrorAnswer},
		logger:   logging.OrDefault(logger),
		now:      time.Now,
	}
}

func (s *Service) frame(kind string, fields Message) Message {
	m := Message{"type": kind, "timestamp": s.now().UTC().Format(time.RFC3339)}
	for k, v := range fields {
		if k == "type" {
			continue
		}
		m[k] = v
	}
	return m
}

// ErrClientGone marks failures to write to the client rather than to answer.
var ErrClientGone = errors.New("chat client unavailable")

func (s *Service) send(out Sink, kind string, fields Message) error {
	if err := out.Send(s.frame(kind, fields)); err != nil {
		return fmt.Errorf("send %s: %w: %w", kind, ErrClientGone, err)
	}
	return nil
}

// Connected greets a freshly attached client.
func (s *Service) Connected(out Sink) error {
	return s.send(out, TypeConnected, Message{"message": "Connected to chat server"})
}

// SessionTitle is the first 50 characters of the opening question, with "..." when cut.
func SessionTitle(question string) string {
	question = strings.TrimSpace(question)
	if utf8.RuneCountInString(question) <= titleRunes {
		return question
	}
	return string([]rune(question)[:titleRunes]) + "..."
}

func (s *Service) Sessions(ctx context.Context, ownerID int64) ([]models.ChatSession, error) {
	return s.sessions.ListSessions(ctx, ownerID)
}

// Messages returns a session's full transcript. Sessions of other owners are reported as not found.
func (s *Service) Messages(ctx context.Context, ownerID int64, sessionID string) ([]models.ChatMessage, error) {
	if _, err := s.sessions.GetSession(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}
	return s.sessions.Messages(ctx, sessionID)
}

// HistoryTurns returns the session's most recent turns, oldest first, for use as
// conversational context.
func (s *Service) HistoryTurns(ctx context.Context, ownerID int64, sessionID string) ([]models.Turn, error) {
	if _, err := s.sessions.GetSession(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}
	msgs, err := s.sessions.RecentMessages(ctx, sessionID, s.cfg.ContextLimit)
	if err != nil {
		return nil, err
	}
	return toTurns(msgs, 0), nil
}

func toTurns(msgs []models.ChatMessage, skipID int64) []models.Turn {
	out := make([]models.Turn, 0, len(msgs))
	for _, m := range msgs {
		if skipID != 0 && m.ID == skipID {
			continue
		}
		out = append(out, models.Turn{Role: m.Role, Content: m.Content})
	}
	return out
}

// History sends the whole transcript of a session as one chat_history frame.
func (s *Service) History(ctx context.Context, ownerID int64, sessionID string, out Sink) error {
	if strings.TrimSpace(sessionID) == "" {
		_ = s.sendError(out, "Session ID required")
		return util.NewValidationError("session_id", "required")
	}
	msgs, err := s.Messages(ctx, ownerID, sessionID)
	if err != nil {
		s.logger.Error("load chat history failed", "session_id", sessionID, "error", err)
		if errors.Is(err, util.ErrNotFound) {
			_ = s.sendError(out, "Session not found")
		} else {
			_ = s.sendError(out, "Failed to retrieve chat history")
		}
		return err
	}
	return s.send(out, TypeChatHistory, Message{"session_id": sessionID, "history": msgs})
}

func (s *Service) sendError(out Sink, text string) error {
	return s.send(out, TypeError, Message{"message": text})
}

// AskRequest is one question in a conversation. An empty SessionID starts a new session.
type AskRequest struct {
	OwnerID   int64
	SessionID string
	Question  string
	Stream    bool
}

// Ask runs one conversational turn and reports its progress to out. The assistant
// message is persisted even when answering fails; it then holds the partial streamed
// text or the error answer, and its metadata carries "error": true.
func (s *Service) Ask(ctx context.Context, req AskRequest, out Sink) (models.ChatMessage, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		_ = s.sendError(out, "Question is required")
		return models.ChatMessage{}, util.NewValidationError("message", "required")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
		if _, err := s.sessions.CreateSession(ctx, req.OwnerID, sessionID, SessionTitle(question)); err != nil {
			s.logger.Error("create chat session failed", "owner_id", req.OwnerID, "error", err)
			_ = s.sendError(out, "Failed to process message")
			return models.ChatMessage{}, err
		}
		if err := s.send(out, TypeSessionCreated, Message{"session_id": sessionID}); err != nil {
			return models.ChatMessage{}, err
		}
	} else if _, err := s.sessions.GetSession(ctx, req.OwnerID, sessionID); err != nil {
		if errors.Is(err, util.ErrNotFound) {
			_ = s.sendError(out, "Session not found")
		} else {
			_ = s.sendError(out, "Failed to process message")
		}
		return models.ChatMessage{}, err
	}

	userMsg := models.ChatMessage{SessionID: sessionID, Role: models.RoleUser, Content: question}
	if err := s.sessions.AddMessage(ctx, &userMsg); err != nil {
		s.logger.Error("store user message failed", "session_id", sessionID, "error", err)
		_ = s.sendError(out, "Failed to process message")
		return models.ChatMessage{}, err
	}
	if err := s.send(out, TypeMessageReceived, messageFields(userMsg)); err != nil {
		return models.ChatMessage{}, err
	}

	recent, err := s.sessions.RecentMessages(ctx, sessionID, s.cfg.ContextLimit)
	if err != nil {
		s.logger.Warn("load conversation context failed, answering without history", "session_id", sessionID, "error", err)
		recent = nil
	}
	q := rag.Query{Question: question, History: toTurns(recent, userMsg.ID), OwnerID: req.OwnerID}

	if err := s.send(out, TypeTyping, Message{"status": true}); err != nil {
		return models.ChatMessage{}, err
	}

	var (
		answer    rag.Answer
		answerErr error
		sendErr   error
	)
	start := s.now()
	if req.Stream {
		answer, answerErr, sendErr = s.streamAnswer(ctx, sessionID, q, out)
	} else {
		answer, answerErr = s.answerer.Answer(ctx, q)
	}
	if answerErr != nil && answer.Text == "" {
		answer.Text = rag.ErrorAnswer
	}

	assistant := models.ChatMessage{
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   answer.Text,
		Metadata:  answerMetadata(answer, answerErr),
	}
	if err := s.sessions.AddMessage(ctx, &assistant); err != nil {
		s.logger.Error("store assistant message failed", "session_id", sessionID, "error", err)
		_ = s.sendError(out, "Failed to process message")
		return assistant, err
	}
	if sendErr != nil {
		return assistant, sendErr
	}

	if err := s.send(out, TypeTyping, Message{"status": false}); err != nil {
		return assistant, err
	}
	fields := messageFields(assistant)
	fields["metadata"] = assistant.Metadata
	if err := s.send(out, TypeMessageResponse, fields); err != nil {
		return assistant, err
	}

	s.logger.Info("chat message processed",
		"session_id", sessionID,
		"question_length", utf8.RuneCountInString(question),
		"answer_length", utf8.RuneCountInString(answer.Text),
		"elapsed_ms", s.now().Sub(start).Milliseconds(),
		"error", answerErr,
	)
	return assistant, answerErr
}

// streamAnswer relays fragments as message_chunk frames. sendErr is set when the
// client could not be written to; answerErr when answering itself failed.
func (s *Service) streamAnswer(ctx context.Context, sessionID string, q rag.Query, out Sink) (answer rag.Answer, answerErr, sendErr error) {
	st := s.bridge.Start(ctx, func(ctx context.Context, emit func(string) error) error {
		a, err := s.answerer.AnswerStream(ctx, q, emit)
		answer = a
		return err
	})
	sendErr = st.Relay(ctx, func(ev stream.Event) error {
		switch ev.Kind {
		case stream.KindFragment:
			return s.send(out, TypeMessageChunk, Message{"session_id": sessionID, "content": ev.Text})
		case stream.KindError:
			answerErr = ev.Err
		}
		return nil
	})
	st.Wait()
	if sendErr != nil && answerErr == nil {
		answerErr = sendErr
	}
	return answer, answerErr, sendErr
}

func messageFields(m models.ChatMessage) Message {
	return Message{
		"message_id": m.ID,
		"session_id": m.SessionID,
		"content":    m.Content,
		"role":       string(m.Role),
		"timestamp":  m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func answerMetadata(a rag.Answer, err error) map[string]any {
	meta := map[string]any{
		"embedding_time_ms":  a.Metadata.EmbeddingMS,
		"search_time_ms":     a.Metadata.SearchMS,
		"generation_time_ms": a.Metadata.GenerationMS,
		"query_time_ms":      a.Metadata.QueryMS,
		"answer_length":      utf8.RuneCountInString(a.Text),
		"source_count":       len(a.Sources),
		"sources":            a.Sources,
	}
	if err != nil {
		meta["error"] = true
		meta["error_message"] = err.Error()
	}
	return meta
}

// Frame is an incoming client frame.
type Frame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	Stream    *bool  `json:"stream"`
}

// Dispatch decodes one raw client frame and runs it. Failures are reported to the
// client; the returned error is only non-nil when out itself failed.
func (s *Service) Dispatch(ctx context.Context, ownerID int64, raw []byte, streamByDefault bool, out Sink) error {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return s.sendError(out, "Invalid JSON format")
	}
	var err error
	switch f.Type {
	case TypeChatMessage:
		streamed := streamByDefault
		if f.Stream != nil {
			streamed = *f.Stream
		}
		_, err = s.Ask(ctx, AskRequest{OwnerID: ownerID, SessionID: f.SessionID, Question: f.Message, Stream: streamed}, out)
	case TypeGetHistory:
		err = s.History(ctx, ownerID, f.SessionID, out)
	default:
		return s.sendError(out, fmt.Sprintf("Unknown message type: %s", f.Type))
	}
	if errors.Is(err, ErrClientGone) {
		return err
	}
	return nil
}
