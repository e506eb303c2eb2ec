package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"docqa/internal/models"
	"docqa/internal/util"
)

type ChatRepo struct {
	db *DB
}

func NewChatRepo(db *DB) *ChatRepo {
	return &ChatRepo{db: db}
}

func (r *ChatRepo) CreateSession(ctx context.Context, ownerID int64, sessionID, title string) (models.ChatSession, error) {
	s := models.ChatSession{SessionID: sessionID, OwnerID: ownerID, Title: title}
	err := r.db.Pool.QueryRow(ctx, `
INSERT INTO chat_sessions (session_id, owner_id, title)
VALUES ($1, $2, $3)
RETURNING id, created_at, updated_at`, sessionID, ownerID, title).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return models.ChatSession{}, fmt.Errorf("create chat session: %w", err)
	}
	return s, nil
}

// GetSession returns the session only when ownerID owns it.
func (r *ChatRepo) GetSession(ctx context.Context, ownerID int64, sessionID string) (models.ChatSession, error) {
	var s models.ChatSession
	err := r.db.Pool.QueryRow(ctx, `
SELECT s.id, s.session_id, s.owner_id, s.title,
       (SELECT COUNT(*) FROM chat_messages m WHERE m.session_id = s.session_id),
       s.created_at, s.updated_at
FROM chat_sessions s
WHERE s.session_id=$1 AND s.owner_id=$2`, sessionID, ownerID).
		Scan(&s.ID, &s.SessionID, &s.OwnerID, &s.Title, &s.MessageCount, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ChatSession{}, fmt.Errorf("chat session %s: %w", sessionID, util.ErrNotFound)
	}
	if err != nil {
		return models.ChatSession{}, fmt.Errorf("get chat session: %w", err)
	}
	return s, nil
}

func (r *ChatRepo) ListSessions(ctx context.Context, ownerID int64) ([]models.ChatSession, error) {
	rows, err := r.db.Pool.Query(ctx, `
SELECT s.id, s.session_id, s.owner_id, s.title,
       (SELECT COUNT(*) FROM chat_messages m WHERE m.session_id = s.session_id),
       s.created_at, s.updated_at
FROM chat_sessions s
WHERE s.owner_id=$1
ORDER BY s.updated_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list chat sessions: %w", err)
	}
	defer rows.Close()
	out := make([]models.ChatSession, 0)
	for rows.Next() {
		var s models.ChatSession
		if err := rows.Scan(&s.ID, &s.SessionID, &s.OwnerID, &s.Title, &s.MessageCount, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat sessions: %w", err)
	}
	return out, nil
}

// AddMessage stores msg and bumps the session's updated_at in one transaction.
func (r *ChatRepo) AddMessage(ctx context.Context, msg *models.ChatMessage) error {
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin add message: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
INSERT INTO chat_messages (session_id, role, content, metadata)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at`, msg.SessionID, string(msg.Role), msg.Content, msg.Metadata).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE chat_sessions SET updated_at=NOW() WHERE session_id=$1`, msg.SessionID); err != nil {
		return fmt.Errorf("touch chat session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chat message: %w", err)
	}
	return nil
}

// RecentMessages returns the last limit messages of a session, oldest first.
func (r *ChatRepo) RecentMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	return r.queryMessages(ctx, `
SELECT id, session_id, role, content, metadata, created_at FROM (
  SELECT id, session_id, role, content, metadata, created_at
  FROM chat_messages WHERE session_id=$1
  ORDER BY id DESC LIMIT $2
) recent ORDER BY id ASC`, sessionID, limit)
}

func (r *ChatRepo) Messages(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	return r.queryMessages(ctx, `
SELECT id, session_id, role, content, metadata, created_at
FROM chat_messages WHERE session_id=$1 ORDER BY id ASC`, sessionID)
}

func (r *ChatRepo) queryMessages(ctx context.Context, sql string, args ...any) ([]models.ChatMessage, error) {
	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()
	out := make([]models.ChatMessage, 0)
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return out, nil
}
