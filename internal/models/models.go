package models

import "time"

type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// CanTransition reports whether a document may move from s to next.
// Status only advances: pending -> processing -> completed|failed.
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

func (s DocumentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Document struct {
	ID               int64          `json:"id"`
	OwnerID          int64          `json:"owner_id"`
	Filename         string         `json:"filename"`
	OriginalFilename string         `json:"original_filename"`
	FilePath         string         `json:"-"`
	FileSize         int64          `json:"file_size"`
	Checksum         string         `json:"checksum,omitempty"`
	Status           DocumentStatus `json:"status"`
	CollectionName   string         `json:"collection_name,omitempty"`
	FailReason       string         `json:"fail_reason,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

type JobAction string

const (
	ActionIndex  JobAction = "index"
	ActionDelete JobAction = "delete"
)

// Job is the queue payload exchanged between the request layer and the worker.
type Job struct {
	DocumentID     int64     `json:"document_id"`
	Action         JobAction `json:"action"`
	FilePath       string    `json:"file_path,omitempty"`
	Filename       string    `json:"filename,omitempty"`
	CollectionName string    `json:"collection_name,omitempty"`
	Attempt        int       `json:"attempt,omitempty"`
}

// Chunk is a text span cut from a document. It is never persisted on its own.
type Chunk struct {
	DocumentID int64
	Ordinal    int
	Text       string
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	TokenHash string    `json:"-"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatSession struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	OwnerID      int64     `json:"owner_id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type ChatMessage struct {
	ID        int64          `json:"message_id"`
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"timestamp"`
}

// Source describes a retrieved passage that grounded an answer.
type Source struct {
	DocumentID int64   `json:"document_id"`
	ChunkID    int     `json:"chunk_id"`
	Source     string  `json:"source"`
	Score      float64 `json:"score"`
	Snippet    string  `json:"snippet"`
}
