package util

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrUpstream     = errors.New("upstream service failure")
	ErrStorage      = errors.New("storage failure")
	ErrQueueDecode  = errors.New("undecodable queue message")
	ErrPartialBatch = errors.New("partial batch failure")

	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNoExtractableText   = errors.New("no extractable text found in document")
	ErrUnsupportedFileType = errors.New("unsupported file type")
)

// ValidationError reports bad or missing input. Never retried.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

const (
	ServiceEmbedding  = "embedding"
	ServiceCompletion = "completion"
)

// UpstreamServiceError is a failure of the embedding or completion service.
// With Service == ServiceEmbedding it is the embedding service error.
type UpstreamServiceError struct {
	Service    string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamServiceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Service)
	b.WriteString(" service error")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " %d", e.StatusCode)
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(truncate(e.Body, 300))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *UpstreamServiceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpstream}
	}
	return []error{ErrUpstream, e.Err}
}

// StorageError wraps a vector store or record store failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// QueueDecodeError marks a poison message. It is dropped, never retried.
type QueueDecodeError struct {
	Raw string
	Err error
}

func (e *QueueDecodeError) Error() string {
	return fmt.Sprintf("decode queue message %q: %v", truncate(e.Raw, 200), e.Err)
}

func (e *QueueDecodeError) Unwrap() []error { return []error{ErrQueueDecode, e.Err} }

// PartialBatchFailure means batches before the failing one are durably stored.
type PartialBatchFailure struct {
	Stored int
	Total  int
	Err    error
}

func (e *PartialBatchFailure) Error() string {
	return fmt.Sprintf("stored %d of %d points before failure: %v", e.Stored, e.Total, e.Err)
}

func (e *PartialBatchFailure) Unwrap() []error { return []error{ErrPartialBatch, e.Err} }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
