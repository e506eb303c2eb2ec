package providers

import "context"

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Messages            []ChatMessage `json:"messages"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
	Stream              bool          `json:"stream,omitempty"`
}

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Completer calls a chat completion model.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	// Stream delivers each content delta to onDelta in arrival order.
	// An error from onDelta stops the stream and is returned.
	Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) error
}
