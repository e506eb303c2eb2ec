package providers

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// MockEmbedder produces deterministic unit vectors from the input text.
// Used when no embedding deployment is configured and in tests.
type MockEmbedder struct {
	dim int
}

func NewMockEmbedder(dim int) *MockEmbedder {
	if dim <= 0 {
		dim = 1536
	}
	return &MockEmbedder{dim: dim}
}

func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vectors := make([][]float32, 0, len(texts))
	for _, input := range texts {
		vectors = append(vectors, deterministicVector(input, m.dim))
	}
	return vectors, nil
}

// MockCompleter answers with a fixed text, streamed word by word.
type MockCompleter struct {
	Text string
}

func NewMockCompleter() *MockCompleter {
	return &MockCompleter{Text: "Mock response based on the provided documents."}
}

func (m *MockCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.Text, nil
}

func (m *MockCompleter) Stream(ctx context.Context, req CompletionRequest, onDelta func(string) error) error {
	words := strings.SplitAfter(m.Text, " ")
	for _, w := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w == "" {
			continue
		}
		if err := onDelta(w); err != nil {
			return err
		}
	}
	return nil
}

func deterministicVector(input string, dim int) []float32 {
	vec := make([]float32, dim)
	seed := []byte(input)
	if len(seed) == 0 {
		seed = []byte("empty")
	}
	for i := 0; i < dim; i++ {
		h := sha256.Sum256(append(seed, byte(i%251), byte(i/251)))
		u := binary.BigEndian.Uint32(h[:4])
		vec[i] = float32(u%2000)/1000.0 - 1.0
	}
	return normalize(vec)
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
	return v
}
