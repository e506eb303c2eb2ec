package rag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"docqa/internal/logging"
	"docqa/internal/models"
	"docqa/internal/providers"
	"docqa/internal/util"
	"docqa/internal/vectorstore"
)

type recordingCompleter struct {
	mu        sync.Mutex
	requests  []providers.CompletionRequest
	text      string
	fragments []string
	err       error
}

func (c *recordingCompleter) Complete(ctx context.Context, req providers.CompletionRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return c.text, c.err
}

func (c *recordingCompleter) Stream(ctx context.Context, req providers.CompletionRequest, onDelta func(string) error) error {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	for _, f := range c.fragments {
		if err := onDelta(f); err != nil {
			return err
		}
	}
	return c.err
}

func (c *recordingCompleter) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, &util.UpstreamServiceError{Service: util.ServiceEmbedding, StatusCode: 503}
}

const dim = 16

// seed stores one passage per text, with the vector the mock embedder gives that exact text.
func seed(t *testing.T, store *vectorstore.MemoryStore, owner, doc int64, source string, texts ...string) {
	t.Helper()
	vecs, err := providers.NewMockEmbedder(dim).Embed(context.Background(), texts)
	require.NoError(t, err)
	points := make([]vectorstore.Point, 0, len(texts))
	for i, text := range texts {
		points = append(points, vectorstore.Point{
			ID:      vectorstore.PointID(doc, i),
			Vector:  vecs[i],
			Payload: vectorstore.Payload{DocumentID: doc, OwnerID: owner, ChunkID: i, Source: source, ChunkSize: len(text), Content: text},
		})
	}
	require.NoError(t, store.Upsert(context.Background(), points))
}

func newTestEngine(store vectorstore.Store, completer providers.Completer, cfg Config) *Engine {
	return NewEngine(cfg, providers.NewMockEmbedder(dim), store, completer, ApproxCounter{}, logging.Discard())
}

func TestAnswerWithoutMatchesSkipsCompletion(t *testing.T) {
	store := vectorstore.NewMemoryStore(0)
	completer := &recordingCompleter{text: "should not be used"}
	e := newTestEngine(store, completer, Config{ScoreThreshold: 0.5})

	a, err := e.Answer(context.Background(), Query{Question: "What is the refund policy?", OwnerID: 7})
	require.NoError(t, err)
	require.Equal(t, NoDocumentsAnswer, a.Text)
	require.Empty(t, a.Sources)
	require.NotNil(t, a.Sources)
	require.Zero(t, completer.calls())
	require.Equal(t, len([]rune(NoDocumentsAnswer)), a.Metadata.AnswerLength)
}

func TestAnswerAssemblesContextAndHistory(t *testing.T) {
	store := vectorstore.NewMemoryStore(0)
	question := "Refunds are issued within 30 days."
	seed(t, store, 7, 1, "policy.pdf", question)
	completer := &recordingCompleter{text: "Refunds take 30 days."}
	e := newTestEngine(store, completer, Config{ScoreThreshold: 0.5})

	history := make([]models.Turn, 0, 10)
	for i := 0; i < 10; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		history = append(history, models.Turn{Role: role, Content: string(rune('a' + i))})
	}
	a, err := e.Answer(context.Background(), Query{Question: question, History: history, OwnerID: 7})
	require.NoError(t, err)
	require.Equal(t, "Refunds take 30 days.", a.Text)
	require.Len(t, a.Sources, 1)
	require.Equal(t, "policy.pdf", a.Sources[0].Source)
	require.Equal(t, int64(1), a.Sources[0].DocumentID)
	require.InDelta(t, 1.0, a.Sources[0].Score, 1e-5)
	require.NotEmpty(t, a.Sources[0].Snippet)
	require.Equal(t, 1, a.Metadata.SourceCount)

	require.Equal(t, 1, completer.calls())
	req := completer.requests[0]
	require.Equal(t, 1000, req.MaxCompletionTokens)
	require.Len(t, req.Messages, 1+8+1)
	require.Equal(t, "system", req.Messages[0].Role)
	require.Contains(t, req.Messages[0].Content, InsufficientInfoInstruction)
	require.Equal(t, "c", req.Messages[1].Content, "only the last 8 turns are kept")
	require.Equal(t, "j", req.Messages[8].Content)
	last := req.Messages[9]
	require.Equal(t, "user", last.Role)
	require.Equal(t, "Context:\nDocument 1 (from policy.pdf):\n"+question+"\n\n\n\nQuestion: "+question+"\n\nAnswer:", last.Content)
}

func TestAnswerIsScopedToOwner(t *testing.T) {
	store := vectorstore.NewMemoryStore(0)
	question := "secret roadmap for next year"
	seed(t, store, 8, 2, "other.txt", question)
	completer := &recordingCompleter{text: "leak"}
	e := newTestEngine(store, completer, Config{ScoreThreshold: 0.5})

	a, err := e.Answer(context.Background(), Query{Question: question, OwnerID: 7})
	require.NoError(t, err)
	require.Equal(t, NoDocumentsAnswer, a.Text)
	require.Zero(t, completer.calls())
}

func TestAnswerValidation(t *testing.T) {
	e := newTestEngine(vectorstore.NewMemoryStore(0), &recordingCompleter{}, Config{})

	_, err := e.Answer(context.Background(), Query{Question: "   ", OwnerID: 7})
	require.ErrorIs(t, err, util.ErrValidation)

	_, err = e.Answer(context.Background(), Query{Question: "hello"})
	var verr *util.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Contains(t, verr.Fields, "owner_id")

	unscoped := newTestEngine(vectorstore.NewMemoryStore(0), &recordingCompleter{}, Config{AllowUnscopedSearch: true})
	a, err := unscoped.Answer(context.Background(), Query{Question: "hello"})
	require.NoError(t, err)
	require.Equal(t, NoDocumentsAnswer, a.Text)
}

func TestAnswerUpstreamFailureReturnsErrorText(t *testing.T) {
	store := vectorstore.NewMemoryStore(0)
	e := NewEngine(Config{}, failingEmbedder{}, store, &recordingCompleter{}, nil, logging.Discard())
	a, err := e.Answer(context.Background(), Query{Question: "q", OwnerID: 1})
	require.ErrorIs(t, err, util.ErrUpstream)
	require.Equal(t, ErrorAnswer, a.Text)

	seed(t, store, 1, 1, "a.txt", "q")
	completer := &recordingCompleter{err: &util.UpstreamServiceError{Service: util.ServiceCompletion, StatusCode: 500}}
	e = newTestEngine(store, completer, Config{ScoreThreshold: 0.5})
	a, err = e.Answer(context.Background(), Query{Question: "q", OwnerID: 1})
	require.ErrorIs(t, err, util.ErrUpstream)
	require.Equal(t, ErrorAnswer, a.Text)
	require.Len(t, a.Sources, 1)
}

func TestAnswerStreamEmitsFragmentsInOrder(t *testing.T) {
	store := vectorstore.NewMemoryStore(0)
	seed(t, store, 7, 1, "a.txt", "what is go")
	completer := &recordingCompleter{fragments: []string{"Go ", "is ", "a language."}}
	e := newTestEngine(store, completer, Config{ScoreThreshold: 0.5})

	var got []string
	a, err := e.AnswerStream(context.Background(), Query{Question: "what is go", OwnerID: 7}, func(s string) error {
		got = append(got, s)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Go ", "is ", "a language."}, got)
	require.Equal(t, strings.Join(got, ""), a.Text)
	require.Len(t, a.Sources, 1)
}

func TestAnswerStreamNoMatchesEmitsOnce(t *testing.T) {
	completer := &recordingCompleter{}
	e := newTestEngine(vectorstore.NewMemoryStore(0), completer, Config{ScoreThreshold: 0.5})
	var got []string
	a, err := e.AnswerStream(context.Background(), Query{Question: "anything", OwnerID: 7}, func(s string) error {
		got = append(got, s)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{NoDocumentsAnswer}, got)
	require.Equal(t, NoDocumentsAnswer, a.Text)
	require.Zero(t, completer.calls())
}

func TestAnswerStreamFailureKeepsPartialText(t *testing.T) {
	store := vectorstore.NewMemoryStore(0)
	seed(t, store, 7, 1, "a.txt", "partial")
	boom := &util.UpstreamServiceError{Service: util.ServiceCompletion, Err: errors.New("connection reset")}
	completer := &recordingCompleter{fragments: []string{"Half "}, err: boom}
	e := newTestEngine(store, completer, Config{ScoreThreshold: 0.5})

	a, err := e.AnswerStream(context.Background(), Query{Question: "partial", OwnerID: 7}, func(string) error { return nil })
	require.ErrorIs(t, err, util.ErrUpstream)
	require.Equal(t, "Half ", a.Text)
}

func TestAnswerStreamStopsWhenEmitFails(t *testing.T) {
	store := vectorstore.NewMemoryStore(0)
	seed(t, store, 7, 1, "a.txt", "stop")
	completer := &recordingCompleter{fragments: []string{"one ", "two ", "three"}}
	e := newTestEngine(store, completer, Config{ScoreThreshold: 0.5})

	gone := errors.New("client gone")
	n := 0
	_, err := e.AnswerStream(context.Background(), Query{Question: "stop", OwnerID: 7}, func(string) error {
		n++
		if n == 2 {
			return gone
		}
		return nil
	})
	require.ErrorIs(t, err, gone)
	require.Equal(t, 2, n)
}
