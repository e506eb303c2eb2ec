package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"docqa/internal/logging"
	"docqa/internal/models"
	"docqa/internal/providers"
	"docqa/internal/util"
	"docqa/internal/vectorstore"
)

type Config struct {
	TopK                int
	ScoreThreshold      float64
	HistoryTurns        int
	HistoryTokenBudget  int
	AllowUnscopedSearch bool
	MaxCompletionTokens int
	SnippetRunes        int
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = vectorstore.DefaultTopK
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 8
	}
	if c.MaxCompletionTokens <= 0 {
		c.MaxCompletionTokens = providers.DefaultMaxCompletionTokens
	}
	if c.SnippetRunes <= 0 {
		c.SnippetRunes = 240
	}
	return c
}

type Query struct {
	Question string
	History  []models.Turn
	// OwnerID scopes retrieval to one owner's documents. Zero means unscoped.
	OwnerID int64
}

type Metadata struct {
	EmbeddingMS  float64 `json:"embedding_time_ms"`
	SearchMS     float64 `json:"search_time_ms"`
	GenerationMS float64 `json:"generation_time_ms"`
	QueryMS      float64 `json:"query_time_ms"`
	AnswerLength int     `json:"answer_length"`
	SourceCount  int     `json:"source_count"`
}

type Answer struct {
	Text     string          `json:"response"`
	Sources  []models.Source `json:"sources"`
	Metadata Metadata        `json:"metadata"`
}

// Engine answers questions from retrieved passages.
type Engine struct {
	cfg       Config
	embedder  providers.Embedder
	store     vectorstore.Store
	completer providers.Completer
	tokens    TokenCounter
	logger    *slog.Logger
}

func NewEngine(cfg Config, embedder providers.Embedder, store vectorstore.Store, completer providers.Completer, tokens TokenCounter, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		embedder:  embedder,
		store:     store,
		completer: completer,
		tokens:    tokens,
		logger:    logging.OrDefault(logger),
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func (e *Engine) validate(q Query) error {
	if strings.TrimSpace(q.Question) == "" {
		return util.NewValidationError("query", "required")
	}
	if q.OwnerID <= 0 && !e.cfg.AllowUnscopedSearch {
		return util.NewValidationError("owner_id", "required")
	}
	return nil
}

type retrieval struct {
	hits    []vectorstore.Hit
	sources []models.Source
	meta    Metadata
}

func (e *Engine) retrieve(ctx context.Context, q Query) (retrieval, error) {
	var r retrieval
	t := time.Now()
	vecs, err := e.embedder.Embed(ctx, []string{q.Question})
	if err != nil {
		return r, fmt.Errorf("embed question: %w", err)
	}
	if len(vecs) != 1 {
		return r, &util.UpstreamServiceError{Service: util.ServiceEmbedding, Err: fmt.Errorf("got %d vectors for 1 question", len(vecs))}
	}
	r.meta.EmbeddingMS = ms(time.Since(t))

	t = time.Now()
	opts := vectorstore.SearchOptions{TopK: e.cfg.TopK, ScoreThreshold: e.cfg.ScoreThreshold}
	if q.OwnerID > 0 {
		owner := q.OwnerID
		opts.OwnerID = &owner
	}
	hits, err := e.store.Search(ctx, vecs[0], opts)
	if err != nil {
		return r, fmt.Errorf("search passages: %w", err)
	}
	r.meta.SearchMS = ms(time.Since(t))
	r.hits = hits
	r.sources = make([]models.Source, 0, len(hits))
	for _, h := range hits {
		r.sources = append(r.sources, models.Source{
			DocumentID: h.Payload.DocumentID,
			ChunkID:    h.Payload.ChunkID,
			Source:     h.Payload.Source,
			Score:      h.Score,
			Snippet:    util.SourceSnippet(h.Payload.Content, q.Question, e.cfg.SnippetRunes),
		})
	}
	r.meta.SourceCount = len(hits)
	e.logger.Info("passages retrieved", "owner_id", q.OwnerID, "hits", len(hits), "embedding_ms", r.meta.EmbeddingMS, "search_ms", r.meta.SearchMS)
	return r, nil
}

func (e *Engine) request(q Query, hits []vectorstore.Hit) providers.CompletionRequest {
	history := TrimHistory(q.History, e.cfg.HistoryTurns, e.cfg.HistoryTokenBudget, e.tokens)
	return providers.CompletionRequest{
		Messages:            BuildMessages(SystemPrompt, history, q.Question, hits),
		MaxCompletionTokens: e.cfg.MaxCompletionTokens,
	}
}

func (e *Engine) finish(a Answer, start time.Time) Answer {
	a.Metadata.QueryMS = ms(time.Since(start))
	a.Metadata.AnswerLength = utf8.RuneCountInString(a.Text)
	if a.Sources == nil {
		a.Sources = []models.Source{}
	}
	return a
}

// Answer runs retrieval and one blocking completion. On an upstream failure it returns
// ErrorAnswer as the text together with the error.
func (e *Engine) Answer(ctx context.Context, q Query) (Answer, error) {
	start := time.Now()
	if err := e.validate(q); err != nil {
		return Answer{}, err
	}
	r, err := e.retrieve(ctx, q)
	if err != nil {
		e.logger.Error("rag query failed", "stage", "retrieval", "error", err)
		return e.finish(Answer{Text: ErrorAnswer, Metadata: r.meta}, start), err
	}
	if len(r.hits) == 0 {
		return e.finish(Answer{Text: NoDocumentsAnswer, Metadata: r.meta}, start), nil
	}

	t := time.Now()
	text, err := e.completer.Complete(ctx, e.request(q, r.hits))
	r.meta.GenerationMS = ms(time.Since(t))
	if err != nil {
		e.logger.Error("rag query failed", "stage", "generation", "error", err)
		return e.finish(Answer{Text: ErrorAnswer, Sources: r.sources, Metadata: r.meta}, start), err
	}
	a := e.finish(Answer{Text: text, Sources: r.sources, Metadata: r.meta}, start)
	e.logger.Info("rag query completed", "sources", len(r.sources), "answer_length", a.Metadata.AnswerLength, "query_ms", a.Metadata.QueryMS)
	return a, nil
}

// AnswerStream is Answer with the completion streamed: every fragment goes to emit in
// arrival order and the returned Answer holds their concatenation. When emit fails the
// stream stops and its error is returned. On upstream failure the returned text is
// whatever was emitted before the failure.
func (e *Engine) AnswerStream(ctx context.Context, q Query, emit func(string) error) (Answer, error) {
	start := time.Now()
	if err := e.validate(q); err != nil {
		return Answer{}, err
	}
	r, err := e.retrieve(ctx, q)
	if err != nil {
		e.logger.Error("streaming rag query failed", "stage", "retrieval", "error", err)
		return e.finish(Answer{Metadata: r.meta}, start), err
	}
	if len(r.hits) == 0 {
		a := e.finish(Answer{Text: NoDocumentsAnswer, Metadata: r.meta}, start)
		return a, emit(NoDocumentsAnswer)
	}

	var b strings.Builder
	t := time.Now()
	err = e.completer.Stream(ctx, e.request(q, r.hits), func(fragment string) error {
		b.WriteString(fragment)
		return emit(fragment)
	})
	r.meta.GenerationMS = ms(time.Since(t))
	a := e.finish(Answer{Text: b.String(), Sources: r.sources, Metadata: r.meta}, start)
	if err != nil {
		e.logger.Error("streaming rag query failed", "stage", "generation", "streamed_length", a.Metadata.AnswerLength, "error", err)
		return a, err
	}
	e.logger.Info("streaming rag query completed", "sources", len(r.sources), "answer_length", a.Metadata.AnswerLength, "query_ms", a.Metadata.QueryMS)
	return a, nil
}
