package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"docqa/internal/logging"
	"docqa/internal/util"
)

type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	BatchSize  int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// QdrantStore is a REST client for one Qdrant collection using cosine distance.
type QdrantStore struct {
	url        string
	apiKey     string
	collection string
	dimension  int
	batchSize  int
	client     *http.Client
	logger     *slog.Logger
}

func NewQdrantStore(cfg QdrantConfig, logger *slog.Logger) *QdrantStore {
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultUpsertBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &QdrantStore{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		batchSize:  cfg.BatchSize,
		client:     client,
		logger:     logging.OrDefault(logger),
	}
}

func (s *QdrantStore) Name() string { return "qdrant" }

func (s *QdrantStore) Collection() string { return s.collection }

type qdrantStatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *qdrantStatusError) Error() string {
	return fmt.Sprintf("qdrant %s %s failed: %d %s", e.Method, e.Path, e.Status, strings.TrimSpace(e.Body))
}

func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	path := "/collections/" + s.collection
	err := s.do(ctx, http.MethodGet, path, nil, nil)
	var st *qdrantStatusError
	switch {
	case err == nil:
		s.logger.Debug("qdrant collection exists", "collection", s.collection)
	case errors.As(err, &st) && st.Status == http.StatusNotFound:
		body := map[string]any{"vectors": map[string]any{"size": s.dimension, "distance": "Cosine"}}
		if err := s.do(ctx, http.MethodPut, path, body, nil); err != nil {
			return &util.StorageError{Op: "create collection", Err: err}
		}
		s.logger.Info("qdrant collection created", "collection", s.collection, "dimension", s.dimension)
	default:
		return &util.StorageError{Op: "get collection", Err: err}
	}
	for _, field := range []string{"document_id", "owner_id"} {
		body := map[string]any{"field_name": field, "field_schema": "integer"}
		if err := s.do(ctx, http.MethodPut, path+"/index?wait=true", body, nil); err != nil {
			return &util.StorageError{Op: "create payload index " + field, Err: err}
		}
	}
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	stored := 0
	for _, b := range batches(len(points), s.batchSize) {
		batch := points[b[0]:b[1]]
		body := make([]map[string]any, 0, len(batch))
		for _, p := range batch {
			body = append(body, map[string]any{"id": p.ID, "vector": p.Vector, "payload": p.Payload.Map()})
		}
		err := s.do(ctx, http.MethodPut, "/collections/"+s.collection+"/points?wait=true", map[string]any{"points": body}, nil)
		if err != nil {
			return &util.PartialBatchFailure{Stored: stored, Total: len(points), Err: &util.StorageError{Op: "upsert", Err: err}}
		}
		stored += len(batch)
	}
	return nil
}

func documentFilter(documentID int64) map[string]any {
	return map[string]any{"must": []map[string]any{
		{"key": "document_id", "match": map[string]any{"value": documentID}},
	}}
}

func (s *QdrantStore) DeleteDocument(ctx context.Context, documentID int64) (bool, error) {
	page, err := s.scroll(ctx, map[string]any{
		"filter":       documentFilter(documentID),
		"limit":        1,
		"with_payload": false,
		"with_vector":  false,
	})
	if err != nil {
		return false, &util.StorageError{Op: "check document points", Err: err}
	}
	if len(page.Points) == 0 {
		return false, nil
	}
	body := map[string]any{"filter": documentFilter(documentID)}
	if err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/delete?wait=true", body, nil); err != nil {
		return false, &util.StorageError{Op: "delete document points", Err: err}
	}
	return true, nil
}

type qdrantPoint struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

func (p qdrantPoint) id() string {
	var s string
	if err := json.Unmarshal(p.ID, &s); err == nil {
		return s
	}
	return string(p.ID)
}

func (s *QdrantStore) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Hit, error) {
	opts = opts.normalized()
	body := map[string]any{
		"vector":          vector,
		"limit":           opts.TopK,
		"score_threshold": opts.ScoreThreshold,
		"with_payload":    true,
	}
	if opts.OwnerID != nil {
		body["filter"] = map[string]any{"must": []map[string]any{
			{"key": "owner_id", "match": map[string]any{"value": *opts.OwnerID}},
		}}
	}
	var resp struct {
		Result []qdrantPoint `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/search", body, &resp); err != nil {
		return nil, &util.StorageError{Op: "search", Err: err}
	}
	hits := make([]Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		payload, shape, err := NormalizePayload(r.Payload)
		if err != nil {
			s.logger.Warn("skipping search hit with unknown payload", "point_id", r.id(), "error", err)
			continue
		}
		hits = append(hits, Hit{ID: r.id(), Score: r.Score, Payload: payload, Shape: shape})
	}
	return filterHits(hits, opts), nil
}

func (s *QdrantStore) Scroll(ctx context.Context, req ScrollRequest) (ScrollPage, error) {
	if req.Limit <= 0 {
		req.Limit = 1000
	}
	body := map[string]any{"limit": req.Limit, "with_payload": true, "with_vector": false}
	if req.Offset != "" {
		body["offset"] = scrollOffset(req.Offset)
	}
	page, err := s.scroll(ctx, body)
	if err != nil {
		return ScrollPage{}, &util.StorageError{Op: "scroll", Err: err}
	}
	return page, nil
}

// scrollOffset sends integer point ids back as JSON numbers; Qdrant rejects them as strings.
func scrollOffset(offset string) any {
	if n, err := strconv.ParseUint(offset, 10, 64); err == nil {
		return n
	}
	return offset
}

func (s *QdrantStore) scroll(ctx context.Context, body map[string]any) (ScrollPage, error) {
	var resp struct {
		Result struct {
			Points         []qdrantPoint   `json:"points"`
			NextPageOffset json.RawMessage `json:"next_page_offset"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/scroll", body, &resp); err != nil {
		return ScrollPage{}, err
	}
	page := ScrollPage{Points: make([]ScrolledPoint, 0, len(resp.Result.Points))}
	for _, p := range resp.Result.Points {
		sp := ScrolledPoint{ID: p.id(), Shape: ShapeUnknown}
		if payload, shape, err := NormalizePayload(p.Payload); err == nil {
			sp.DocumentID = payload.DocumentID
			sp.Shape = shape
		}
		page.Points = append(page.Points, sp)
	}
	if next := resp.Result.NextPageOffset; len(next) > 0 && string(next) != "null" {
		page.NextOffset = qdrantPoint{ID: next}.id()
	}
	return page, nil
}

func (s *QdrantStore) Ping(ctx context.Context) error {
	if err := s.do(ctx, http.MethodGet, "/collections", nil, nil); err != nil {
		return &util.StorageError{Op: "ping", Err: err}
	}
	return nil
}

func (s *QdrantStore) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode qdrant request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.url+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &qdrantStatusError{Method: method, Path: path, Status: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
