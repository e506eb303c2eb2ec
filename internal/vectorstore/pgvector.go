package vectorstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"docqa/internal/logging"
	"docqa/internal/util"
)

// Querier is the subset of *pgxpool.Pool the pgvector backend needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
}

// PgvectorStore keeps points in the document_vectors table of the application database.
type PgvectorStore struct {
	q         Querier
	dimension int
	batchSize int
	logger    *slog.Logger
}

func NewPgvectorStore(q Querier, dimension, batchSize int, logger *slog.Logger) *PgvectorStore {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	if batchSize <= 0 {
		batchSize = DefaultUpsertBatchSize
	}
	return &PgvectorStore{q: q, dimension: dimension, batchSize: batchSize, logger: logging.OrDefault(logger)}
}

func (s *PgvectorStore) Name() string { return "pgvector" }

func (s *PgvectorStore) EnsureCollection(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS document_vectors (
  id UUID PRIMARY KEY,
  document_id BIGINT NOT NULL,
  owner_id BIGINT NOT NULL,
  chunk_id INT NOT NULL,
  source TEXT NOT NULL DEFAULT '',
  chunk_size INT NOT NULL DEFAULT 0,
  content TEXT NOT NULL,
  schema_version INT NOT NULL DEFAULT %d,
  embedding vector(%d) NOT NULL
)`, PayloadSchemaVersion, s.dimension),
		`CREATE INDEX IF NOT EXISTS idx_document_vectors_document ON document_vectors(document_id)`,
		`CREATE INDEX IF NOT EXISTS idx_document_vectors_owner ON document_vectors(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_document_vectors_embedding ON document_vectors USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := s.q.Exec(ctx, stmt); err != nil {
			return &util.StorageError{Op: "ensure document_vectors", Err: err}
		}
	}
	return nil
}

const upsertVectorSQL = `
INSERT INTO document_vectors (id, document_id, owner_id, chunk_id, source, chunk_size, content, schema_version, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector)
ON CONFLICT (id) DO UPDATE SET
  document_id = EXCLUDED.document_id,
  owner_id = EXCLUDED.owner_id,
  chunk_id = EXCLUDED.chunk_id,
  source = EXCLUDED.source,
  chunk_size = EXCLUDED.chunk_size,
  content = EXCLUDED.content,
  schema_version = EXCLUDED.schema_version,
  embedding = EXCLUDED.embedding`

func (s *PgvectorStore) Upsert(ctx context.Context, points []Point) error {
	stored := 0
	for _, b := range batches(len(points), s.batchSize) {
		batch := points[b[0]:b[1]]
		if err := s.upsertBatch(ctx, batch); err != nil {
			return &util.PartialBatchFailure{Stored: stored, Total: len(points), Err: &util.StorageError{Op: "upsert", Err: err}}
		}
		stored += len(batch)
	}
	return nil
}

func (s *PgvectorStore) upsertBatch(ctx context.Context, points []Point) error {
	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(upsertVectorSQL,
			p.ID, p.Payload.DocumentID, p.Payload.OwnerID, p.Payload.ChunkID, p.Payload.Source,
			p.Payload.ChunkSize, p.Payload.Content, PayloadSchemaVersion, pgvector.NewVector(p.Vector))
	}
	results := s.q.SendBatch(ctx, batch)
	for range points {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return err
		}
	}
	return results.Close()
}

func (s *PgvectorStore) DeleteDocument(ctx context.Context, documentID int64) (bool, error) {
	var exists bool
	if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM document_vectors WHERE document_id = $1)`, documentID).Scan(&exists); err != nil {
		return false, &util.StorageError{Op: "check document points", Err: err}
	}
	if !exists {
		return false, nil
	}
	if _, err := s.q.Exec(ctx, `DELETE FROM document_vectors WHERE document_id = $1`, documentID); err != nil {
		return false, &util.StorageError{Op: "delete document points", Err: err}
	}
	return true, nil
}

func (s *PgvectorStore) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Hit, error) {
	opts = opts.normalized()
	query := `
SELECT id::text, document_id, owner_id, chunk_id, source, chunk_size, content, schema_version,
       1 - (embedding <=> $1::vector) AS score
FROM document_vectors
WHERE ($2::bigint IS NULL OR owner_id = $2)
  AND 1 - (embedding <=> $1::vector) >= $3
ORDER BY embedding <=> $1::vector
LIMIT $4`
	rows, err := s.q.Query(ctx, query, pgvector.NewVector(vector), opts.OwnerID, opts.ScoreThreshold, opts.TopK)
	if err != nil {
		return nil, &util.StorageError{Op: "search", Err: err}
	}
	defer rows.Close()

	hits := make([]Hit, 0, opts.TopK)
	for rows.Next() {
		h := Hit{Shape: ShapeFlatV1}
		if err := rows.Scan(&h.ID, &h.Payload.DocumentID, &h.Payload.OwnerID, &h.Payload.ChunkID, &h.Payload.Source,
			&h.Payload.ChunkSize, &h.Payload.Content, &h.Payload.SchemaVersion, &h.Score); err != nil {
			return nil, &util.StorageError{Op: "scan search hit", Err: err}
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, &util.StorageError{Op: "iterate search rows", Err: err}
	}
	return filterHits(hits, opts), nil
}

// Scroll pages by id; the offset is the last id of the previous page.
func (s *PgvectorStore) Scroll(ctx context.Context, req ScrollRequest) (ScrollPage, error) {
	if req.Limit <= 0 {
		req.Limit = 1000
	}
	var after any
	if req.Offset != "" {
		after = req.Offset
	}
	rows, err := s.q.Query(ctx, `
SELECT id::text, document_id
FROM document_vectors
WHERE ($1::uuid IS NULL OR id > $1::uuid)
ORDER BY id
LIMIT $2`, after, req.Limit)
	if err != nil {
		return ScrollPage{}, &util.StorageError{Op: "scroll", Err: err}
	}
	defer rows.Close()

	page := ScrollPage{Points: make([]ScrolledPoint, 0, req.Limit)}
	for rows.Next() {
		p := ScrolledPoint{Shape: ShapeFlatV1}
		if err := rows.Scan(&p.ID, &p.DocumentID); err != nil {
			return ScrollPage{}, &util.StorageError{Op: "scan scroll row", Err: err}
		}
		page.Points = append(page.Points, p)
	}
	if err := rows.Err(); err != nil {
		return ScrollPage{}, &util.StorageError{Op: "iterate scroll rows", Err: err}
	}
	if len(page.Points) == req.Limit {
		page.NextOffset = page.Points[len(page.Points)-1].ID
	}
	return page, nil
}

func (s *PgvectorStore) Ping(ctx context.Context) error {
	if err := s.q.Ping(ctx); err != nil {
		return &util.StorageError{Op: "ping", Err: err}
	}
	return nil
}
