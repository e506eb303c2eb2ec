package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store for local runs without Qdrant and for tests.
type MemoryStore struct {
	mu          sync.Mutex
	batchSize   int
	points      map[string]Point
	upsertCalls int
	deleteCalls int
}

func NewMemoryStore(batchSize int) *MemoryStore {
	if batchSize <= 0 {
		batchSize = DefaultUpsertBatchSize
	}
	return &MemoryStore{batchSize: batchSize, points: map[string]Point{}}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) EnsureCollection(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) Upsert(ctx context.Context, points []Point) error {
	for _, b := range batches(len(points), m.batchSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.Lock()
		m.upsertCalls++
		for _, p := range points[b[0]:b[1]] {
			p.Payload.SchemaVersion = PayloadSchemaVersion
			m.points[p.ID] = p
		}
		m.mu.Unlock()
	}
	return nil
}

func (m *MemoryStore) DeleteDocument(ctx context.Context, documentID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for id, p := range m.points {
		if p.Payload.DocumentID == documentID {
			delete(m.points, id)
			found = true
		}
	}
	if found {
		m.deleteCalls++
	}
	return found, nil
}

func (m *MemoryStore) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Hit, error) {
	opts = opts.normalized()
	m.mu.Lock()
	defer m.mu.Unlock()
	hits := make([]Hit, 0, len(m.points))
	for id, p := range m.points {
		if opts.OwnerID != nil && p.Payload.OwnerID != *opts.OwnerID {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: cosine(vector, p.Vector), Payload: p.Payload, Shape: ShapeFlatV1})
	}
	return filterHits(hits, opts), nil
}

func (m *MemoryStore) Scroll(ctx context.Context, req ScrollRequest) (ScrollPage, error) {
	if req.Limit <= 0 {
		req.Limit = 1000
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.points))
	for id := range m.points {
		if id > req.Offset {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	page := ScrollPage{}
	for _, id := range ids {
		if len(page.Points) == req.Limit {
			page.NextOffset = page.Points[len(page.Points)-1].ID
			break
		}
		page.Points = append(page.Points, ScrolledPoint{ID: id, DocumentID: m.points[id].Payload.DocumentID, Shape: ShapeFlatV1})
	}
	m.mu.Unlock()
	return page, nil
}

// Count returns the number of stored points, or only those of documentID when it is non-zero.
func (m *MemoryStore) Count(documentID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.points {
		if documentID == 0 || p.Payload.DocumentID == documentID {
			n++
		}
	}
	return n
}

func (m *MemoryStore) UpsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertCalls
}

func (m *MemoryStore) DeleteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteCalls
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
