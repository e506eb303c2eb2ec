package vectorstore

import (
	"context"
	"sort"
)

const (
	DefaultCollection      = "documents"
	DefaultDimension       = 1536
	DefaultUpsertBatchSize = 100
	DefaultTopK            = 5
	DefaultScoreThreshold  = 0.5
)

// Store is the vector index behind indexing, retrieval and cleanup.
type Store interface {
	EnsureCollection(ctx context.Context) error
	// Upsert writes points in sequential batches. A failure part way through
	// returns *util.PartialBatchFailure with the count already stored.
	Upsert(ctx context.Context, points []Point) error
	// DeleteDocument removes every point of documentID. Deleting a document
	// with no points succeeds and reports false.
	DeleteDocument(ctx context.Context, documentID int64) (bool, error)
	Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Hit, error)
	Scroll(ctx context.Context, req ScrollRequest) (ScrollPage, error)
	Ping(ctx context.Context) error
	Name() string
}

type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

type Hit struct {
	ID      string
	Score   float64
	Payload Payload
	Shape   PayloadShape
}

type SearchOptions struct {
	// OwnerID restricts results to one owner. Nil searches every owner.
	OwnerID        *int64
	TopK           int
	ScoreThreshold float64
}

func (o SearchOptions) normalized() SearchOptions {
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	return o
}

type ScrollRequest struct {
	Limit  int
	Offset string
}

type ScrolledPoint struct {
	ID string
	// DocumentID is 0 when the payload carries no usable document id.
	DocumentID int64
	Shape      PayloadShape
}

type ScrollPage struct {
	Points []ScrolledPoint
	// NextOffset is empty on the last page.
	NextOffset string
}

// filterHits drops hits under the threshold and returns at most topK, best first.
func filterHits(hits []Hit, opts SearchOptions) []Hit {
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		if h.Score >= opts.ScoreThreshold {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > opts.TopK {
		out = out[:opts.TopK]
	}
	return out
}

func batches(n, size int) [][2]int {
	if size <= 0 {
		size = DefaultUpsertBatchSize
	}
	out := make([][2]int, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}
