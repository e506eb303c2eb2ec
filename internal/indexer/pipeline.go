package indexer

import (
	"context"
	"fmt"
	"log/slog"

	"docqa/internal/loader"
	"docqa/internal/logging"
	"docqa/internal/models"
	"docqa/internal/providers"
	"docqa/internal/util"
	"docqa/internal/vectorstore"
)

// Pipeline turns one stored file into vector points.
type Pipeline struct {
	// Load extracts text from a file path. Defaults to loader.Load.
	Load     func(path string) (string, error)
	chunker  util.Chunker
	embedder providers.Embedder
	store    vectorstore.Store
	logger   *slog.Logger
}

func NewPipeline(chunker util.Chunker, embedder providers.Embedder, store vectorstore.Store, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		Load:     loader.Load,
		chunker:  util.NewChunker(chunker.Size, chunker.Overlap),
		embedder: embedder,
		store:    store,
		logger:   logging.OrDefault(logger),
	}
}

// Index loads, chunks, embeds and upserts doc. It returns the number of chunks stored.
// A document yielding no chunks is an error; it must never be reported as indexed.
func (p *Pipeline) Index(ctx context.Context, doc models.Document) (int, error) {
	text, err := p.Load(doc.FilePath)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", doc.Filename, err)
	}
	chunks := p.chunker.Chunk(text)
	if len(chunks) == 0 {
		return 0, util.ErrNoExtractableText
	}

	vectors, err := p.embedder.Embed(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, &util.UpstreamServiceError{
			Service: util.ServiceEmbedding,
			Err:     fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks)),
		}
	}

	source := doc.OriginalFilename
	if source == "" {
		source = doc.Filename
	}
	points := make([]vectorstore.Point, 0, len(chunks))
	for i, chunk := range chunks {
		points = append(points, vectorstore.Point{
			ID:     vectorstore.PointID(doc.ID, i),
			Vector: vectors[i],
			Payload: vectorstore.Payload{
				DocumentID: doc.ID,
				OwnerID:    doc.OwnerID,
				ChunkID:    i,
				Source:     source,
				ChunkSize:  len([]rune(chunk)),
				Content:    chunk,
			},
		})
	}
	if err := p.store.Upsert(ctx, points); err != nil {
		return 0, fmt.Errorf("store vectors: %w", err)
	}
	p.logger.Info("document indexed", "document_id", doc.ID, "chunks", len(chunks), "text_length", len(text))
	return len(chunks), nil
}
