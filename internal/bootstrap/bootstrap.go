// Package bootstrap builds the shared runtime pieces of the api, worker and admin binaries from config.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"docqa/internal/config"
	"docqa/internal/logging"
	"docqa/internal/providers"
	"docqa/internal/storage"
	"docqa/internal/vectorstore"
)

const (
	BackendQdrant   = "qdrant"
	BackendPgvector = "pgvector"
	BackendMemory   = "memory"
)

// Logger builds the process logger and installs it as the slog default.
func Logger(cfg config.Config) *slog.Logger {
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)
	return logger
}

// OpenDB connects to postgres and applies pending migrations.
func OpenDB(ctx context.Context, cfg config.Config, logger *slog.Logger) (*storage.DB, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	db, err := storage.NewDB(connectCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(connectCtx); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.Migrate(ctx, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// VectorStore opens the configured backend and makes sure its collection exists.
// The pgvector backend shares the record-store pool.
func VectorStore(ctx context.Context, cfg config.Config, db *storage.DB, logger *slog.Logger) (vectorstore.Store, error) {
	var store vectorstore.Store
	switch cfg.VectorBackend {
	case BackendQdrant, "":
		store = vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.VectorCollection,
			Dimension:  cfg.EmbedDim,
			BatchSize:  cfg.UpsertBatchSize,
		}, logger)
	case BackendPgvector:
		if db == nil {
			return nil, fmt.Errorf("vector backend %q needs a database", cfg.VectorBackend)
		}
		store = vectorstore.NewPgvectorStore(db.Pool, cfg.EmbedDim, cfg.UpsertBatchSize, logger)
	case BackendMemory:
		logger.Warn("in-memory vector store: vectors are lost on restart and not shared between processes")
		store = vectorstore.NewMemoryStore(cfg.UpsertBatchSize)
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}
	if err := store.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("ensure %s collection: %w", store.Name(), err)
	}
	logger.Info("vector store ready", "backend", store.Name(), "collection", cfg.VectorCollection, "dimension", cfg.EmbedDim)
	return store, nil
}

// Embedder returns the Azure embedding gateway, or a deterministic local embedder when Azure is not configured.
func Embedder(cfg config.Config, logger *slog.Logger) providers.Embedder {
	if !cfg.AzureEmbeddingsConfigured() {
		logger.Warn("azure embeddings not configured; using deterministic mock embedder")
		return providers.NewMockEmbedder(cfg.EmbedDim)
	}
	return providers.NewEmbeddingGateway(providers.EmbeddingConfig{
		Endpoint:          cfg.AzureEmbeddingEndpoint,
		APIKey:            cfg.AzureEmbeddingAPIKey,
		APIVersion:        cfg.AzureAPIVersion,
		Deployment:        cfg.AzureEmbeddingDeployment,
		BatchSize:         cfg.EmbedBatchSize,
		Dimension:         cfg.EmbedDim,
		RequestsPerSecond: cfg.EmbedRequestsPerSecond,
	}, logger)
}

func Completer(cfg config.Config, logger *slog.Logger) providers.Completer {
	if !cfg.AzureChatConfigured() {
		logger.Warn("azure chat not configured; using mock completer")
		return providers.NewMockCompleter()
	}
	return providers.NewChatClient(providers.ChatConfig{
		Endpoint:            cfg.AzureEndpoint,
		APIKey:              cfg.AzureAPIKey,
		APIVersion:          cfg.AzureAPIVersion,
		Deployment:          cfg.AzureChatDeployment,
		MaxCompletionTokens: cfg.MaxCompletionTokens,
	}, logger)
}
