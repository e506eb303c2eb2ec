package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"docqa/internal/activities"
	"docqa/internal/bootstrap"
	"docqa/internal/config"
	"docqa/internal/indexer"
	"docqa/internal/maintenance"
	"docqa/internal/queue"
	"docqa/internal/storage"
	"docqa/internal/util"
	"docqa/internal/vectorstore"
	"docqa/internal/workflows"
)

func main() {
	_ = godotenv.Load(".env")
	cfg := config.Load()
	logger := bootstrap.Logger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := bootstrap.OpenDB(ctx, cfg, logger)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := queue.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("connect redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	store, err := bootstrap.VectorStore(ctx, cfg, db, logger)
	if err != nil {
		logger.Error("open vector store", "error", err)
		os.Exit(1)
	}
	docs := storage.NewDocumentRepo(db)

	if cfg.TemporalAddress != "" {
		stopTemporal, err := startMaintenance(cfg, docs, store, logger)
		if err != nil {
			logger.Error("start maintenance worker", "error", err)
			os.Exit(1)
		}
		defer stopTemporal()
	}

	pipeline := indexer.NewPipeline(util.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap), bootstrap.Embedder(cfg, logger), store, logger)
	w := indexer.NewWorker(indexer.WorkerConfig{
		PollTimeout: cfg.QueuePollTimeout(),
		Collection:  cfg.VectorCollection,
	}, queue.NewRedisQueue(rdb, cfg.QueueName, logger), docs, pipeline, store, logger)

	if err := w.Run(ctx); err != nil {
		logger.Error("indexing worker stopped", "error", err)
		os.Exit(1)
	}
}

// startMaintenance runs the Temporal worker that hosts the orphan cleanup workflow.
func startMaintenance(cfg config.Config, docs *storage.DocumentRepo, store vectorstore.Store, logger *slog.Logger) (func(), error) {
	c, err := client.Dial(client.Options{
		HostPort: cfg.TemporalAddress,
		Logger:   tlog.NewStructuredLogger(logger),
	})
	if err != nil {
		return nil, err
	}
	w := worker.New(c, cfg.TemporalTaskQueue, worker.Options{})
	workflows.Register(w)
	activities.Register(w, activities.New(maintenance.NewCleaner(docs, store, logger)))
	if err := w.Start(); err != nil {
		c.Close()
		return nil, err
	}
	logger.Info("maintenance worker listening", "temporal", cfg.TemporalAddress, "task_queue", cfg.TemporalTaskQueue)
	return func() {
		w.Stop()
		c.Close()
	}, nil
}
