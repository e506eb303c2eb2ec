package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"docqa/internal/api"
	"docqa/internal/bootstrap"
	"docqa/internal/chat"
	"docqa/internal/config"
	"docqa/internal/queue"
	"docqa/internal/rag"
	"docqa/internal/storage"
)

func main() {
	_ = godotenv.Load(".env")
	cfg := config.Load()
	logger := bootstrap.Logger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		logger.Error("create upload dir", "dir", cfg.UploadDir, "error", err)
		os.Exit(1)
	}
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
	jobs := queue.NewRedisQueue(rdb, cfg.QueueName, logger)

	store, err := bootstrap.VectorStore(ctx, cfg, db, logger)
	if err != nil {
		logger.Error("open vector store", "error", err)
		os.Exit(1)
	}

	engine := rag.NewEngine(rag.Config{
		TopK:                cfg.SearchTopK,
		ScoreThreshold:      cfg.SearchScoreThreshold,
		HistoryTurns:        cfg.HistoryTurns,
		HistoryTokenBudget:  cfg.HistoryTokenBudget,
		AllowUnscopedSearch: cfg.AllowUnscopedSearch,
		MaxCompletionTokens: cfg.MaxCompletionTokens,
	}, bootstrap.Embedder(cfg, logger), store, bootstrap.Completer(cfg, logger), rag.NewTokenCounter(cfg.AzureChatDeployment), logger)
	chatService := chat.NewService(chat.Config{
		ContextLimit: cfg.ChatContextLimit,
		StreamBuffer: cfg.StreamBuffer,
	}, storage.NewChatRepo(db), engine, logger)

	srv := api.NewServer(api.Deps{
		Documents: storage.NewDocumentRepo(db),
		Users:     storage.NewUserRepo(db),
		Queue:     jobs,
		Engine:    engine,
		Chat:      chatService,
		Health: []api.HealthCheck{
			{Name: "database", Ping: db.Ping},
			{Name: "redis", Ping: jobs.Ping},
			{Name: "vector_store", Ping: store.Ping},
		},
	}, api.Options{
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Collection:     cfg.VectorCollection,
		StreamBuffer:   cfg.StreamBuffer,
		StreamChat:     true,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(cfg.APIAddr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("api server stopped", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown", "error", err)
		}
	}
}
