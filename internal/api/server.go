package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"docqa/internal/chat"
	"docqa/internal/logging"
	"docqa/internal/models"
)

type DocumentStore interface {
	Create(ctx context.Context, doc *models.Document) error
	GetForOwner(ctx context.Context, id, ownerID int64) (models.Document, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]models.Document, error)
	Delete(ctx context.Context, id, ownerID int64) (bool, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, job models.Job) (int64, error)
}

// HealthCheck is one backing service checked by GET /health.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

type Deps struct {
	Documents DocumentStore
	Users     UserStore
	Queue     JobQueue
	Engine    chat.Answerer
	Chat      *chat.Service
	Health    []HealthCheck
}

type Options struct {
	UploadDir      string
	MaxUploadBytes int
	Collection     string
	StreamBuffer   int
	// StreamChat makes websocket chat_message frames stream unless they say otherwise.
	StreamChat  bool
	HealthLimit time.Duration
}

type Server struct {
	opts      Options
	documents DocumentStore
	users     UserStore
	queue     JobQueue
	engine    chat.Answerer
	chat      *chat.Service
	health    []HealthCheck
	logger    *slog.Logger
	app       *fiber.App
}

func NewServer(deps Deps, opts Options, logger *slog.Logger) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 16 << 20
	}
	if opts.HealthLimit <= 0 {
		opts.HealthLimit = 3 * time.Second
	}
	s := &Server{
		opts:      opts,
		documents: deps.Documents,
		users:     deps.Users,
		queue:     deps.Queue,
		engine:    deps.Engine,
		chat:      deps.Chat,
		health:    deps.Health,
		logger:    logging.OrDefault(logger),
	}
	s.app = fiber.New(fiber.Config{
		AppName:      "docqa",
		ErrorHandler: ErrorHandler(s.logger),
		// multipart framing needs headroom over the file limit itself
		BodyLimit: opts.MaxUploadBytes + 1<<20,
	})
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Content-Type, Authorization",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
	}))

	s.app.Get("/health", s.handleHealth)

	authed := s.app.Group("", s.requireAuth)
	authed.Post("/upload", s.handleUpload)
	authed.Get("/documents", s.handleListDocuments)
	authed.Get("/documents/:id", s.handleGetDocument)
	authed.Delete("/documents/:id", s.handleDeleteDocument)
	authed.Post("/query", s.handleQuery)
	authed.Get("/chat/sessions", s.handleListSessions)
	authed.Get("/chat/sessions/:session_id/messages", s.handleSessionMessages)
	authed.Use("/ws", s.requireUpgrade)
	authed.Get("/ws", s.chatSocket())
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	s.logger.Info("docqa api listening", "addr", addr)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func sinceMS(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
