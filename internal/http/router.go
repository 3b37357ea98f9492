package http

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"posreports/internal/config"
	"posreports/internal/health"
	"posreports/internal/jobs"
	"posreports/internal/metrics"
	"posreports/internal/reportcfg"
	"posreports/internal/workspace"
)

// Deps are the collaborators the handlers need.
type Deps struct {
	Config       *config.Config
	Orchestrator *jobs.Orchestrator
	Workspaces   *workspace.Root
	Reports      reportcfg.Store
	Health       health.Options
}

type Server struct {
	app    *fiber.App
	config *config.Config
	rdb    *redis.Client
	logger *slog.Logger
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(requestMiddleware(logger))

	// Inject dependencies into context for handlers
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("deps", &deps)
		return c.Next()
	})

	// Redis client for submission rate limiting
	var rdb *redis.Client
	if cfg.RateLimit.DownloadsPerMinute > 0 && cfg.Redis.URL != "" {
		if opt, err := redis.ParseURL(cfg.Redis.URL); err == nil {
			rdb = redis.NewClient(opt)
		} else {
			logger.Warn("rate_limit_disabled", "error", err)
		}
	}

	app.Get("/health", healthHandler)
	app.Get("/metrics", func(c *fiber.Ctx) error {
		c.Type("text/plain")
		return c.SendString(metrics.Export())
	})

	api := app.Group("", authMiddleware(cfg))
	api.Post("/download", rateLimitMiddleware(cfg.RateLimit.DownloadsPerMinute, rdb, logger), downloadHandler)
	registerRoutes(api)

	return &Server{
		app:    app,
		config: cfg,
		rdb:    rdb,
		logger: logger,
	}
}

func registerRoutes(group fiber.Router) {
	group.Get("/jobs", jobsListHandler)
	group.Get("/jobs/:id", jobStatusHandler)
	group.Get("/logs/:id", jobLogsHandler)

	group.Get("/files/:id", filesListHandler)
	group.Delete("/files/:id", deleteWorkspaceHandler)
	group.Post("/files/:id/delete", deleteFilesHandler)
	group.Get("/files/:id/*", fileDownloadHandler)
	group.Delete("/files/:id/*", deleteFileHandler)
	group.Get("/preview/:id/*", filePreviewHandler)

	group.Get("/config/reports", getReportsHandler)
	group.Post("/config/reports", setReportsHandler)
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.logger.Info("http_listening", "addr", addr)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
	return err
}

func depsFrom(c *fiber.Ctx) *Deps {
	return c.Locals("deps").(*Deps)
}
