// Package bootstrap builds the service graph from configuration. The
// API server and the CLI share it so both run jobs the same way.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"posreports/internal/acquire"
	"posreports/internal/analytics"
	"posreports/internal/automation/rodauto"
	"posreports/internal/config"
	"posreports/internal/health"
	"posreports/internal/jobs"
	"posreports/internal/reportcfg"
	"posreports/internal/workflow"
	"posreports/internal/workspace"
)

// Version is stamped at build time with -ldflags "-X ...".
var Version = "dev"

// NewLogger returns the process logger described by cfg. The returned
// closer releases the rotated log file, if any.
func NewLogger(cfg config.LogConfig) (*slog.Logger, io.Closer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, lj)
		closer = lj
	}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(out, opts)), closer
	}
	return slog.New(slog.NewTextHandler(out, opts)), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// WorkflowConfig converts the workflow section into runner settings.
func WorkflowConfig(cfg *config.Config) workflow.Config {
	w := cfg.Workflow
	return workflow.Config{
		DaysFromToday:     w.DaysFromToday,
		AuthSettle:        config.Ms(w.AuthSettleMs),
		AuthWait:          config.Ms(w.AuthWaitMs),
		OverlayWait:       config.Ms(w.OverlayWaitMs),
		SkipAuthIndicator: w.SkipAuthIndicator,
		InspectArtifacts:  w.InspectArtifacts,
		Acquire: acquire.Config{
			LoadingWait:  config.Ms(w.LoadingWaitMs),
			TriggerWait:  config.Ms(w.TriggerWaitMs),
			Budget:       time.Duration(w.WaitSeconds) * time.Second,
			PollInterval: config.Ms(w.PollIntervalMs),
			Extension:    w.ArtifactExtension,
		},
	}
}

// App is the wired service.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Driver       *rodauto.Driver
	Workspaces   *workspace.Root
	Reports      reportcfg.Store
	Orchestrator *jobs.Orchestrator
	Health       health.Options

	batcher *analytics.Batcher
	pg      *analytics.PostgresWriter
	redis   *reportcfg.RedisStore
}

// New wires every component. Analytics is best effort: when Postgres
// cannot be reached the service runs without it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	for _, dir := range []string{cfg.Paths.DownloadsDir, cfg.Paths.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	a.Workspaces = workspace.NewRoot(cfg.Paths.DownloadsDir)

	var sink analytics.Sink = analytics.Nop{}
	if cfg.Analytics.DSN != "" {
		if err := a.openAnalytics(ctx); err != nil {
			logger.Warn("analytics_disabled", "error", err)
		} else {
			sink = a.batcher
		}
	}

	if err := a.openReports(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Driver = rodauto.NewDriver(rodauto.Options{
		Bin:               cfg.Browser.Bin,
		ControlURL:        cfg.Browser.ControlURL,
		Headless:          cfg.Browser.Headless,
		NoSandbox:         cfg.Browser.NoSandbox,
		Display:           cfg.Browser.Display,
		WindowSize:        cfg.Browser.WindowSize,
		ActionTimeout:     config.Ms(cfg.Browser.ActionTimeoutMs),
		LaunchesPerMinute: cfg.Browser.LaunchesPerMinute,
	}, logger)

	pacer := workflow.RandomPacer{
		Min: config.Ms(cfg.Workflow.PacingMinMs),
		Max: config.Ms(cfg.Workflow.PacingMaxMs),
	}
	runner := workflow.NewRunner(a.Driver, WorkflowConfig(cfg), workflow.DefaultSelectors(), pacer, logger)

	a.Orchestrator = jobs.NewOrchestrator(jobs.Deps{
		Registry:   jobs.NewRegistry(),
		Runner:     runner,
		Driver:     a.Driver,
		Workspaces: a.Workspaces,
		LogsDir:    cfg.Paths.LogsDir,
		Sink:       sink,
		Logger:     logger,
	}, jobs.Options{
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		QueueSize:         cfg.Worker.QueueSize,
		Retention: jobs.RetentionOptions{
			Enabled:  cfg.Retention.Enabled,
			TTL:      time.Duration(cfg.Retention.Days) * 24 * time.Hour,
			Schedule: cfg.Retention.Schedule,
		},
	})

	a.Health = health.Options{
		Version:      Version,
		Display:      cfg.Browser.Display,
		Headless:     cfg.Browser.Headless,
		Remote:       cfg.Browser.ControlURL != "",
		LogsDir:      cfg.Paths.LogsDir,
		DownloadsDir: cfg.Paths.DownloadsDir,
		Browser:      a.Driver,
		Services:     map[string]health.Pinger{},
	}
	if a.redis != nil {
		a.Health.Services["redis"] = a.redis
	}
	if a.pg != nil {
		a.Health.Services["postgres"] = a.pg
	}
	return a, nil
}

func (a *App) openAnalytics(ctx context.Context) error {
	cfg := a.Config.Analytics
	pg, err := analytics.NewPostgresWriter(ctx, cfg.DSN, cfg.Table)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pg.Ping(pctx); err != nil {
		pg.Close()
		return fmt.Errorf("ping analytics db: %w", err)
	}
	if cfg.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return fmt.Errorf("migrate analytics db: %w", err)
		}
	}
	a.pg = pg
	a.batcher = analytics.NewBatcher(pg, analytics.Options{
		BatchSize:     cfg.BatchSize,
		FlushInterval: config.Ms(cfg.FlushIntervalMs),
		BufferSize:    cfg.BufferSize,
		MaxRetries:    cfg.MaxRetries,
	}, a.Logger)
	return nil
}

func (a *App) openReports(ctx context.Context) error {
	cfg := a.Config
	if cfg.Redis.URL != "" {
		rs, err := reportcfg.NewRedisStore(cfg.Redis.URL, cfg.Redis.Key)
		if err != nil {
			return err
		}
		a.redis = rs
		a.Reports = rs
	} else {
		a.Reports = reportcfg.NewMemoryStore(nil)
	}

	if cfg.Reports.SeedFile == "" {
		return nil
	}
	seed, err := reportcfg.LoadSeedFile(cfg.Reports.SeedFile)
	if err != nil {
		return err
	}
	seeded, err := reportcfg.SeedIfEmpty(ctx, a.Reports, seed)
	if err != nil {
		return fmt.Errorf("seed reports: %w", err)
	}
	if seeded {
		a.Logger.Info("reports_seeded", "file", cfg.Reports.SeedFile, "count", len(seed))
	}
	return nil
}

// Start launches the analytics flusher and the job dispatcher.
func (a *App) Start(ctx context.Context) {
	if a.batcher != nil {
		a.batcher.Start(ctx)
	}
	a.Orchestrator.Start(ctx)
}

// Close waits for jobs, flushes analytics and releases connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Orchestrator != nil {
		if err := a.Orchestrator.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown jobs: %w", err))
		}
	}
	if a.batcher != nil {
		if err := a.batcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush analytics: %w", err))
		}
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
