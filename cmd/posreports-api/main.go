package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"posreports/internal/bootstrap"
	"posreports/internal/config"
	server "posreports/internal/http"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, logCloser := bootstrap.NewLogger(cfg.Log)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap failed: %v", err)
	}

	// Jobs keep running after a signal until Close gives up on them.
	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	app.Start(jobsCtx)

	s := server.NewServer(server.Deps{
		Config:       cfg,
		Orchestrator: app.Orchestrator,
		Workspaces:   app.Workspaces,
		Reports:      app.Reports,
		Health:       app.Health,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting", "version", bootstrap.Version)
		errCh <- s.Listen()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server_failed", "error", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown_requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server_shutdown_failed", "error", err)
	}
	if err := app.Close(shutdownCtx); err != nil {
		logger.Warn("app_close_failed", "error", err)
	}
	cancelJobs()
	logger.Info("shutdown_complete")
}
