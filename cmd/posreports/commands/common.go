// Package commands implements the posreports CLI actions.
package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"posreports/internal/bootstrap"
	"posreports/internal/config"
)

// appContext bundles what a command needs and releases it on Close.
type appContext struct {
	*bootstrap.App
	logCloser io.Closer
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"), cmd.String("env"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newAppContext(ctx context.Context, cmd *cli.Command) (*appContext, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, closer := bootstrap.NewLogger(cfg.Log)
	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		closer.Close()
		return nil, err
	}
	return &appContext{App: app, logCloser: closer}, nil
}

func (a *appContext) Close(ctx context.Context) {
	if err := a.App.Close(context.WithoutCancel(ctx)); err != nil {
		a.Logger.Warn("app_close_failed", "error", err)
	}
	a.logCloser.Close()
}
