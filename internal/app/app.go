// Package app provides the top-level application lifecycle management for
// booklots. It wires together all dependencies (stores, caches, blob storage,
// the marketplace client, the lot service, pipelines, and notifications) and
// starts the appropriate goroutines based on the configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/booklots/internal/config"
)

// Options carries command-line inputs that are not part of the config file.
type Options struct {
	// ISBN is the changed book recomputed by update mode.
	ISBN string
}

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	opts    Options
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, opts Options, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled or the one-shot mode finishes. On return the caller
// should invoke Close.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.String("marketplace", a.cfg.Marketplace.Source),
		slog.String("catalog", a.cfg.Catalog.Driver),
	)

	mode := strings.ToLower(a.cfg.Mode)
	if mode == "update" && strings.TrimSpace(a.opts.ISBN) == "" {
		return fmt.Errorf("app: update mode requires an ISBN")
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch mode {
	case "worker":
		return a.WorkerMode(ctx, deps)
	case "generate":
		return a.GenerateMode(ctx, deps)
	case "update":
		return a.UpdateMode(ctx, deps, strings.TrimSpace(a.opts.ISBN))
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
