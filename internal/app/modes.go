package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/booklots/internal/domain"
	"github.com/alanyoungcy/booklots/internal/pipeline"
	"github.com/alanyoungcy/booklots/internal/server"
	"github.com/alanyoungcy/booklots/internal/server/handler"
	"github.com/alanyoungcy/booklots/internal/server/ws"
)

// WorkerMode runs the long-lived service: the job queue fed by the catalog
// change stream and the recompute schedule, the HTTP/WebSocket API and the
// metrics listener.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	g, ctx := errgroup.WithContext(ctx)

	queue := pipeline.NewQueue(deps.Lots, deps.Catalog, pipeline.QueueConfig{
		Workers: a.cfg.Pipeline.Workers,
		Size:    a.cfg.Pipeline.QueueSize,
		Retain:  a.cfg.Pipeline.JobRetain,
	}, deps.Notifier, deps.Metrics, a.logger)

	consumer := pipeline.NewChangeConsumer(deps.SignalBus, queue, pipeline.ConsumerConfig{
		Stream: a.cfg.Pipeline.ChangeStream,
	}, a.logger)

	var archive pipeline.SnapshotArchiver
	if deps.Archive != nil {
		archive = deps.Archive
	}
	scheduler := pipeline.NewScheduler(queue, deps.LockManager, archive, pipeline.SchedulerConfig{
		Cron:    a.cfg.Pipeline.RecomputeCron,
		LockTTL: a.cfg.Pipeline.LockTTL.Duration,
	}, a.logger)

	orch := pipeline.NewOrchestrator(queue, consumer, scheduler, a.logger)
	g.Go(func() error {
		return orch.Run(ctx)
	})

	if a.cfg.Metrics.Enabled {
		g.Go(func() error {
			err := deps.Metrics.Serve(ctx, a.cfg.Metrics.Addr, a.logger)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, queue)
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startHTTPServer registers the API and WebSocket hub on the errgroup.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, queue *pipeline.Queue) {
	hub := ws.NewHub(deps.SignalBus, ws.Config{
		Channels: []string{a.cfg.Pipeline.LotEventsChannel},
	}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(queue),
		Status: handler.NewStatusHandler(a.cfg.Mode, a.cfg.Marketplace.Source, a.cfg.Catalog.Driver),
		Lots:   handler.NewLotHandler(deps.LotStore, a.logger),
		Jobs:   handler.NewJobHandler(queue, a.logger),
		Audit:  handler.NewAuditHandler(deps.AuditStore, a.logger),
	}
	if deps.Archive != nil {
		handlers.Snapshots = handler.NewSnapshotHandler(deps.Archive, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimitPerMinute,
		RateWindow:  time.Minute,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start(ctx)
	})
}

// GenerateMode recomputes every lot once, archives the result when
// configured, and returns.
func (a *App) GenerateMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting generate mode")
	started := time.Now()

	cat, err := deps.Catalog.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("app: load catalog: %w", err)
	}

	suggestions, err := deps.Lots.GenerateLots(ctx, cat)
	if err != nil {
		a.notifyFailure(ctx, deps, "Full lot generation failed", err)
		return fmt.Errorf("app: generate lots: %w", err)
	}

	if deps.Archive != nil {
		path, err := deps.Archive.ArchiveSnapshot(ctx, started, suggestions)
		if err != nil {
			// The lots are already persisted; a missing snapshot is not fatal.
			a.logger.WarnContext(ctx, "snapshot archive failed",
				slog.String("error", err.Error()),
			)
		} else {
			a.logger.InfoContext(ctx, "snapshot archived", slog.String("path", path))
		}
	}

	a.logSummary(ctx, "lots generated", suggestions, started)
	return nil
}

// UpdateMode recomputes the lots touched by one changed ISBN and returns.
func (a *App) UpdateMode(ctx context.Context, deps *Dependencies, isbn string) error {
	a.logger.InfoContext(ctx, "starting update mode", slog.String("isbn", isbn))
	started := time.Now()

	cat, err := deps.Catalog.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("app: load catalog: %w", err)
	}

	suggestions, err := deps.Lots.UpdateLotsForISBN(ctx, isbn, cat)
	if err != nil {
		a.notifyFailure(ctx, deps, "Lot update failed for "+isbn, err)
		return fmt.Errorf("app: update lots for %s: %w", isbn, err)
	}

	a.logSummary(ctx, "lots updated", suggestions, started)
	return nil
}

func (a *App) notifyFailure(ctx context.Context, deps *Dependencies, title string, cause error) {
	if err := deps.Notifier.Notify(ctx, pipeline.EventJobFailed, title, cause.Error()); err != nil {
		a.logger.WarnContext(ctx, "failure notification not delivered",
			slog.String("error", err.Error()),
		)
	}
}

func (a *App) logSummary(ctx context.Context, msg string, suggestions []domain.LotSuggestion, started time.Time) {
	byStrategy := make(map[string]int)
	marketPriced := 0
	for _, s := range suggestions {
		byStrategy[s.Strategy.String()]++
		if s.UsedMarketPricing {
			marketPriced++
		}
	}
	a.logger.InfoContext(ctx, msg,
		slog.Int("lots", len(suggestions)),
		slog.Int("market_priced", marketPriced),
		slog.Any("by_strategy", byStrategy),
		slog.Duration("elapsed", time.Since(started)),
	)
}
