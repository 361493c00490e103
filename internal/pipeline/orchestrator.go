package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Orchestrator runs the job queue together with its producers: the change
// stream consumer and the recompute scheduler. Either producer may be nil.
type Orchestrator struct {
	queue     *Queue
	consumer  *ChangeConsumer
	scheduler *Scheduler
	logger    *slog.Logger
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(queue *Queue, consumer *ChangeConsumer, scheduler *Scheduler, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		queue:     queue,
		consumer:  consumer,
		scheduler: scheduler,
		logger:    logger.With(slog.String("component", "orchestrator")),
	}
}

// Run starts every sub-system in an errgroup. If one fails with a non-context
// error the shared context is cancelled and Run returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Bool("consumer", o.consumer != nil),
		slog.Bool("scheduler", o.scheduler != nil),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.queue.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("job queue: %w", err)
	})

	if o.consumer != nil {
		g.Go(func() error {
			err := o.consumer.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("change consumer: %w", err)
		})
	}

	if o.scheduler != nil {
		g.Go(func() error {
			err := o.scheduler.RunCron(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("recompute scheduler: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
