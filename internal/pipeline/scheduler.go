package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/booklots/internal/domain"
)

// SnapshotArchiver stores the result of a full recompute.
type SnapshotArchiver interface {
	ArchiveSnapshot(ctx context.Context, generatedAt time.Time, lots []domain.LotSuggestion) (string, error)
}

// SchedulerConfig controls the scheduled full recompute.
type SchedulerConfig struct {
	Cron    string
	LockKey string
	LockTTL time.Duration
}

// Scheduler submits a full recompute on a cron schedule. A distributed lock
// keeps concurrent workers from running the same scheduled batch twice.
type Scheduler struct {
	queue   *Queue
	locks   domain.LockManager
	archive SnapshotArchiver
	cfg     SchedulerConfig
	logger  *slog.Logger
}

// NewScheduler creates a Scheduler. locks and archive may be nil.
func NewScheduler(queue *Queue, locks domain.LockManager, archive SnapshotArchiver, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.LockKey == "" {
		cfg.LockKey = "booklots:recompute"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	return &Scheduler{
		queue:   queue,
		locks:   locks,
		archive: archive,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "recompute_scheduler")),
	}
}

// RunOnce performs one scheduled recompute: it takes the lock, waits for the
// full job to finish and archives its result. ErrLockHeld means another
// worker owns this run.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, s.cfg.LockKey, s.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("pipeline: acquire recompute lock: %w", err)
		}
		defer unlock()
	}

	job, err := s.queue.SubmitFull()
	if err != nil {
		return fmt.Errorf("pipeline: submit recompute: %w", err)
	}
	if err := job.Wait(ctx); err != nil {
		return fmt.Errorf("pipeline: recompute job %s: %w", job.ID, err)
	}

	if s.archive == nil {
		return nil
	}
	_, finished := job.Timing()
	path, err := s.archive.ArchiveSnapshot(ctx, finished, job.Result())
	if err != nil {
		return fmt.Errorf("pipeline: archive snapshot: %w", err)
	}
	s.logger.Info("lot snapshot archived",
		slog.String("job_id", job.ID),
		slog.String("path", path),
		slog.Int("lots", len(job.Result())),
	)
	return nil
}

// RunCron triggers RunOnce on the configured schedule until ctx is cancelled.
func (s *Scheduler) RunCron(ctx context.Context) error {
	s.logger.Info("recompute cron started", slog.String("cron", s.cfg.Cron))

	for {
		next, err := nextCronTime(s.cfg.Cron, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("parsing cron expression %q: %w", s.cfg.Cron, err)
		}

		wait := time.Until(next)
		s.logger.Debug("waiting for next recompute",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("recompute cron stopped")
			return ctx.Err()
		case <-timer.C:
			err := s.RunOnce(ctx)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrLockHeld):
				s.logger.Info("recompute skipped, another worker holds the lock")
			default:
				s.logger.Error("scheduled recompute failed", slog.String("error", err.Error()))
			}
		}
	}
}
