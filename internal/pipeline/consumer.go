package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/booklots/internal/domain"
)

// ChangeEvent is the payload appended to the catalog change stream.
type ChangeEvent struct {
	ISBN string `json:"isbn"`
}

// ConsumerConfig controls how the change stream is read.
type ConsumerConfig struct {
	Stream string
	// StartID is the stream ID to read after. "$" reads only new entries.
	StartID string
	Count   int
	Block   time.Duration
	// RetryDelay is the pause after a failed read.
	RetryDelay time.Duration
}

// ChangeConsumer turns catalog change events into incremental update jobs.
type ChangeConsumer struct {
	bus    domain.SignalBus
	queue  *Queue
	cfg    ConsumerConfig
	logger *slog.Logger
}

// NewChangeConsumer creates a ChangeConsumer.
func NewChangeConsumer(bus domain.SignalBus, queue *Queue, cfg ConsumerConfig, logger *slog.Logger) *ChangeConsumer {
	if cfg.StartID == "" {
		cfg.StartID = "$"
	}
	if cfg.Count <= 0 {
		cfg.Count = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &ChangeConsumer{
		bus:    bus,
		queue:  queue,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "change_consumer")),
	}
}

// Run reads the change stream until ctx is cancelled.
func (c *ChangeConsumer) Run(ctx context.Context) error {
	c.logger.Info("change consumer started", slog.String("stream", c.cfg.Stream))
	lastID := c.cfg.StartID

	for {
		msgs, err := c.bus.StreamRead(ctx, c.cfg.Stream, lastID, c.cfg.Count, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("change stream read failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
			continue
		}

		if len(msgs) > 0 {
			lastID = msgs[len(msgs)-1].ID
			c.Handle(ctx, msgs)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Handle submits one incremental job per distinct ISBN in msgs and returns
// the submitted jobs.
func (c *ChangeConsumer) Handle(ctx context.Context, msgs []domain.StreamMessage) []*Job {
	seen := make(map[string]bool, len(msgs))
	var jobs []*Job
	for _, m := range msgs {
		var ev ChangeEvent
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			c.logger.WarnContext(ctx, "malformed change event",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		isbn := strings.TrimSpace(ev.ISBN)
		if isbn == "" || seen[isbn] {
			continue
		}
		seen[isbn] = true

		job, err := c.queue.SubmitUpdate(isbn)
		if err != nil {
			level := slog.LevelError
			if errors.Is(err, domain.ErrQueueFull) {
				// The next full recompute reconciles dropped updates.
				level = slog.LevelWarn
			}
			c.logger.Log(ctx, level, "could not submit update",
				slog.String("isbn", isbn),
				slog.String("error", err.Error()),
			)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}
