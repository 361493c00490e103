// Package notify delivers operator alerts, such as failed lot jobs, to chat
// channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Config filters and throttles notifications.
type Config struct {
	// Events lists the event types forwarded by Notify; empty allows all.
	Events []string
	// MinInterval is the minimum spacing between two notifications of the
	// same event type. Zero disables throttling.
	MinInterval time.Duration
}

// Notifier fans notifications out to every Sender.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, cfg Config, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		interval: cfg.MinInterval,
		logger:   logger.With(slog.String("component", "notifier")),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify forwards an event that passes the filter and the throttle.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if !n.allow(event) {
		n.logger.DebugContext(ctx, "event throttled", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

func (n *Notifier) allow(event string) bool {
	if n.interval <= 0 {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[event]
	if !ok {
		l = rate.NewLimiter(rate.Every(n.interval), 1)
		n.limiters[event] = l
	}
	return l.Allow()
}

// dispatch sends to every sender; one failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}
