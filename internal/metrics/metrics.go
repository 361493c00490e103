// Package metrics exposes Prometheus collectors for lot runs. All methods are
// safe to call on a nil *Metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "booklots"

// Metrics holds the collectors used across the service.
type Metrics struct {
	registry      *prometheus.Registry
	searches      *prometheus.CounterVec
	lotsPersisted *prometheus.CounterVec
	persistErrors *prometheus.CounterVec
	jobs          *prometheus.CounterVec
	stageSeconds  *prometheus.HistogramVec
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "marketplace_searches_total",
			Help:      "Marketplace comparable searches by outcome.",
		}, []string{"outcome"}),
		lotsPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lots_persisted_total",
			Help:      "Lot suggestions written to the lot store.",
		}, []string{"strategy"}),
		persistErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lot_persist_errors_total",
			Help:      "Lot writes that failed after retries.",
		}, []string{"strategy"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Recompute jobs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		stageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of recompute stages.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"stage"}),
	}
	m.registry.MustRegister(m.searches, m.lotsPersisted, m.persistErrors, m.jobs, m.stageSeconds)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SearchDone(outcome string) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LotPersisted(strategy string) {
	if m == nil {
		return
	}
	m.lotsPersisted.WithLabelValues(strategy).Inc()
}

func (m *Metrics) LotPersistFailed(strategy string) {
	if m == nil {
		return
	}
	m.persistErrors.WithLabelValues(strategy).Inc()
}

func (m *Metrics) JobDone(kind, outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(kind, outcome).Inc()
}

// ObserveStage records how long a stage took, measured from start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageSeconds.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listener started", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
