package comps

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alanyoungcy/booklots/internal/domain"
	"github.com/alanyoungcy/booklots/internal/metrics"
)

// Source returns aggregated comparables for an enrichment key.
type Source interface {
	Comparables(ctx context.Context, key string) (*domain.ComparableStats, error)
}

// CachedSource serves comparables from a cache and falls back to inner on a
// miss. Cache failures degrade to an uncached lookup.
type CachedSource struct {
	inner   Source
	cache   domain.ComparableCache
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewCachedSource wraps inner with cache.
func NewCachedSource(inner Source, cache domain.ComparableCache, m *metrics.Metrics, logger *slog.Logger) *CachedSource {
	return &CachedSource{
		inner:   inner,
		cache:   cache,
		metrics: m,
		logger:  logger.With(slog.String("component", "comps_cache")),
	}
}

func (c *CachedSource) Comparables(ctx context.Context, key string) (*domain.ComparableStats, error) {
	stats, err := c.cache.GetComparables(ctx, key)
	switch {
	case err == nil:
		c.metrics.SearchDone("cached")
		return stats, nil
	case !errors.Is(err, domain.ErrNotFound):
		c.logger.WarnContext(ctx, "comps cache read failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	stats, err = c.inner.Comparables(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := c.cache.SetComparables(ctx, key, stats); err != nil {
		c.logger.WarnContext(ctx, "comps cache write failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	return stats, nil
}

var _ Source = (*Aggregator)(nil)
