package comps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/booklots/internal/domain"
	"github.com/alanyoungcy/booklots/internal/metrics"
)

// Config tunes the aggregator.
type Config struct {
	SearchLimit  int
	MinSamples   int
	MaxLotSize   int
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultConfig returns the stock aggregator settings.
func DefaultConfig() Config {
	return Config{
		SearchLimit:  50,
		MinSamples:   3,
		MaxLotSize:   100,
		Timeout:      15 * time.Second,
		MaxRetries:   2,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// Aggregator queries the marketplace for an enrichment key and summarises
// the results.
type Aggregator struct {
	searcher domain.ListingSearcher
	parser   *SizeParser
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewAggregator creates an Aggregator. A nil parser uses the default grammar.
func NewAggregator(searcher domain.ListingSearcher, parser *SizeParser, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Aggregator {
	if parser == nil {
		parser = NewSizeParser()
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 50
	}
	if cfg.MaxLotSize <= 0 {
		cfg.MaxLotSize = 100
	}
	return &Aggregator{
		searcher: searcher,
		parser:   parser,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.With(slog.String("component", "comps_aggregator")),
	}
}

// Comparables searches for key and returns the aggregated statistics. An
// error means the marketplace could not be queried; stats without an optimal
// bucket mean the results were not reliable enough to price from.
func (a *Aggregator) Comparables(ctx context.Context, key string) (*domain.ComparableStats, error) {
	query := SearchPhrase(key)

	listings, err := a.search(ctx, query)
	if err != nil {
		a.metrics.SearchDone("error")
		return nil, fmt.Errorf("comps: search %q: %w", query, err)
	}

	stats := Summarize(query, Parse(a.parser, listings, a.cfg.MaxLotSize), a.cfg.MinSamples)
	if stats.Usable() {
		a.metrics.SearchDone("priced")
	} else {
		a.metrics.SearchDone("no_data")
	}
	a.logger.DebugContext(ctx, "comparables aggregated",
		slog.String("query", query),
		slog.Int("listings", len(listings)),
		slog.Int("usable", stats.Total),
		slog.Int("buckets", len(stats.Buckets)),
	)
	return stats, nil
}

func (a *Aggregator) search(ctx context.Context, query string) ([]domain.Listing, error) {
	backoff := a.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, errors.Join(lastErr, ctx.Err())
			case <-timer.C:
			}
			backoff *= 2
		}

		listings, err := a.searchOnce(ctx, query)
		if err == nil {
			return listings, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, domain.ErrUnauthorized) {
			break
		}
		a.logger.WarnContext(ctx, "marketplace search failed",
			slog.String("query", query),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return nil, lastErr
}

func (a *Aggregator) searchOnce(ctx context.Context, query string) ([]domain.Listing, error) {
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}
	return a.searcher.SearchListings(ctx, query, a.cfg.SearchLimit)
}
