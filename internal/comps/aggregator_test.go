package comps

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/booklots/internal/domain"
	"github.com/alanyoungcy/booklots/internal/metrics"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func TestAggregatorComparables(t *testing.T) {
	var gotQuery string
	var gotLimit int
	searcher := domain.ListingSearcherFunc(func(_ context.Context, q string, limit int) ([]domain.Listing, error) {
		gotQuery, gotLimit = q, limit
		return listings(4, 40, 44, 48), nil
	})

	agg := NewAggregator(searcher, nil, fastConfig(), metrics.New(), quietLogger())
	stats, err := agg.Comparables(context.Background(), "Jane Doe")

	require.NoError(t, err)
	assert.Equal(t, "Jane Doe lot", gotQuery)
	assert.Equal(t, 50, gotLimit)
	require.True(t, stats.Usable())
	assert.Equal(t, 4, stats.Optimal.Size)
}

func TestAggregatorRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	searcher := domain.ListingSearcherFunc(func(context.Context, string, int) ([]domain.Listing, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		return listings(3, 30, 30, 30), nil
	})

	stats, err := NewAggregator(searcher, nil, fastConfig(), nil, quietLogger()).Comparables(context.Background(), "x lot")

	require.NoError(t, err)
	assert.True(t, stats.Usable())
	assert.Equal(t, int32(3), calls.Load())
}

func TestAggregatorGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	searcher := domain.ListingSearcherFunc(func(context.Context, string, int) ([]domain.Listing, error) {
		calls.Add(1)
		return nil, domain.ErrRateLimited
	})

	_, err := NewAggregator(searcher, nil, fastConfig(), nil, quietLogger()).Comparables(context.Background(), "x lot")

	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAggregatorDoesNotRetryUnauthorized(t *testing.T) {
	var calls atomic.Int32
	searcher := domain.ListingSearcherFunc(func(context.Context, string, int) ([]domain.Listing, error) {
		calls.Add(1)
		return nil, domain.ErrUnauthorized
	})

	_, err := NewAggregator(searcher, nil, fastConfig(), nil, quietLogger()).Comparables(context.Background(), "x lot")

	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAggregatorBoundsEachCall(t *testing.T) {
	searcher := domain.ListingSearcherFunc(func(ctx context.Context, _ string, _ int) ([]domain.Listing, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := fastConfig()
	cfg.MaxRetries = 0

	start := time.Now()
	_, err := NewAggregator(searcher, nil, cfg, nil, quietLogger()).Comparables(context.Background(), "x lot")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

type countingLimiter struct {
	waits atomic.Int32
	err   error
}

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (l *countingLimiter) Wait(context.Context, string, int, time.Duration) error {
	l.waits.Add(1)
	return l.err
}

func TestRateLimitedSearcher(t *testing.T) {
	inner := domain.ListingSearcherFunc(func(context.Context, string, int) ([]domain.Listing, error) {
		return listings(2, 10), nil
	})
	limiter := &countingLimiter{}
	s := NewRateLimitedSearcher(inner, limiter, "marketplace", 10, time.Minute)

	got, err := s.SearchListings(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int32(1), limiter.waits.Load())

	limiter.err = context.Canceled
	_, err = s.SearchListings(context.Background(), "q", 5)
	assert.ErrorIs(t, err, context.Canceled)
}
