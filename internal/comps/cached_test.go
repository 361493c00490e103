package comps

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/booklots/internal/domain"
)

type mapCache struct {
	mu      sync.Mutex
	entries map[string]*domain.ComparableStats
	readErr error
}

func (m *mapCache) GetComparables(_ context.Context, key string) (*domain.ComparableStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	s, ok := m.entries[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (m *mapCache) SetComparables(_ context.Context, key string, stats *domain.ComparableStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string]*domain.ComparableStats{}
	}
	m.entries[key] = stats
	return nil
}

func (m *mapCache) InvalidateComparables(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

type countingSource struct {
	calls int
	err   error
}

func (s *countingSource) Comparables(_ context.Context, key string) (*domain.ComparableStats, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	b := domain.SizeBucket{Size: 4, Samples: 3, MedianPerBook: decimal.NewFromInt(5)}
	return &domain.ComparableStats{Query: key, Total: 3, Buckets: map[int]domain.SizeBucket{4: b}, Optimal: &b}, nil
}

func TestCachedSourceServesRepeatLookupsFromCache(t *testing.T) {
	inner := &countingSource{}
	cache := &mapCache{}
	src := NewCachedSource(inner, cache, nil, quietLogger())
	ctx := context.Background()

	first, err := src.Comparables(ctx, "Jane Doe lot")
	require.NoError(t, err)
	second, err := src.Comparables(ctx, "Jane Doe lot")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.calls)
	assert.Equal(t, first, second)

	require.NoError(t, cache.InvalidateComparables(ctx, "Jane Doe lot"))
	_, err = src.Comparables(ctx, "Jane Doe lot")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedSourceFallsThroughOnCacheError(t *testing.T) {
	inner := &countingSource{}
	src := NewCachedSource(inner, &mapCache{readErr: errors.New("connection reset")}, nil, quietLogger())

	stats, err := src.Comparables(context.Background(), "Dune series lot")
	require.NoError(t, err)
	assert.True(t, stats.Usable())
	assert.Equal(t, 1, inner.calls)
}

func TestCachedSourceDoesNotCacheFailures(t *testing.T) {
	inner := &countingSource{err: domain.ErrRateLimited}
	cache := &mapCache{}
	src := NewCachedSource(inner, cache, nil, quietLogger())

	_, err := src.Comparables(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Empty(t, cache.entries)
}
