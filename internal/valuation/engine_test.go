package valuation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/booklots/internal/domain"
)

type fakeComps struct {
	mu      sync.Mutex
	calls   []string
	byKey   map[string]*domain.ComparableStats
	errKey  map[string]error
	panicOn string
}

func (f *fakeComps) Comparables(_ context.Context, key string) (*domain.ComparableStats, error) {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.mu.Unlock()
	if key == f.panicOn {
		panic("boom")
	}
	if err := f.errKey[key]; err != nil {
		return nil, err
	}
	if s, ok := f.byKey[key]; ok {
		return s, nil
	}
	return &domain.ComparableStats{Query: key, Buckets: map[int]domain.SizeBucket{}}, nil
}

func optimal(size, samples int, perBook int64, total int) *domain.ComparableStats {
	b := domain.SizeBucket{Size: size, Samples: samples, MedianPerBook: decimal.NewFromInt(perBook)}
	return &domain.ComparableStats{
		Total:   total,
		Buckets: map[int]domain.SizeBucket{size: b},
		Optimal: &b,
	}
}

func skeleton(name, key string, value int64, members ...string) domain.LotSkeleton {
	return domain.LotSkeleton{
		Name:            name,
		Strategy:        domain.StrategyAuthor,
		Members:         members,
		IndividualValue: decimal.NewFromInt(value),
		AvgProbability:  60,
		Justification:   []string{"Multiple titles by " + name},
		EnrichmentKey:   key,
	}
}

func newEngine(c ComparableSource) *Engine {
	return NewEngine(c, DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestValueUsesMarketWhenHigher(t *testing.T) {
	c := &fakeComps{byKey: map[string]*domain.ComparableStats{"Jane lot": optimal(5, 4, 9, 12)}}

	s := newEngine(c).Value(context.Background(), skeleton("Jane", "Jane lot", 13, "a", "b"))

	assert.True(t, s.UsedMarketPricing)
	assert.True(t, decimal.NewFromInt(18).Equal(s.EstimatedValue))
	assert.True(t, s.MarketValue.Valid)
	assert.True(t, decimal.NewFromInt(18).Equal(s.MarketValue.Decimal))
	assert.True(t, decimal.NewFromInt(9).Equal(s.PerBookPrice.Decimal))
	assert.Equal(t, 5, s.OptimalSize)
	assert.Equal(t, 12, s.ComparableCount)
	assert.Equal(t, "Market lot pricing: $18.00 ($9.00/book based on 12 comps, lots of 5 sell best)", s.Justification[0])
	assert.Equal(t, "Multiple titles by Jane", s.Justification[1])
}

func TestValueKeepsIndividualWhenMarketLower(t *testing.T) {
	c := &fakeComps{byKey: map[string]*domain.ComparableStats{"Jane lot": optimal(3, 3, 2, 3)}}

	s := newEngine(c).Value(context.Background(), skeleton("Jane", "Jane lot", 13, "a", "b"))

	assert.False(t, s.UsedMarketPricing)
	assert.True(t, decimal.NewFromInt(13).Equal(s.EstimatedValue))
	assert.True(t, s.MarketValue.Valid)
	assert.Equal(t, "Multiple titles by Jane", s.Justification[0])
}

func TestValueNoDataFallsBackExactly(t *testing.T) {
	sk := skeleton("Jane", "Jane lot", 13, "a", "b")
	sk.IndividualValue = decimal.RequireFromString("13.37")

	s := newEngine(&fakeComps{}).Value(context.Background(), sk)

	assert.False(t, s.UsedMarketPricing)
	assert.True(t, sk.IndividualValue.Equal(s.EstimatedValue))
	assert.False(t, s.MarketValue.Valid)
	assert.Contains(t, s.Justification, "No market comps found, using individual book pricing")
}

func TestValueKeepsSubCentIndividualValue(t *testing.T) {
	sk := skeleton("Jane", "", 13, "a", "b")
	sk.IndividualValue = decimal.RequireFromString("13.3749")

	s := newEngine(nil).Value(context.Background(), sk)

	assert.True(t, sk.IndividualValue.Equal(s.EstimatedValue), s.EstimatedValue.String())
}

func TestValueReportsNoComparablesWhenUnusable(t *testing.T) {
	thin := &domain.ComparableStats{
		Total:   21,
		Buckets: map[int]domain.SizeBucket{4: {Size: 4, Samples: 1, MedianPerBook: decimal.NewFromInt(5)}},
	}
	c := &fakeComps{byKey: map[string]*domain.ComparableStats{"Jane lot": thin}}

	s := newEngine(c).Value(context.Background(), skeleton("Jane", "Jane lot", 13, "a", "b"))

	assert.False(t, s.UsedMarketPricing)
	assert.Zero(t, s.ComparableCount)
	assert.Contains(t, s.Justification, "No market comps found, using individual book pricing")
}

func TestValueRejectsThinOptimalBucket(t *testing.T) {
	c := &fakeComps{byKey: map[string]*domain.ComparableStats{"Jane lot": optimal(5, 2, 50, 2)}}

	s := newEngine(c).Value(context.Background(), skeleton("Jane", "Jane lot", 13, "a", "b"))

	assert.False(t, s.UsedMarketPricing)
	assert.True(t, decimal.NewFromInt(13).Equal(s.EstimatedValue))
}

func TestValueSearchErrorIsIsolated(t *testing.T) {
	c := &fakeComps{
		errKey:  map[string]error{"A lot": errors.New("timeout")},
		panicOn: "B lot",
		byKey:   map[string]*domain.ComparableStats{"C lot": optimal(4, 5, 20, 5)},
	}
	lots := []domain.LotSkeleton{
		skeleton("A", "A lot", 20, "1", "2"),
		skeleton("B", "B lot", 20, "3", "4"),
		skeleton("C", "C lot", 20, "5", "6"),
	}

	got := newEngine(c).ValueAll(context.Background(), lots)

	require.Len(t, got, 3)
	assert.False(t, got[0].UsedMarketPricing)
	assert.Contains(t, got[0].Justification, "Market pricing unavailable: timeout")
	assert.False(t, got[1].UsedMarketPricing)
	assert.Contains(t, got[1].Justification[len(got[1].Justification)-1], "panicked")
	assert.True(t, got[2].UsedMarketPricing)
	assert.True(t, decimal.NewFromInt(40).Equal(got[2].EstimatedValue))
}

func TestValueSkipsNonEnrichableStrategies(t *testing.T) {
	c := &fakeComps{}
	sk := skeleton("Fantasy Genre", "", 30, "1", "2")
	sk.Strategy = domain.StrategyGenre

	s := newEngine(c).Value(context.Background(), sk)

	assert.Empty(t, c.calls)
	assert.Equal(t, sk.Justification, s.Justification)
	assert.True(t, decimal.NewFromInt(30).Equal(s.EstimatedValue))
}

func TestValueProbability(t *testing.T) {
	sk := skeleton("Jane", "", 13, "a", "b")

	sk.AvgProbability = 61.04
	s := newEngine(nil).Value(context.Background(), sk)
	assert.Equal(t, 69.0, s.Probability)
	assert.Equal(t, "Medium", s.ProbabilityLabel)

	sk.AvgProbability = 97
	s = newEngine(nil).Value(context.Background(), sk)
	assert.Equal(t, 100.0, s.Probability)
	assert.Equal(t, "High", s.ProbabilityLabel)
}

func TestValuePanicsOnEmptySkeleton(t *testing.T) {
	assert.Panics(t, func() {
		newEngine(nil).Value(context.Background(), skeleton("Empty", "", 10))
	})
}

func TestValueDoesNotAliasJustification(t *testing.T) {
	sk := skeleton("Jane", "Jane lot", 13, "a", "b")
	before := append([]string(nil), sk.Justification...)

	newEngine(&fakeComps{}).Value(context.Background(), sk)

	assert.Equal(t, before, sk.Justification)
}
