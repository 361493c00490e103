package comps

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/booklots/internal/domain"
)

func listings(size int, prices ...int64) []domain.Listing {
	out := make([]domain.Listing, 0, len(prices))
	for i, p := range prices {
		out = append(out, domain.Listing{
			Title: fmt.Sprintf("Jane Doe Lot of %d Books #%d", size, i),
			Price: decimal.NewFromInt(p),
		})
	}
	return out
}

func TestSearchPhrase(t *testing.T) {
	assert.Equal(t, "Jane Doe lot", SearchPhrase("Jane Doe lot"))
	assert.Equal(t, "Dune series lot", SearchPhrase("Dune series lot"))
	assert.Equal(t, "Jane Doe lot", SearchPhrase("Jane Doe"))
	assert.Equal(t, "Jane Doe books", SearchPhrase("  Jane Doe books "))
}

func TestSummarizeOptimalBucket(t *testing.T) {
	var raw []domain.Listing
	raw = append(raw, listings(3, 24, 24, 24, 21, 27)...)
	raw = append(raw, listings(5, 45, 45, 40, 50)...)

	stats := Summarize("q", Parse(NewSizeParser(), raw, 100), 3)

	require.True(t, stats.Usable())
	assert.Equal(t, 9, stats.Total)
	assert.Equal(t, 5, stats.Optimal.Size)
	assert.Equal(t, 4, stats.Optimal.Samples)
	assert.True(t, decimal.NewFromInt(9).Equal(stats.Optimal.MedianPerBook), stats.Optimal.MedianPerBook.String())
	assert.True(t, decimal.NewFromInt(8).Equal(stats.Buckets[3].MedianPerBook))
	assert.Equal(t, 5, stats.Buckets[3].Samples)
}

func TestSummarizeTiePrefersSmallerLot(t *testing.T) {
	var raw []domain.Listing
	raw = append(raw, listings(6, 60, 60, 60)...)
	raw = append(raw, listings(4, 40, 40, 40)...)

	stats := Summarize("q", Parse(NewSizeParser(), raw, 100), 3)

	require.True(t, stats.Usable())
	assert.Equal(t, 4, stats.Optimal.Size)
}

func TestSummarizeIgnoresThinBuckets(t *testing.T) {
	var raw []domain.Listing
	raw = append(raw, listings(3, 30, 30, 30)...)
	raw = append(raw, listings(7, 700, 700)...)

	stats := Summarize("q", Parse(NewSizeParser(), raw, 100), 3)

	require.True(t, stats.Usable())
	assert.Equal(t, 3, stats.Optimal.Size)
	assert.Equal(t, 2, stats.Buckets[7].Samples)
}

func TestSummarizeNoReliableData(t *testing.T) {
	raw := []domain.Listing{
		{Title: "Jane Doe paperback", Price: decimal.NewFromInt(5)},
		{Title: "Jane Doe hardcover", Price: decimal.NewFromInt(9)},
	}
	raw = append(raw, listings(3, 30, 30)...)

	stats := Summarize("q", Parse(NewSizeParser(), raw, 100), 3)

	assert.False(t, stats.Usable())
	assert.Nil(t, stats.Optimal)
	assert.Equal(t, 2, stats.Total)
	assert.NotContains(t, stats.Buckets, 1)
}

func TestSummarizeCountsOnlyMultiBookComparables(t *testing.T) {
	var raw []domain.Listing
	for i := 0; i < 20; i++ {
		raw = append(raw, domain.Listing{Title: fmt.Sprintf("Jane Doe novel %d", i), Price: decimal.NewFromInt(8)})
	}
	raw = append(raw, domain.Listing{Title: "Lot of 4 books", Price: decimal.NewFromInt(20)})

	stats := Summarize("q", Parse(NewSizeParser(), raw, 100), 3)

	assert.False(t, stats.Usable())
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Buckets[4].Samples)
}

func TestSummarizeComparesMediansBeforeRounding(t *testing.T) {
	raw := []domain.Listing{
		{Title: "Lot of 3 books", Price: decimal.NewFromInt(30)},
		{Title: "Lot of 3 books", Price: decimal.NewFromInt(30)},
		{Title: "Lot of 3 books", Price: decimal.NewFromInt(30)},
		{Title: "Lot of 4 books", Price: decimal.RequireFromString("40.01")},
		{Title: "Lot of 4 books", Price: decimal.RequireFromString("40.01")},
		{Title: "Lot of 4 books", Price: decimal.RequireFromString("40.01")},
	}

	stats := Summarize("q", Parse(NewSizeParser(), raw, 100), 3)

	require.True(t, stats.Usable())
	assert.Equal(t, 4, stats.Optimal.Size)
	assert.True(t, decimal.NewFromInt(10).Equal(stats.Optimal.MedianPerBook), stats.Optimal.MedianPerBook.String())
}

func TestParseDiscardsUnpricedAndImplausible(t *testing.T) {
	raw := []domain.Listing{
		{Title: "Lot of 5 books", Price: decimal.Zero},
		{Title: "Lot of 500 books", Price: decimal.NewFromInt(200)},
		{Title: "Lot of 0 books", Price: decimal.NewFromInt(10)},
		{Title: "Single copy", Price: decimal.NewFromInt(10)},
		{Title: "Lot of 4 books", Price: decimal.NewFromInt(20)},
	}

	got := Parse(NewSizeParser(), raw, 100)

	require.Len(t, got, 3)
	assert.Equal(t, 1, got[0].Size)
	assert.Equal(t, 1, got[1].Size)
	assert.Equal(t, 4, got[2].Size)
}

func TestSummarizeIsOrderIndependent(t *testing.T) {
	var raw []domain.Listing
	raw = append(raw, listings(3, 21, 24, 30, 18)...)
	raw = append(raw, listings(5, 45, 41, 52)...)
	comps := Parse(NewSizeParser(), raw, 100)
	want := Summarize("q", comps, 3)

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := append([]domain.PriceComparable(nil), comps...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, Summarize("q", shuffled, 3))
	}
}
