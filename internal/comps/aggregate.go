package comps

import (
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/booklots/internal/domain"
)

var lotKeyword = regexp.MustCompile(`(?i)\b(?:lot|set|books|series)\b`)

// SearchPhrase returns the query sent to the marketplace for an enrichment
// key. Keys without a lot keyword get " lot" appended.
func SearchPhrase(key string) string {
	key = strings.TrimSpace(key)
	if lotKeyword.MatchString(key) {
		return key
	}
	return key + " lot"
}

// Parse converts raw listings into comparables. Listings without a positive
// price or with a size outside [1, maxSize] are discarded; titles with no
// recognisable size count as single copies.
func Parse(parser *SizeParser, listings []domain.Listing, maxSize int) []domain.PriceComparable {
	out := make([]domain.PriceComparable, 0, len(listings))
	for _, l := range listings {
		if !l.Price.IsPositive() {
			continue
		}
		size := parser.Parse(l.Title)
		if size == 0 {
			size = 1
		}
		if size < 1 || size > maxSize {
			continue
		}
		out = append(out, domain.PriceComparable{Size: size, Price: l.Price, Source: l.Title})
	}
	return out
}

// Summarize buckets multi-book comparables by size and selects the optimal
// bucket: the highest median per-book price among buckets with at least
// minSamples comparables, preferring the smaller size on ties. Total counts
// only the multi-book comparables. It depends only on the input set, not its
// order.
func Summarize(query string, comps []domain.PriceComparable, minSamples int) *domain.ComparableStats {
	stats := &domain.ComparableStats{
		Query:   query,
		Buckets: make(map[int]domain.SizeBucket),
	}

	perBook := make(map[int][]decimal.Decimal)
	for _, c := range comps {
		if c.Size < 2 {
			continue
		}
		perBook[c.Size] = append(perBook[c.Size], c.Price.Div(decimal.NewFromInt(int64(c.Size))))
		stats.Total++
	}

	// Medians are compared at full precision and rounded for display only.
	medians := make(map[int]decimal.Decimal, len(perBook))
	sizes := make([]int, 0, len(perBook))
	for size, prices := range perBook {
		medians[size] = median(prices)
		stats.Buckets[size] = domain.SizeBucket{
			Size:          size,
			Samples:       len(prices),
			MedianPerBook: medians[size].Round(2),
		}
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	best := 0
	for _, size := range sizes {
		if stats.Buckets[size].Samples < minSamples {
			continue
		}
		if best == 0 || medians[size].GreaterThan(medians[best]) {
			best = size
		}
	}
	if best != 0 {
		b := stats.Buckets[best]
		stats.Optimal = &b
	}
	return stats
}

func median(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sorted := make([]decimal.Decimal, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}
