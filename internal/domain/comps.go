package domain

import "github.com/shopspring/decimal"

// Listing is one raw marketplace search result.
type Listing struct {
	Title string
	Price decimal.Decimal
}

// PriceComparable is a listing with its parsed lot size. Size is zero when
// the title carried no recognisable size.
type PriceComparable struct {
	Size   int
	Price  decimal.Decimal
	Source string
}

// SizeBucket aggregates comparables that share a lot size.
type SizeBucket struct {
	Size          int
	Samples       int
	MedianPerBook decimal.Decimal
}

// ComparableStats summarises the comparables found for one enrichment key.
// Optimal is nil when no bucket met the reliability threshold.
type ComparableStats struct {
	Query   string
	Total   int
	Buckets map[int]SizeBucket
	Optimal *SizeBucket
}

// Usable reports whether the stats carry a reliable optimal bucket.
func (s *ComparableStats) Usable() bool {
	return s != nil && s.Optimal != nil
}
