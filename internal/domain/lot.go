package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Strategy is the grouping rule that produced a lot.
type Strategy uint8

const (
	StrategyAuthor Strategy = iota + 1
	StrategySeries
	StrategyGenre
	StrategyValue
)

// Strategies lists every strategy in pass order.
var Strategies = []Strategy{StrategyAuthor, StrategySeries, StrategyGenre, StrategyValue}

// String returns the persisted name of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyAuthor:
		return "author"
	case StrategySeries:
		return "series"
	case StrategyGenre:
		return "genre"
	case StrategyValue:
		return "value"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	return s >= StrategyAuthor && s <= StrategyValue
}

// ParseStrategy converts a persisted strategy name back into a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "author":
		return StrategyAuthor, nil
	case "series":
		return StrategySeries, nil
	case "genre":
		return StrategyGenre, nil
	case "value":
		return StrategyValue, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
}

// LotKey uniquely identifies a persisted lot.
type LotKey struct {
	Name     string
	Strategy Strategy
}

func (k LotKey) String() string {
	return k.Strategy.String() + ":" + k.Name
}

// SeriesStatus tags a series lot with its completion state.
type SeriesStatus uint8

const (
	SeriesStatusUnknown SeriesStatus = iota
	SeriesStatusIncomplete
	SeriesStatusComplete
)

func (s SeriesStatus) String() string {
	switch s {
	case SeriesStatusComplete:
		return "complete"
	case SeriesStatusIncomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

// SeriesCompletion is the ownership view of one series. Ratio is only
// meaningful when Known is true.
type SeriesCompletion struct {
	SeriesID string
	Total    int
	Known    bool
	Ratio    float64
	Have     []int
	Missing  []int
}

// Status derives the COMPLETE/INCOMPLETE tag from the ratio.
func (c SeriesCompletion) Status() SeriesStatus {
	if !c.Known {
		return SeriesStatusUnknown
	}
	if c.Ratio == 1.0 {
		return SeriesStatusComplete
	}
	return SeriesStatusIncomplete
}

// LotSkeleton is a candidate lot before market enrichment.
type LotSkeleton struct {
	Name            string
	Strategy        Strategy
	Members         []string // ISBNs, sorted
	IndividualValue decimal.Decimal
	AvgProbability  float64
	Justification   []string
	EnrichmentKey   string // empty when the strategy is never market priced
	Series          *SeriesCompletion
}

// Key returns the persistence key of the skeleton.
func (s LotSkeleton) Key() LotKey {
	return LotKey{Name: s.Name, Strategy: s.Strategy}
}

// Contains reports whether isbn is a member of the lot.
func (s LotSkeleton) Contains(isbn string) bool {
	for _, m := range s.Members {
		if m == isbn {
			return true
		}
	}
	return false
}

// Enrichable reports whether the lot should be priced against marketplace
// comparables.
func (s LotSkeleton) Enrichable() bool {
	return s.EnrichmentKey != ""
}

// LotSuggestion is a valued lot. It is the only lot type that is persisted.
type LotSuggestion struct {
	LotSkeleton

	MarketValue       decimal.NullDecimal
	OptimalSize       int // zero when no bucket was used
	PerBookPrice      decimal.NullDecimal
	ComparableCount   int
	UsedMarketPricing bool
	EstimatedValue    decimal.Decimal
	Probability       float64
	ProbabilityLabel  string
}

// ProbabilityLabelFor buckets a 0-100 score into High/Medium/Low.
func ProbabilityLabelFor(score float64) string {
	switch {
	case score >= 70:
		return "High"
	case score >= 45:
		return "Medium"
	default:
		return "Low"
	}
}
