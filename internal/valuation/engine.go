// Package valuation prices lot skeletons, optionally from marketplace
// comparables.
package valuation

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/booklots/internal/domain"
)

// ComparableSource returns aggregated comparables for an enrichment key.
type ComparableSource interface {
	Comparables(ctx context.Context, key string) (*domain.ComparableStats, error)
}

// Config tunes the engine.
type Config struct {
	// ProbabilityBonus is added to the average member probability.
	ProbabilityBonus float64
	// MinSamples is the smallest optimal bucket the engine will price from.
	MinSamples int
	// Workers bounds concurrent enrichment in ValueAll.
	Workers int
}

// DefaultConfig returns the stock valuation settings.
func DefaultConfig() Config {
	return Config{ProbabilityBonus: 8, MinSamples: 3, Workers: 4}
}

// Engine turns skeletons into suggestions.
type Engine struct {
	comps  ComparableSource
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates an Engine. comps may be nil, in which case every lot is
// valued from its members' individual values.
func NewEngine(comps ComparableSource, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Engine{
		comps:  comps,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "valuation_engine")),
	}
}

// ValueAll values every skeleton and returns the suggestions in input order.
// A failure while pricing one lot never affects another.
func (e *Engine) ValueAll(ctx context.Context, skeletons []domain.LotSkeleton) []domain.LotSuggestion {
	out := make([]domain.LotSuggestion, len(skeletons))
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i := range skeletons {
		g.Go(func() error {
			out[i] = e.Value(ctx, skeletons[i])
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Value prices one skeleton. It panics if the skeleton has no members.
func (e *Engine) Value(ctx context.Context, sk domain.LotSkeleton) domain.LotSuggestion {
	if len(sk.Members) == 0 {
		panic(fmt.Sprintf("valuation: %v: %s has no members", domain.ErrInvalidSkeleton, sk.Key()))
	}

	sk.Justification = append([]string(nil), sk.Justification...)
	prob := math.Min(100, sk.AvgProbability+e.cfg.ProbabilityBonus)
	prob = math.Round(prob*10) / 10

	s := domain.LotSuggestion{
		LotSkeleton:      sk,
		EstimatedValue:   sk.IndividualValue,
		Probability:      prob,
		ProbabilityLabel: domain.ProbabilityLabelFor(prob),
	}
	if s.EstimatedValue.IsNegative() {
		s.EstimatedValue = decimal.Zero
	}
	if !sk.Enrichable() || e.comps == nil {
		return s
	}

	stats, err := e.lookup(ctx, sk.EnrichmentKey)
	if err != nil {
		e.logger.WarnContext(ctx, "market pricing unavailable",
			slog.String("lot", sk.Key().String()),
			slog.String("error", err.Error()),
		)
		s.Justification = append(s.Justification, "Market pricing unavailable: "+err.Error())
		return s
	}
	if !stats.Usable() || stats.Optimal.Samples < e.cfg.MinSamples {
		s.Justification = append(s.Justification, "No market comps found, using individual book pricing")
		return s
	}
	s.ComparableCount = stats.Total

	opt := stats.Optimal
	market := opt.MedianPerBook.Mul(decimal.NewFromInt(int64(len(sk.Members)))).Round(2)
	s.MarketValue = decimal.NewNullDecimal(market)
	s.PerBookPrice = decimal.NewNullDecimal(opt.MedianPerBook)
	s.OptimalSize = opt.Size

	if !market.GreaterThan(s.EstimatedValue) {
		s.Justification = append(s.Justification, fmt.Sprintf(
			"Market lot value $%s does not beat individual pricing $%s",
			market.StringFixed(2), s.EstimatedValue.StringFixed(2),
		))
		return s
	}

	s.EstimatedValue = market
	s.UsedMarketPricing = true
	line := fmt.Sprintf("Market lot pricing: $%s ($%s/book based on %d comps, lots of %d sell best)",
		market.StringFixed(2), opt.MedianPerBook.StringFixed(2), stats.Total, opt.Size)
	s.Justification = append([]string{line}, s.Justification...)
	return s
}

// lookup calls the comparable source, converting a panic into an error so
// one lot's failure stays local to that lot.
func (e *Engine) lookup(ctx context.Context, key string) (stats *domain.ComparableStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			stats, err = nil, fmt.Errorf("comparable search panicked: %v", r)
		}
	}()
	return e.comps.Comparables(ctx, key)
}
