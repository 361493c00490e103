package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/booklots/internal/domain"
	"github.com/alanyoungcy/booklots/internal/lots"
	"github.com/alanyoungcy/booklots/internal/metrics"
	"github.com/alanyoungcy/booklots/internal/valuation"
)

// Audit event names.
const (
	EventLotsGenerated = "lots_generated"
	EventLotsUpdated   = "lots_updated"
)

// LotEvent is published for every lot written to the store.
type LotEvent struct {
	Name           string   `json:"name"`
	Strategy       string   `json:"strategy"`
	Members        []string `json:"members"`
	EstimatedValue string   `json:"estimated_value"`
	MarketPriced   bool     `json:"market_priced"`
	Trigger        string   `json:"trigger"`
}

// LotService computes lot suggestions for a catalog snapshot, either for the
// whole catalog or only for the lots touched by one changed ISBN, and writes
// the results to the lot store.
type LotService struct {
	builder     *lots.Builder
	engine      *valuation.Engine
	store       domain.LotStore
	audit       domain.AuditStore
	bus         domain.SignalBus
	lotsChannel string
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewLotService creates a LotService. audit and bus may be nil.
func NewLotService(
	builder *lots.Builder,
	engine *valuation.Engine,
	store domain.LotStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	lotsChannel string,
	m *metrics.Metrics,
	logger *slog.Logger,
) *LotService {
	return &LotService{
		builder:     builder,
		engine:      engine,
		store:       store,
		audit:       audit,
		bus:         bus,
		lotsChannel: lotsChannel,
		metrics:     m,
		logger:      logger.With(slog.String("component", "lot_service")),
	}
}

// GenerateLots recomputes every lot for the catalog, writes them, and removes
// persisted lots the new pass no longer produces. The suggestions are
// returned even when some writes fail; the write failures are joined into the
// returned error.
func (s *LotService) GenerateLots(ctx context.Context, cat *domain.Catalog) ([]domain.LotSuggestion, error) {
	started := time.Now()

	skeletons, err := s.buildSkeletons(ctx, cat)
	if err != nil {
		return nil, err
	}
	suggestions, err := s.enrich(ctx, skeletons)
	if err != nil {
		return nil, err
	}

	// Writes must not be torn by a caller cancelling mid-persist.
	persistCtx := context.WithoutCancel(ctx)
	written, persistErr := s.persist(persistCtx, suggestions, "full")

	keep := make(map[domain.LotKey]bool, len(suggestions))
	for _, sg := range suggestions {
		keep[sg.Key()] = true
	}
	pruned, pruneErr := s.prune(persistCtx, keep)

	s.logger.InfoContext(ctx, "lots generated",
		slog.Int("books", cat.Len()),
		slog.Int("lots", len(suggestions)),
		slog.Int("written", written),
		slog.Int("pruned", pruned),
		slog.Duration("elapsed", time.Since(started)),
	)
	s.recordAudit(persistCtx, EventLotsGenerated, map[string]any{
		"books":       cat.Len(),
		"lots":        len(suggestions),
		"written":     written,
		"pruned":      pruned,
		"duration_ms": time.Since(started).Milliseconds(),
	})

	return suggestions, errors.Join(persistErr, pruneErr)
}

// UpdateLotsForISBN recomputes only the lots whose members include isbn. When
// no lot contains isbn it returns an empty slice without querying the
// marketplace or touching the store.
func (s *LotService) UpdateLotsForISBN(ctx context.Context, isbn string, cat *domain.Catalog) ([]domain.LotSuggestion, error) {
	started := time.Now()

	skeletons, err := s.buildSkeletons(ctx, cat)
	if err != nil {
		return nil, err
	}

	affected := filterAffected(skeletons, isbn)
	if len(affected) == 0 {
		s.logger.DebugContext(ctx, "no lots affected", slog.String("isbn", isbn))
		return []domain.LotSuggestion{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("service: update lots for %s: %w", isbn, err)
	}

	suggestions, err := s.enrich(ctx, affected)
	if err != nil {
		return nil, err
	}

	persistCtx := context.WithoutCancel(ctx)
	written, persistErr := s.persist(persistCtx, suggestions, isbn)

	s.logger.InfoContext(ctx, "lots updated",
		slog.String("isbn", isbn),
		slog.Int("affected", len(affected)),
		slog.Int("written", written),
		slog.Duration("elapsed", time.Since(started)),
	)
	s.recordAudit(persistCtx, EventLotsUpdated, map[string]any{
		"isbn":        isbn,
		"affected":    len(affected),
		"written":     written,
		"duration_ms": time.Since(started).Milliseconds(),
	})

	return suggestions, persistErr
}

func (s *LotService) buildSkeletons(ctx context.Context, cat *domain.Catalog) ([]domain.LotSkeleton, error) {
	defer s.metrics.ObserveStage("build_skeletons", time.Now())
	skeletons, err := s.builder.Build(ctx, cat)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	return skeletons, nil
}

func filterAffected(skeletons []domain.LotSkeleton, isbn string) []domain.LotSkeleton {
	var out []domain.LotSkeleton
	for _, sk := range skeletons {
		if sk.Contains(isbn) {
			out = append(out, sk)
		}
	}
	return out
}

// enrich values the skeletons. Cancellation observed after valuation aborts
// the run before anything is written.
func (s *LotService) enrich(ctx context.Context, skeletons []domain.LotSkeleton) ([]domain.LotSuggestion, error) {
	defer s.metrics.ObserveStage("enrich", time.Now())
	suggestions := s.engine.ValueAll(ctx, skeletons)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("service: enrich lots: %w", err)
	}
	return suggestions, nil
}

func (s *LotService) persist(ctx context.Context, suggestions []domain.LotSuggestion, trigger string) (int, error) {
	defer s.metrics.ObserveStage("persist", time.Now())

	var errs []error
	written := 0
	for _, sg := range suggestions {
		strategy := sg.Strategy.String()
		if err := s.store.Upsert(ctx, sg); err != nil {
			s.metrics.LotPersistFailed(strategy)
			s.logger.ErrorContext(ctx, "failed to persist lot",
				slog.String("lot", sg.Key().String()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("service: persist lot %s: %w", sg.Key(), err))
			continue
		}
		written++
		s.metrics.LotPersisted(strategy)
		s.publish(ctx, sg, trigger)
	}
	return written, errors.Join(errs...)
}

func (s *LotService) prune(ctx context.Context, keep map[domain.LotKey]bool) (int, error) {
	keys, err := s.store.ListKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("service: list persisted lots: %w", err)
	}
	var errs []error
	pruned := 0
	for _, k := range keys {
		if keep[k] {
			continue
		}
		if err := s.store.Delete(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("service: delete stale lot %s: %w", k, err))
			continue
		}
		pruned++
	}
	return pruned, errors.Join(errs...)
}

func (s *LotService) publish(ctx context.Context, sg domain.LotSuggestion, trigger string) {
	if s.bus == nil || s.lotsChannel == "" {
		return
	}
	payload, err := json.Marshal(LotEvent{
		Name:           sg.Name,
		Strategy:       sg.Strategy.String(),
		Members:        sg.Members,
		EstimatedValue: sg.EstimatedValue.StringFixed(2),
		MarketPriced:   sg.UsedMarketPricing,
		Trigger:        trigger,
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, s.lotsChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "failed to publish lot event",
			slog.String("lot", sg.Key().String()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *LotService) recordAudit(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "failed to write audit entry",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
