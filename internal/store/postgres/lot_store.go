package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/booklots/internal/domain"
)

const lotColumns = `
	name, strategy, members,
	individual_value::text, estimated_value::text,
	market_value::text, per_book_price::text,
	optimal_size, comparable_count, used_market_pricing,
	avg_probability, probability, probability_label,
	justification, enrichment_key, series_completion`

const upsertLotSQL = `
	INSERT INTO lots (
		name, strategy, members,
		individual_value, estimated_value, market_value, per_book_price,
		optimal_size, comparable_count, used_market_pricing,
		avg_probability, probability, probability_label,
		justification, enrichment_key, series_completion, updated_at
	) VALUES (
		$1, $2, $3,
		$4::text::numeric, $5::text::numeric, $6::text::numeric, $7::text::numeric,
		$8, $9, $10,
		$11, $12, $13,
		$14, $15, $16, NOW()
	)
	ON CONFLICT (name, strategy) DO UPDATE SET
		members             = EXCLUDED.members,
		individual_value    = EXCLUDED.individual_value,
		estimated_value     = EXCLUDED.estimated_value,
		market_value        = EXCLUDED.market_value,
		per_book_price      = EXCLUDED.per_book_price,
		optimal_size        = EXCLUDED.optimal_size,
		comparable_count    = EXCLUDED.comparable_count,
		used_market_pricing = EXCLUDED.used_market_pricing,
		avg_probability     = EXCLUDED.avg_probability,
		probability         = EXCLUDED.probability,
		probability_label   = EXCLUDED.probability_label,
		justification       = EXCLUDED.justification,
		enrichment_key      = EXCLUDED.enrichment_key,
		series_completion   = EXCLUDED.series_completion,
		updated_at          = NOW()`

// LotStoreConfig bounds the retry of transient write failures.
type LotStoreConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

// LotStore implements domain.LotStore. Each upsert is a single statement, so
// a concurrent reader sees either the old or the new record for a key.
type LotStore struct {
	db  DBTX
	cfg LotStoreConfig
}

// NewLotStore creates a LotStore backed by db.
func NewLotStore(db DBTX, cfg LotStoreConfig) *LotStore {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	return &LotStore{db: db, cfg: cfg}
}

// Upsert inserts the lot or replaces the record with the same (name,
// strategy). Serialization failures, deadlocks and dropped connections are
// retried.
func (s *LotStore) Upsert(ctx context.Context, lot domain.LotSuggestion) error {
	args, err := lotArgs(lot)
	if err != nil {
		return fmt.Errorf("postgres: upsert lot %s: %w", lot.Key(), err)
	}

	backoff := s.cfg.Backoff
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("postgres: upsert lot %s: %w", lot.Key(), errors.Join(lastErr, ctx.Err()))
			case <-timer.C:
			}
			backoff *= 2
		}

		_, err := s.db.Exec(ctx, upsertLotSQL, args...)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return fmt.Errorf("postgres: upsert lot %s: %w", lot.Key(), lastErr)
}

// Delete removes the lot with the given key. Deleting a missing key is not
// an error.
func (s *LotStore) Delete(ctx context.Context, key domain.LotKey) error {
	const query = `DELETE FROM lots WHERE name = $1 AND strategy = $2`
	if _, err := s.db.Exec(ctx, query, key.Name, key.Strategy.String()); err != nil {
		return fmt.Errorf("postgres: delete lot %s: %w", key, err)
	}
	return nil
}

// Get returns the lot with the given key or domain.ErrNotFound.
func (s *LotStore) Get(ctx context.Context, key domain.LotKey) (domain.LotSuggestion, error) {
	query := `SELECT ` + lotColumns + ` FROM lots WHERE name = $1 AND strategy = $2`
	lot, err := scanLot(s.db.QueryRow(ctx, query, key.Name, key.Strategy.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LotSuggestion{}, domain.ErrNotFound
		}
		return domain.LotSuggestion{}, fmt.Errorf("postgres: get lot %s: %w", key, err)
	}
	return lot, nil
}

// ListKeys returns the key of every persisted lot.
func (s *LotStore) ListKeys(ctx context.Context) ([]domain.LotKey, error) {
	rows, err := s.db.Query(ctx, `SELECT name, strategy FROM lots ORDER BY strategy, name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list lot keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.LotKey
	for rows.Next() {
		var name, strategy string
		if err := rows.Scan(&name, &strategy); err != nil {
			return nil, fmt.Errorf("postgres: scan lot key: %w", err)
		}
		st, err := domain.ParseStrategy(strategy)
		if err != nil {
			return nil, fmt.Errorf("postgres: lot %q: %w", name, err)
		}
		keys = append(keys, domain.LotKey{Name: name, Strategy: st})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list lot keys rows: %w", err)
	}
	return keys, nil
}

// List returns lots ordered by estimated value, highest first.
func (s *LotStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.LotSuggestion, error) {
	query := `SELECT ` + lotColumns + ` FROM lots WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND updated_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND updated_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY estimated_value DESC, strategy, name"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list lots: %w", err)
	}
	defer rows.Close()

	var lots []domain.LotSuggestion
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan lot: %w", err)
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list lots rows: %w", err)
	}
	return lots, nil
}

func lotArgs(lot domain.LotSuggestion) ([]any, error) {
	members, err := json.Marshal(nonNil(lot.Members))
	if err != nil {
		return nil, fmt.Errorf("marshal members: %w", err)
	}
	justification, err := json.Marshal(nonNil(lot.Justification))
	if err != nil {
		return nil, fmt.Errorf("marshal justification: %w", err)
	}
	var series []byte
	if lot.Series != nil {
		if series, err = json.Marshal(lot.Series); err != nil {
			return nil, fmt.Errorf("marshal series completion: %w", err)
		}
	}

	return []any{
		lot.Name, lot.Strategy.String(), members,
		lot.IndividualValue.StringFixed(2), lot.EstimatedValue.StringFixed(2),
		nullableDecimal(lot.MarketValue), nullableDecimal(lot.PerBookPrice),
		lot.OptimalSize, lot.ComparableCount, lot.UsedMarketPricing,
		lot.AvgProbability, lot.Probability, lot.ProbabilityLabel,
		justification, lot.EnrichmentKey, series,
	}, nil
}

func scanLot(row pgx.Row) (domain.LotSuggestion, error) {
	var (
		lot                    domain.LotSuggestion
		strategy               string
		members, justification []byte
		series                 []byte
		individual, estimated  string
		marketValue, perBook   *string
	)
	err := row.Scan(
		&lot.Name, &strategy, &members,
		&individual, &estimated,
		&marketValue, &perBook,
		&lot.OptimalSize, &lot.ComparableCount, &lot.UsedMarketPricing,
		&lot.AvgProbability, &lot.Probability, &lot.ProbabilityLabel,
		&justification, &lot.EnrichmentKey, &series,
	)
	if err != nil {
		return domain.LotSuggestion{}, err
	}

	if lot.Strategy, err = domain.ParseStrategy(strategy); err != nil {
		return domain.LotSuggestion{}, err
	}
	if err := json.Unmarshal(members, &lot.Members); err != nil {
		return domain.LotSuggestion{}, fmt.Errorf("unmarshal members: %w", err)
	}
	if err := json.Unmarshal(justification, &lot.Justification); err != nil {
		return domain.LotSuggestion{}, fmt.Errorf("unmarshal justification: %w", err)
	}
	if len(series) > 0 {
		lot.Series = &domain.SeriesCompletion{}
		if err := json.Unmarshal(series, lot.Series); err != nil {
			return domain.LotSuggestion{}, fmt.Errorf("unmarshal series completion: %w", err)
		}
	}
	if lot.IndividualValue, err = decimal.NewFromString(individual); err != nil {
		return domain.LotSuggestion{}, fmt.Errorf("parse individual value: %w", err)
	}
	if lot.EstimatedValue, err = decimal.NewFromString(estimated); err != nil {
		return domain.LotSuggestion{}, fmt.Errorf("parse estimated value: %w", err)
	}
	if lot.MarketValue, err = parseNullDecimal(marketValue); err != nil {
		return domain.LotSuggestion{}, fmt.Errorf("parse market value: %w", err)
	}
	if lot.PerBookPrice, err = parseNullDecimal(perBook); err != nil {
		return domain.LotSuggestion{}, fmt.Errorf("parse per-book price: %w", err)
	}
	return lot, nil
}

// retryable reports whether a failed write is worth repeating.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01" || strings.HasPrefix(pgErr.Code, "08")
	}
	return pgconn.SafeToRetry(err)
}

func nullableDecimal(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.StringFixed(2)
	return &s
}

func parseNullDecimal(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ domain.LotStore = (*LotStore)(nil)
