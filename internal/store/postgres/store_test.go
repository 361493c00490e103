package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/booklots/internal/domain"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func ptr[T any](v T) *T { return &v }

func marketLot() domain.LotSuggestion {
	return domain.LotSuggestion{
		LotSkeleton: domain.LotSkeleton{
			Name:            "Jane Doe Collection",
			Strategy:        domain.StrategyAuthor,
			Members:         []string{"A", "B"},
			IndividualValue: decimal.NewFromInt(13),
			AvgProbability:  60,
			Justification:   []string{"Multiple titles by Jane Doe"},
			EnrichmentKey:   "Jane Doe lot",
		},
		MarketValue:       decimal.NewNullDecimal(decimal.NewFromInt(18)),
		PerBookPrice:      decimal.NewNullDecimal(decimal.NewFromInt(9)),
		OptimalSize:       5,
		ComparableCount:   12,
		UsedMarketPricing: true,
		EstimatedValue:    decimal.NewFromInt(18),
		Probability:       68,
		ProbabilityLabel:  "Medium",
	}
}

var lotColumnNames = []string{
	"name", "strategy", "members",
	"individual_value", "estimated_value", "market_value", "per_book_price",
	"optimal_size", "comparable_count", "used_market_pricing",
	"avg_probability", "probability", "probability_label",
	"justification", "enrichment_key", "series_completion",
}

// anyLotArgs matches the sixteen placeholders of the lot upsert.
func anyLotArgs() []any {
	args := make([]any, len(lotColumnNames))
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestLotStoreUpsertArgs(t *testing.T) {
	mock := newMock(t)
	store := NewLotStore(mock, LotStoreConfig{})

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO lots")).
		WithArgs(
			"Jane Doe Collection", "author", []byte(`["A","B"]`),
			"13.00", "18.00", ptr("18.00"), ptr("9.00"),
			5, 12, true,
			60.0, 68.0, "Medium",
			[]byte(`["Multiple titles by Jane Doe"]`), "Jane Doe lot", []byte(nil),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Upsert(context.Background(), marketLot()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLotStoreUpsertRetriesTransientErrors(t *testing.T) {
	mock := newMock(t)
	store := NewLotStore(mock, LotStoreConfig{MaxAttempts: 3, Backoff: time.Millisecond})

	mock.ExpectExec("INSERT INTO lots").WithArgs(anyLotArgs()...).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectExec("INSERT INTO lots").WithArgs(anyLotArgs()...).
		WillReturnError(&pgconn.PgError{Code: "40P01"})
	mock.ExpectExec("INSERT INTO lots").WithArgs(anyLotArgs()...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Upsert(context.Background(), marketLot()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLotStoreUpsertGivesUpOnPermanentError(t *testing.T) {
	mock := newMock(t)
	store := NewLotStore(mock, LotStoreConfig{MaxAttempts: 3, Backoff: time.Millisecond})

	mock.ExpectExec("INSERT INTO lots").WithArgs(anyLotArgs()...).
		WillReturnError(&pgconn.PgError{Code: "23502", Message: "null value"})

	err := store.Upsert(context.Background(), marketLot())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "author:Jane Doe Collection")
	var pgErr *pgconn.PgError
	assert.True(t, errors.As(err, &pgErr))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLotStoreGet(t *testing.T) {
	mock := newMock(t)
	store := NewLotStore(mock, LotStoreConfig{})

	rows := pgxmock.NewRows(lotColumnNames).AddRow(
		"Dune Series", "series", []byte(`["A","B"]`),
		"20.00", "20.00", (*string)(nil), (*string)(nil),
		0, 0, false,
		55.5, 63.5, "Medium",
		[]byte(`["Titles from the Dune series"]`), "Dune series lot",
		[]byte(`{"SeriesID":"dune","Total":6,"Known":true,"Ratio":0.5,"Have":[1,2,3],"Missing":[4,5,6]}`),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM lots WHERE name = $1 AND strategy = $2")).
		WithArgs("Dune Series", "series").
		WillReturnRows(rows)

	lot, err := store.Get(context.Background(), domain.LotKey{Name: "Dune Series", Strategy: domain.StrategySeries})
	require.NoError(t, err)

	assert.Equal(t, domain.StrategySeries, lot.Strategy)
	assert.Equal(t, []string{"A", "B"}, lot.Members)
	assert.True(t, decimal.NewFromInt(20).Equal(lot.EstimatedValue))
	assert.False(t, lot.MarketValue.Valid)
	require.NotNil(t, lot.Series)
	assert.Equal(t, []int{4, 5, 6}, lot.Series.Missing)
	assert.Equal(t, domain.SeriesStatusIncomplete, lot.Series.Status())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLotStoreGetNotFound(t *testing.T) {
	mock := newMock(t)
	store := NewLotStore(mock, LotStoreConfig{})

	mock.ExpectQuery("FROM lots").WithArgs("x", "author").WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), domain.LotKey{Name: "x", Strategy: domain.StrategyAuthor})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLotStoreListKeysAndDelete(t *testing.T) {
	mock := newMock(t)
	store := NewLotStore(mock, LotStoreConfig{})

	mock.ExpectQuery(regexp.QuoteMeta("SELECT name, strategy FROM lots")).
		WillReturnRows(pgxmock.NewRows([]string{"name", "strategy"}).
			AddRow("Jane Doe Collection", "author").
			AddRow("Value Bundle", "value"))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM lots")).
		WithArgs("Value Bundle", "value").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	keys, err := store.ListKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.LotKey{
		{Name: "Jane Doe Collection", Strategy: domain.StrategyAuthor},
		{Name: "Value Bundle", Strategy: domain.StrategyValue},
	}, keys)

	require.NoError(t, store.Delete(context.Background(), keys[1]))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLotStoreListPaginates(t *testing.T) {
	mock := newMock(t)
	store := NewLotStore(mock, LotStoreConfig{})

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY estimated_value DESC, strategy, name LIMIT $1 OFFSET $2")).
		WithArgs(10, 20).
		WillReturnRows(pgxmock.NewRows(lotColumnNames))

	lots, err := store.List(context.Background(), domain.ListOpts{Limit: 10, Offset: 20})
	require.NoError(t, err)
	assert.Empty(t, lots)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalogSnapshot(t *testing.T) {
	mock := newMock(t)
	store := NewCatalogStore(mock)

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	mock.ExpectQuery(regexp.QuoteMeta("FROM books")).
		WillReturnRows(pgxmock.NewRows([]string{
			"isbn", "title", "author", "genres", "estimated_value", "probability",
			"series_id", "series_position", "series_confidence",
		}).
			AddRow("A", "Dune", "Frank Herbert", []string{"science fiction"}, "7.50", 70.0, ptr("dune"), ptr(1), ptr(0.9)).
			AddRow("B", "Emma", "Jane Austen", []string{}, "3.00", 40.0, (*string)(nil), (*int)(nil), (*float64)(nil)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM series ORDER BY id")).
		WillReturnRows(pgxmock.NewRows([]string{"id", "title", "total_books"}).AddRow("dune", "Dune", 6))
	mock.ExpectQuery(regexp.QuoteMeta("FROM series_members")).
		WillReturnRows(pgxmock.NewRows([]string{"series_id", "position", "isbn"}).
			AddRow("dune", 1, "A").
			AddRow("dune", 2, "X"))
	mock.ExpectCommit()

	cat, err := store.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, cat.Len())
	a, ok := cat.Book("A")
	require.True(t, ok)
	require.NotNil(t, a.Series)
	assert.Equal(t, "dune", a.Series.SeriesID)
	assert.Equal(t, 1, a.Series.Position)
	assert.True(t, decimal.RequireFromString("7.5").Equal(a.Value))

	b, _ := cat.Book("B")
	assert.Nil(t, b.Series)

	info, ok := cat.Series("dune")
	require.True(t, ok)
	assert.Equal(t, 6, info.Total)
	assert.Len(t, info.Members, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalogGetSeriesInfoNotFound(t *testing.T) {
	mock := newMock(t)
	store := NewCatalogStore(mock)

	mock.ExpectQuery(regexp.QuoteMeta("FROM series WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetSeriesInfo(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditStoreLog(t *testing.T) {
	mock := newMock(t)
	store := NewAuditStore(mock)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_log")).
		WithArgs("lots_updated", []byte(`{"isbn":"A","written":2}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Log(context.Background(), "lots_updated", map[string]any{"isbn": "A", "written": 2}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditStoreList(t *testing.T) {
	mock := newMock(t)
	store := NewAuditStore(mock)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	at := time.Date(2026, 3, 14, 4, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_log WHERE 1=1 AND created_at >= $1 ORDER BY created_at DESC, id DESC LIMIT $2")).
		WithArgs(since, 20).
		WillReturnRows(pgxmock.NewRows([]string{"id", "event", "detail", "created_at"}).
			AddRow(int64(9), "lots_generated", []byte(`{"written":4}`), at))

	entries, err := store.List(context.Background(), domain.ListOpts{Limit: 20, Since: &since})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "lots_generated", entries[0].Event)
	assert.EqualValues(t, 4, entries[0].Detail["written"])
	assert.Equal(t, at, entries[0].CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/lots?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "lots", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://custom", DSN(ClientConfig{DSN: "postgres://custom", Host: "ignored"}))
}
