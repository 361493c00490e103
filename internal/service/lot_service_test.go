package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/booklots/internal/comps"
	"github.com/alanyoungcy/booklots/internal/domain"
	"github.com/alanyoungcy/booklots/internal/lots"
	"github.com/alanyoungcy/booklots/internal/valuation"
)

// memLotStore is an in-memory domain.LotStore that counts writes.
type memLotStore struct {
	mu     sync.Mutex
	lots   map[domain.LotKey]domain.LotSuggestion
	writes int
	failOn map[domain.LotKey]error
}

func newMemLotStore() *memLotStore {
	return &memLotStore{lots: make(map[domain.LotKey]domain.LotSuggestion)}
}

func (m *memLotStore) Upsert(_ context.Context, lot domain.LotSuggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn[lot.Key()]; err != nil {
		return err
	}
	m.writes++
	m.lots[lot.Key()] = lot
	return nil
}

func (m *memLotStore) Delete(_ context.Context, key domain.LotKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	delete(m.lots, key)
	return nil
}

func (m *memLotStore) Get(_ context.Context, key domain.LotKey) (domain.LotSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lot, ok := m.lots[key]
	if !ok {
		return domain.LotSuggestion{}, domain.ErrNotFound
	}
	return lot, nil
}

func (m *memLotStore) ListKeys(_ context.Context) ([]domain.LotKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]domain.LotKey, 0, len(m.lots))
	for k := range m.lots {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (m *memLotStore) List(ctx context.Context, _ domain.ListOpts) ([]domain.LotSuggestion, error) {
	keys, _ := m.ListKeys(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.LotSuggestion, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.lots[k])
	}
	return out, nil
}

func (m *memLotStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// stubMarket returns the same listings for the same query every time.
type stubMarket struct {
	calls atomic.Int64
	hook  func()
}

func (s *stubMarket) SearchListings(_ context.Context, query string, _ int) ([]domain.Listing, error) {
	s.calls.Add(1)
	if s.hook != nil {
		s.hook()
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(query))
	seed := int64(h.Sum32() % 20)

	var out []domain.Listing
	for i := int64(0); i < 4; i++ {
		out = append(out, domain.Listing{
			Title: fmt.Sprintf("Lot of %d paperbacks", 3+seed%3),
			Price: decimal.NewFromInt(6 + seed + i),
		})
	}
	return out, nil
}

type recordingAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	svc    *LotService
	store  *memLotStore
	market *stubMarket
	audit  *recordingAudit
}

func newFixture() *fixture {
	market := &stubMarket{}
	store := newMemLotStore()
	audit := &recordingAudit{}
	log := discard()

	cfg := comps.DefaultConfig()
	cfg.RetryBackoff = 0
	agg := comps.NewAggregator(market, nil, cfg, nil, log)
	engine := valuation.NewEngine(agg, valuation.DefaultConfig(), log)
	builder := lots.NewBuilder(lots.DefaultConfig(), nil)

	return &fixture{
		svc:    NewLotService(builder, engine, store, audit, nil, "", nil, log),
		store:  store,
		market: market,
		audit:  audit,
	}
}

var (
	fakeAuthors = []string{"Jane Doe", "doe, jane", "John Smith", "Robert Galbraith", "J. K. Rowling", "Ann Leckie", "Iain M. Banks"}
	fakeGenres  = []string{"fantasy", "mystery", "science fiction", "romance", "history"}
)

// randomCatalog builds a catalog of owned books with overlapping authors,
// series and genres so every strategy has something to group.
func randomCatalog(seed int64) *domain.Catalog {
	f := gofakeit.New(seed)

	series := []domain.SeriesInfo{
		{ID: "s1", Title: "Imperial Radch", Total: 3},
		{ID: "s2", Title: "Culture", Total: 10},
		{ID: "s3", Title: "Cormoran Strike", Total: 0},
	}

	n := f.Number(5, 40)
	seen := make(map[string]bool)
	var books []domain.Book
	for len(books) < n {
		isbn := f.Numerify("978##########")
		if seen[isbn] {
			continue
		}
		seen[isbn] = true

		b := domain.Book{
			ISBN:        isbn,
			Title:       f.Sentence(3),
			Author:      f.RandomString(fakeAuthors),
			Value:       decimal.NewFromFloat(f.Float64Range(0.5, 25)).Round(2),
			Probability: f.Float64Range(10, 95),
			Owned:       f.Number(0, 9) > 0,
		}
		if f.Bool() {
			b.Genres = []string{f.RandomString(fakeGenres)}
		}
		if f.Number(0, 2) == 0 {
			s := series[f.Number(0, len(series)-1)]
			b.Series = &domain.SeriesRef{
				SeriesID:   s.ID,
				Position:   f.Number(0, 6),
				Confidence: f.Float64Range(0.3, 1),
			}
		}
		books = append(books, b)
	}
	return domain.NewCatalog(books, series)
}

// flatten renders the observable fields of a suggestion so results from two
// runs can be compared without depending on decimal internals.
func flatten(sg domain.LotSuggestion) string {
	return strings.Join([]string{
		sg.Key().String(),
		strings.Join(sg.Members, ","),
		sg.IndividualValue.StringFixed(2),
		sg.EstimatedValue.StringFixed(2),
		fmt.Sprintf("%t/%d/%d/%.1f/%s", sg.UsedMarketPricing, sg.OptimalSize, sg.ComparableCount, sg.Probability, sg.ProbabilityLabel),
		strings.Join(sg.Justification, "|"),
	}, "\n")
}

func flattenAll(in []domain.LotSuggestion) []string {
	out := make([]string, len(in))
	for i, sg := range in {
		out[i] = flatten(sg)
	}
	return out
}

func TestUpdateMatchesFullBatchRestrictedToISBN(t *testing.T) {
	ctx := context.Background()
	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			cat := randomCatalog(seed)
			fx := newFixture()

			full, err := fx.svc.GenerateLots(ctx, cat)
			require.NoError(t, err)

			candidates := []string{"9780000000000"}
			for _, b := range cat.Books() {
				candidates = append(candidates, b.ISBN)
			}
			for _, isbn := range candidates {
				var want []domain.LotSuggestion
				for _, sg := range full {
					if sg.Contains(isbn) {
						want = append(want, sg)
					}
				}

				got, err := fx.svc.UpdateLotsForISBN(ctx, isbn, cat)
				require.NoError(t, err)
				assert.Equal(t, flattenAll(want), flattenAll(got), "isbn %s", isbn)
			}
		})
	}
}

func TestUpdateUnaffectedISBNHasNoSideEffects(t *testing.T) {
	cat := domain.NewCatalog([]domain.Book{
		{ISBN: "A", Author: "Jane Doe", Value: decimal.NewFromInt(6), Owned: true},
		{ISBN: "B", Author: "Jane Doe", Value: decimal.NewFromInt(7), Owned: true},
		{ISBN: "C", Author: "Solo Writer", Value: decimal.NewFromInt(1), Owned: true},
	}, nil)
	fx := newFixture()

	got, err := fx.svc.UpdateLotsForISBN(context.Background(), "C", cat)
	require.NoError(t, err)

	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Zero(t, fx.market.calls.Load())
	assert.Zero(t, fx.store.writeCount())
	assert.Empty(t, fx.audit.events)
}

func TestUpdateWritesOnlyAffectedLots(t *testing.T) {
	cat := domain.NewCatalog([]domain.Book{
		{ISBN: "A", Author: "Jane Doe", Value: decimal.NewFromInt(6), Owned: true},
		{ISBN: "B", Author: "Jane Doe", Value: decimal.NewFromInt(7), Owned: true},
		{ISBN: "C", Author: "John Smith", Value: decimal.NewFromInt(8), Owned: true},
		{ISBN: "D", Author: "John Smith", Value: decimal.NewFromInt(9), Owned: true},
	}, nil)
	fx := newFixture()

	got, err := fx.svc.UpdateLotsForISBN(context.Background(), "A", cat)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "Jane Doe Collection", got[0].Name)
	assert.Equal(t, 1, fx.store.writeCount())
	assert.EqualValues(t, 1, fx.market.calls.Load())
	assert.Equal(t, []string{EventLotsUpdated}, fx.audit.events)

	_, err = fx.store.Get(context.Background(), domain.LotKey{Name: "John Smith Collection", Strategy: domain.StrategyAuthor})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGenerateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cat := randomCatalog(42)
	fx := newFixture()

	first, err := fx.svc.GenerateLots(ctx, cat)
	require.NoError(t, err)
	storedFirst, err := fx.store.List(ctx, domain.ListOpts{})
	require.NoError(t, err)

	second, err := fx.svc.GenerateLots(ctx, cat)
	require.NoError(t, err)
	storedSecond, err := fx.store.List(ctx, domain.ListOpts{})
	require.NoError(t, err)

	assert.Equal(t, flattenAll(first), flattenAll(second))
	assert.Equal(t, flattenAll(storedFirst), flattenAll(storedSecond))
	assert.Len(t, storedSecond, len(second))
}

func TestGeneratePrunesStaleLots(t *testing.T) {
	ctx := context.Background()
	fx := newFixture()
	stale := domain.LotSuggestion{LotSkeleton: domain.LotSkeleton{Name: "Gone Collection", Strategy: domain.StrategyAuthor, Members: []string{"Z"}}}
	require.NoError(t, fx.store.Upsert(ctx, stale))

	cat := domain.NewCatalog([]domain.Book{
		{ISBN: "A", Author: "Jane Doe", Value: decimal.NewFromInt(6), Owned: true},
		{ISBN: "B", Author: "Jane Doe", Value: decimal.NewFromInt(7), Owned: true},
	}, nil)

	_, err := fx.svc.GenerateLots(ctx, cat)
	require.NoError(t, err)

	keys, err := fx.store.ListKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.LotKey{{Name: "Jane Doe Collection", Strategy: domain.StrategyAuthor}}, keys)
	assert.Equal(t, []string{EventLotsGenerated}, fx.audit.events)
}

func TestGenerateReportsPersistenceFailures(t *testing.T) {
	ctx := context.Background()
	fx := newFixture()
	boom := errors.New("connection reset")
	failing := domain.LotKey{Name: "Jane Doe Collection", Strategy: domain.StrategyAuthor}
	fx.store.failOn = map[domain.LotKey]error{failing: boom}

	cat := domain.NewCatalog([]domain.Book{
		{ISBN: "A", Author: "Jane Doe", Value: decimal.NewFromInt(6), Owned: true},
		{ISBN: "B", Author: "Jane Doe", Value: decimal.NewFromInt(7), Owned: true},
		{ISBN: "C", Author: "John Smith", Value: decimal.NewFromInt(8), Owned: true},
		{ISBN: "D", Author: "John Smith", Value: decimal.NewFromInt(9), Owned: true},
	}, nil)

	got, err := fx.svc.GenerateLots(ctx, cat)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), failing.String())
	assert.Len(t, got, 2)

	_, err = fx.store.Get(ctx, domain.LotKey{Name: "John Smith Collection", Strategy: domain.StrategyAuthor})
	assert.NoError(t, err)
}

func TestCancellationBeforePersistWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fx := newFixture()
	fx.market.hook = cancel

	cat := domain.NewCatalog([]domain.Book{
		{ISBN: "A", Author: "Jane Doe", Value: decimal.NewFromInt(6), Owned: true},
		{ISBN: "B", Author: "Jane Doe", Value: decimal.NewFromInt(7), Owned: true},
	}, nil)

	got, err := fx.svc.UpdateLotsForISBN(ctx, "A", cat)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, got)
	assert.Zero(t, fx.store.writeCount())
	assert.Empty(t, fx.audit.events)
}
