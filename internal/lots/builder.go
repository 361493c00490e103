// Package lots partitions an owned-book catalog into candidate lots. Every
// function here is pure with respect to its catalog input and never performs
// network I/O.
package lots

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/alanyoungcy/booklots/internal/domain"
)

// Config tunes the grouping thresholds.
type Config struct {
	MinLotValue         decimal.Decimal
	MinGroupSize        int
	MinSeriesConfidence float64
	// ValueBatchMax caps VALUE bundle size; zero or negative means one bundle.
	ValueBatchMax int
	// ValueFloor is the minimum individual value for a residual book to be
	// bundled by the VALUE strategy.
	ValueFloor decimal.Decimal
}

// DefaultConfig returns the stock grouping thresholds.
func DefaultConfig() Config {
	return Config{
		MinLotValue:         decimal.NewFromInt(10),
		MinGroupSize:        2,
		MinSeriesConfidence: 0.6,
		ValueBatchMax:       12,
		ValueFloor:          decimal.Zero,
	}
}

// draft is a skeleton before the strategy's enrichment key is attached.
// subject is the label the key is derived from.
type draft struct {
	skeleton domain.LotSkeleton
	subject  string
}

// strategyPass binds a strategy to its grouping function and, for strategies
// that are market priced, the function deriving the search phrase.
type strategyPass struct {
	build         func(b *Builder, cat *domain.Catalog, claimed map[string]bool) []draft
	enrichmentKey func(subject string) string
}

var strategyTable = map[domain.Strategy]strategyPass{
	domain.StrategyAuthor: {
		build:         (*Builder).authorLots,
		enrichmentKey: func(author string) string { return author + " lot" },
	},
	domain.StrategySeries: {
		build:         (*Builder).seriesLots,
		enrichmentKey: func(title string) string { return title + " series lot" },
	},
	domain.StrategyGenre: {build: (*Builder).genreLots},
	domain.StrategyValue: {build: (*Builder).valueLots},
}

// passPhases orders the strategies. Strategies inside a phase see the same
// claimed set and run concurrently; later phases only group books that no
// earlier phase put into a lot.
var passPhases = [][]domain.Strategy{
	{domain.StrategyAuthor, domain.StrategySeries},
	{domain.StrategyGenre},
	{domain.StrategyValue},
}

// Builder turns a catalog snapshot into lot skeletons.
type Builder struct {
	cfg   Config
	canon *Canonicalizer
}

// NewBuilder creates a Builder. A nil canonicalizer uses DefaultAliases.
func NewBuilder(cfg Config, canon *Canonicalizer) *Builder {
	if canon == nil {
		canon = NewCanonicalizer(DefaultAliases)
	}
	if cfg.MinGroupSize < 2 {
		cfg.MinGroupSize = 2
	}
	return &Builder{cfg: cfg, canon: canon}
}

// Build runs every strategy over the catalog and returns the skeletons sorted
// by strategy then name. The result depends only on the catalog contents.
func (b *Builder) Build(ctx context.Context, cat *domain.Catalog) ([]domain.LotSkeleton, error) {
	claimed := make(map[string]bool)
	var out []domain.LotSkeleton

	for _, phase := range passPhases {
		results := make([][]domain.LotSkeleton, len(phase))
		g, gctx := errgroup.WithContext(ctx)
		for i, strategy := range phase {
			pass := strategyTable[strategy]
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				drafts := pass.build(b, cat, claimed)
				lots := make([]domain.LotSkeleton, 0, len(drafts))
				for _, d := range drafts {
					sk := d.skeleton
					sk.Strategy = strategy
					if pass.enrichmentKey != nil && d.subject != "" {
						sk.EnrichmentKey = pass.enrichmentKey(d.subject)
					}
					lots = append(lots, sk)
				}
				results[i] = lots
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("lots: build skeletons: %w", err)
		}
		for _, lots := range results {
			for _, sk := range lots {
				for _, isbn := range sk.Members {
					claimed[isbn] = true
				}
			}
			out = append(out, lots...)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Strategy != out[j].Strategy {
			return out[i].Strategy < out[j].Strategy
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// compose applies the size and value thresholds and fills in the aggregate
// fields. books must already be in ISBN order.
func (b *Builder) compose(name string, books []domain.Book, justification []string) (domain.LotSkeleton, bool) {
	if len(books) < b.cfg.MinGroupSize {
		return domain.LotSkeleton{}, false
	}
	total := sumValue(books)
	if total.LessThan(b.cfg.MinLotValue) {
		return domain.LotSkeleton{}, false
	}

	members := make([]string, len(books))
	var prob float64
	for i, bk := range books {
		members[i] = bk.ISBN
		prob += bk.Probability
	}
	return domain.LotSkeleton{
		Name:            name,
		Members:         members,
		IndividualValue: total,
		AvgProbability:  prob / float64(len(books)),
		Justification:   justification,
	}, true
}

func (b *Builder) authorLots(cat *domain.Catalog, _ map[string]bool) []draft {
	groups := make(map[string][]domain.Book)
	display := make(map[string]string)
	for _, bk := range cat.Books() {
		name := b.canon.Canonicalize(bk.Author)
		if name.IsZero() {
			continue
		}
		if _, ok := display[name.Key]; !ok {
			display[name.Key] = name.Display
		}
		groups[name.Key] = append(groups[name.Key], bk)
	}

	var out []draft
	for _, key := range sortedKeys(groups) {
		books := groups[key]
		author := display[key]
		sk, ok := b.compose(author+" Collection", books, []string{
			"Multiple titles by " + author,
			"Combined estimated value $" + sumValue(books).StringFixed(2),
			probabilityMix(books),
		})
		if ok {
			out = append(out, draft{skeleton: sk, subject: author})
		}
	}
	return out
}

func (b *Builder) seriesLots(cat *domain.Catalog, _ map[string]bool) []draft {
	groups := make(map[string][]domain.Book)
	for _, bk := range cat.Books() {
		ref := bk.Series
		if ref == nil || ref.SeriesID == "" || ref.Confidence < b.cfg.MinSeriesConfidence {
			continue
		}
		if _, ok := cat.Series(ref.SeriesID); !ok {
			continue
		}
		groups[ref.SeriesID] = append(groups[ref.SeriesID], bk)
	}

	titles := make(map[string]string, len(groups))
	titleUses := make(map[string]int, len(groups))
	for id := range groups {
		info, _ := cat.Series(id)
		title := strings.TrimSpace(info.Title)
		if title == "" {
			title = id
		}
		titles[id] = title
		titleUses[strings.ToLower(title)]++
	}

	var out []draft
	for _, id := range sortedKeys(groups) {
		books := groups[id]
		info, _ := cat.Series(id)
		title := titles[id]
		name := title + " Series"
		// Series sharing a title would otherwise collide on the lot key.
		if titleUses[strings.ToLower(title)] > 1 && title != id {
			name += " (" + id + ")"
		}
		completion := AnalyzeSeries(info, ownedPositions(info, books))

		justification := []string{"Titles from the " + title + " series"}
		justification = append(justification, completionLines(completion, len(books))...)
		if status := completion.Status(); status != domain.SeriesStatusUnknown {
			justification = append(justification, "Series status: "+status.String())
		}
		justification = append(justification,
			"Combined estimated value $"+sumValue(books).StringFixed(2),
			probabilityMix(books),
		)

		sk, ok := b.compose(name, books, justification)
		if !ok {
			continue
		}
		sk.Series = &completion
		out = append(out, draft{skeleton: sk, subject: title})
	}
	return out
}

func (b *Builder) genreLots(cat *domain.Catalog, claimed map[string]bool) []draft {
	groups := make(map[string][]domain.Book)
	display := make(map[string]string)
	caser := cases.Title(language.English)
	for _, bk := range cat.Books() {
		if claimed[bk.ISBN] {
			continue
		}
		genre := primaryGenre(bk)
		if genre == "" {
			continue
		}
		key := strings.ToLower(genre)
		if _, ok := display[key]; !ok {
			display[key] = caser.String(key)
		}
		groups[key] = append(groups[key], bk)
	}

	var out []draft
	for _, key := range sortedKeys(groups) {
		books := groups[key]
		genre := display[key]
		sk, ok := b.compose(genre+" Genre", books, []string{
			"Books in the '" + genre + "' genre",
			"Aggregate estimated value $" + sumValue(books).StringFixed(2),
			probabilityMix(books),
		})
		if ok {
			out = append(out, draft{skeleton: sk})
		}
	}
	return out
}

func (b *Builder) valueLots(cat *domain.Catalog, claimed map[string]bool) []draft {
	var residual []domain.Book
	for _, bk := range cat.Books() {
		if claimed[bk.ISBN] || !bk.Value.IsPositive() || bk.Value.LessThan(b.cfg.ValueFloor) {
			continue
		}
		residual = append(residual, bk)
	}
	sort.SliceStable(residual, func(i, j int) bool {
		if c := residual[i].Value.Cmp(residual[j].Value); c != 0 {
			return c > 0
		}
		return residual[i].ISBN < residual[j].ISBN
	})

	var batches [][]domain.Book
	var cur []domain.Book
	for _, bk := range residual {
		cur = append(cur, bk)
		if b.cfg.ValueBatchMax > 0 && len(cur) >= b.cfg.ValueBatchMax {
			batches = append(batches, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		short := len(cur) < b.cfg.MinGroupSize || sumValue(cur).LessThan(b.cfg.MinLotValue)
		if short && len(batches) > 0 {
			batches[len(batches)-1] = append(batches[len(batches)-1], cur...)
		} else {
			batches = append(batches, cur)
		}
	}

	var out []draft
	for i, batch := range batches {
		sortByISBN(batch)
		name := "Value Bundle"
		if i > 0 {
			name = fmt.Sprintf("Value Bundle %d", i+1)
		}
		sk, ok := b.compose(name, batch, []string{
			"Bundles residual books not covered by another lot",
			"Aggregate estimated value $" + sumValue(batch).StringFixed(2),
			probabilityMix(batch),
		})
		if ok {
			out = append(out, draft{skeleton: sk})
		}
	}
	return out
}

func primaryGenre(bk domain.Book) string {
	for _, g := range bk.Genres {
		if g = strings.TrimSpace(g); g != "" {
			return g
		}
	}
	return ""
}

func sumValue(books []domain.Book) decimal.Decimal {
	total := decimal.Zero
	for _, bk := range books {
		total = total.Add(bk.Value)
	}
	return total
}

func probabilityMix(books []domain.Book) string {
	seen := make(map[string]bool)
	var labels []string
	for _, bk := range books {
		l := domain.ProbabilityLabelFor(bk.Probability)
		if !seen[l] {
			seen[l] = true
			labels = append(labels, l)
		}
	}
	sort.Strings(labels)
	return "Book probability mix: " + strings.Join(labels, ", ")
}

func sortByISBN(books []domain.Book) {
	sort.Slice(books, func(i, j int) bool { return books[i].ISBN < books[j].ISBN })
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
