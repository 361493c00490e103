// Package sqlite reads the book catalog from the legacy single-file
// catalog.db layout.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/booklots/internal/domain"
)

// CatalogStore implements domain.CatalogSource and domain.CatalogSnapshotter
// over the legacy tables: books, series, series_books and
// book_series_matches. Every row in books is an owned book.
type CatalogStore struct {
	db *sql.DB
}

// Open opens the catalog file read-only.
func Open(path string) (*CatalogStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	return &CatalogStore{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

// Close closes the database handle.
func (s *CatalogStore) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ListOwnedBooks returns every catalogued book ordered by ISBN.
func (s *CatalogStore) ListOwnedBooks(ctx context.Context) ([]domain.Book, error) {
	books, _, err := load(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list owned books: %w", err)
	}
	return books, nil
}

// GetSeriesInfo returns one series or domain.ErrNotFound.
func (s *CatalogStore) GetSeriesInfo(ctx context.Context, seriesID string) (domain.SeriesInfo, error) {
	id, err := strconv.ParseInt(seriesID, 10, 64)
	if err != nil {
		return domain.SeriesInfo{}, domain.ErrNotFound
	}
	var info domain.SeriesInfo
	err = s.db.QueryRowContext(ctx,
		`SELECT title, COALESCE(book_count, 0) FROM series WHERE id = ?`, id,
	).Scan(&info.Title, &info.Total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SeriesInfo{}, domain.ErrNotFound
		}
		return domain.SeriesInfo{}, fmt.Errorf("sqlite: get series %s: %w", seriesID, err)
	}
	info.ID = seriesID

	books, _, err := load(ctx, s.db)
	if err != nil {
		return domain.SeriesInfo{}, fmt.Errorf("sqlite: get series %s: %w", seriesID, err)
	}
	info.Members = membersOf(seriesID, books)
	return info, nil
}

// Snapshot reads books and series inside one read transaction.
func (s *CatalogStore) Snapshot(ctx context.Context) (*domain.Catalog, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	books, series, err := load(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("sqlite: snapshot: %w", err)
	}
	return domain.NewCatalog(books, series), nil
}

type seriesTitle struct {
	seriesID string
	title    string
	position int
}

type seriesMatch struct {
	seriesID   string
	confidence float64
}

func load(ctx context.Context, q queryer) ([]domain.Book, []domain.SeriesInfo, error) {
	books, err := loadBooks(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	matches, err := loadMatches(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	titles, err := loadSeriesTitles(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	for i := range books {
		m, ok := matches[books[i].ISBN]
		if !ok {
			continue
		}
		ref := &domain.SeriesRef{SeriesID: m.seriesID, Confidence: m.confidence}
		norm := normalizeTitle(books[i].Title)
		for _, t := range titles[m.seriesID] {
			if t.title == norm {
				ref.Position = t.position
				break
			}
		}
		books[i].Series = ref
	}

	series, err := loadSeries(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	for i := range series {
		series[i].Members = membersOf(series[i].ID, books)
	}
	return books, series, nil
}

func loadBooks(ctx context.Context, q queryer) ([]domain.Book, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT isbn, COALESCE(title, ''), COALESCE(authors, ''),
		       COALESCE(estimated_price, 0), COALESCE(probability_score, 0),
		       COALESCE(metadata_json, '')
		FROM books
		ORDER BY isbn`)
	if err != nil {
		return nil, fmt.Errorf("query books: %w", err)
	}
	defer rows.Close()

	var books []domain.Book
	for rows.Next() {
		var (
			b        domain.Book
			price    float64
			metadata string
		)
		if err := rows.Scan(&b.ISBN, &b.Title, &b.Author, &price, &b.Probability, &metadata); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		b.Value = decimal.NewFromFloat(price).Round(2)
		b.Genres = categories(metadata)
		b.Owned = true
		books = append(books, b)
	}
	return books, rows.Err()
}

// loadMatches returns the highest-confidence series match per ISBN.
func loadMatches(ctx context.Context, q queryer) (map[string]seriesMatch, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT isbn, series_id, COALESCE(confidence, 0)
		FROM book_series_matches
		ORDER BY isbn, confidence DESC, series_id`)
	if err != nil {
		return nil, fmt.Errorf("query series matches: %w", err)
	}
	defer rows.Close()

	out := make(map[string]seriesMatch)
	for rows.Next() {
		var (
			isbn string
			id   int64
			conf float64
		)
		if err := rows.Scan(&isbn, &id, &conf); err != nil {
			return nil, fmt.Errorf("scan series match: %w", err)
		}
		if _, seen := out[isbn]; !seen {
			out[isbn] = seriesMatch{seriesID: strconv.FormatInt(id, 10), confidence: conf}
		}
	}
	return out, rows.Err()
}

func loadSeriesTitles(ctx context.Context, q queryer) (map[string][]seriesTitle, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT series_id, COALESCE(book_title_normalized, book_title), COALESCE(series_position, 0)
		FROM series_books
		ORDER BY series_id, series_position`)
	if err != nil {
		return nil, fmt.Errorf("query series books: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]seriesTitle)
	for rows.Next() {
		var (
			id    int64
			title string
			pos   int
		)
		if err := rows.Scan(&id, &title, &pos); err != nil {
			return nil, fmt.Errorf("scan series book: %w", err)
		}
		key := strconv.FormatInt(id, 10)
		out[key] = append(out[key], seriesTitle{seriesID: key, title: normalizeTitle(title), position: pos})
	}
	return out, rows.Err()
}

func loadSeries(ctx context.Context, q queryer) ([]domain.SeriesInfo, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, title, COALESCE(book_count, 0) FROM series ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	defer rows.Close()

	var out []domain.SeriesInfo
	for rows.Next() {
		var (
			id   int64
			info domain.SeriesInfo
		)
		if err := rows.Scan(&id, &info.Title, &info.Total); err != nil {
			return nil, fmt.Errorf("scan series: %w", err)
		}
		info.ID = strconv.FormatInt(id, 10)
		out = append(out, info)
	}
	return out, rows.Err()
}

func membersOf(seriesID string, books []domain.Book) []domain.SeriesMember {
	var out []domain.SeriesMember
	for _, b := range books {
		if b.Series != nil && b.Series.SeriesID == seriesID && b.Series.Position > 0 {
			out = append(out, domain.SeriesMember{Position: b.Series.Position, ISBN: b.ISBN})
		}
	}
	return out
}

// categories extracts the "categories" list from a book's metadata JSON.
func categories(metadata string) []string {
	if metadata == "" {
		return nil
	}
	var meta struct {
		Categories json.RawMessage `json:"categories"`
	}
	if err := json.Unmarshal([]byte(metadata), &meta); err != nil || len(meta.Categories) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(meta.Categories, &list); err == nil {
		return list
	}
	var single string
	if err := json.Unmarshal(meta.Categories, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}

// normalizeTitle lowercases, drops a leading article and punctuation, and
// collapses whitespace.
func normalizeTitle(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	for _, article := range []string{"the ", "a ", "an "} {
		if strings.HasPrefix(t, article) {
			t = t[len(article):]
			break
		}
	}
	t = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return r
		}
		return -1
	}, t)
	return strings.Join(strings.Fields(t), " ")
}

var (
	_ domain.CatalogSource      = (*CatalogStore)(nil)
	_ domain.CatalogSnapshotter = (*CatalogStore)(nil)
)
