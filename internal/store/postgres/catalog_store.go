package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/booklots/internal/domain"
)

// querier is satisfied by both DBTX and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const ownedBooksSQL = `
	SELECT isbn, title, author, genres, estimated_value::text, probability,
	       series_id, series_position, series_confidence
	FROM books
	WHERE owned
	ORDER BY isbn`

// CatalogStore reads owned books and series metadata.
type CatalogStore struct {
	db DBTX
}

// NewCatalogStore creates a CatalogStore backed by db.
func NewCatalogStore(db DBTX) *CatalogStore {
	return &CatalogStore{db: db}
}

// ListOwnedBooks returns every owned book ordered by ISBN.
func (s *CatalogStore) ListOwnedBooks(ctx context.Context) ([]domain.Book, error) {
	books, err := listOwnedBooks(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("postgres: list owned books: %w", err)
	}
	return books, nil
}

// GetSeriesInfo returns the series with its member table, or
// domain.ErrNotFound.
func (s *CatalogStore) GetSeriesInfo(ctx context.Context, seriesID string) (domain.SeriesInfo, error) {
	var info domain.SeriesInfo
	err := s.db.QueryRow(ctx,
		`SELECT id, title, total_books FROM series WHERE id = $1`, seriesID,
	).Scan(&info.ID, &info.Title, &info.Total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SeriesInfo{}, domain.ErrNotFound
		}
		return domain.SeriesInfo{}, fmt.Errorf("postgres: get series %s: %w", seriesID, err)
	}

	members, err := listSeriesMembers(ctx, s.db, `WHERE series_id = $1`, seriesID)
	if err != nil {
		return domain.SeriesInfo{}, fmt.Errorf("postgres: get series %s members: %w", seriesID, err)
	}
	info.Members = members[seriesID]
	return info, nil
}

// Snapshot reads books and series inside one read-only repeatable-read
// transaction so the catalog reflects a single point in time.
func (s *CatalogStore) Snapshot(ctx context.Context) (*domain.Catalog, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: begin catalog snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	books, err := listOwnedBooks(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("postgres: snapshot books: %w", err)
	}
	series, err := listSeries(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("postgres: snapshot series: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit catalog snapshot: %w", err)
	}
	return domain.NewCatalog(books, series), nil
}

func listOwnedBooks(ctx context.Context, q querier) ([]domain.Book, error) {
	rows, err := q.Query(ctx, ownedBooksSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var books []domain.Book
	for rows.Next() {
		var (
			b          domain.Book
			value      string
			seriesID   *string
			position   *int
			confidence *float64
		)
		if err := rows.Scan(
			&b.ISBN, &b.Title, &b.Author, &b.Genres, &value, &b.Probability,
			&seriesID, &position, &confidence,
		); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		if b.Value, err = decimal.NewFromString(value); err != nil {
			return nil, fmt.Errorf("book %s value: %w", b.ISBN, err)
		}
		if seriesID != nil {
			ref := &domain.SeriesRef{SeriesID: *seriesID}
			if position != nil {
				ref.Position = *position
			}
			if confidence != nil {
				ref.Confidence = *confidence
			}
			b.Series = ref
		}
		b.Owned = true
		books = append(books, b)
	}
	return books, rows.Err()
}

func listSeries(ctx context.Context, q querier) ([]domain.SeriesInfo, error) {
	rows, err := q.Query(ctx, `SELECT id, title, total_books FROM series ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var series []domain.SeriesInfo
	for rows.Next() {
		var info domain.SeriesInfo
		if err := rows.Scan(&info.ID, &info.Title, &info.Total); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan series: %w", err)
		}
		series = append(series, info)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	members, err := listSeriesMembers(ctx, q, "")
	if err != nil {
		return nil, err
	}
	for i := range series {
		series[i].Members = members[series[i].ID]
	}
	return series, nil
}

func listSeriesMembers(ctx context.Context, q querier, where string, args ...any) (map[string][]domain.SeriesMember, error) {
	rows, err := q.Query(ctx,
		`SELECT series_id, position, isbn FROM series_members `+where+` ORDER BY series_id, position, isbn`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]domain.SeriesMember)
	for rows.Next() {
		var id string
		var m domain.SeriesMember
		if err := rows.Scan(&id, &m.Position, &m.ISBN); err != nil {
			return nil, fmt.Errorf("scan series member: %w", err)
		}
		out[id] = append(out[id], m)
	}
	return out, rows.Err()
}

var (
	_ domain.CatalogSource      = (*CatalogStore)(nil)
	_ domain.CatalogSnapshotter = (*CatalogStore)(nil)
)
