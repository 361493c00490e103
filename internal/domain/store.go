package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// CatalogSource supplies owned books and series metadata.
type CatalogSource interface {
	ListOwnedBooks(ctx context.Context) ([]Book, error)
	// GetSeriesInfo returns ErrNotFound when the series is unknown.
	GetSeriesInfo(ctx context.Context, seriesID string) (SeriesInfo, error)
}

// CatalogSnapshotter loads a consistent catalog in a single read.
type CatalogSnapshotter interface {
	Snapshot(ctx context.Context) (*Catalog, error)
}

// LotStore persists valued lots keyed by (name, strategy).
type LotStore interface {
	// Upsert atomically replaces the record sharing the suggestion's key.
	Upsert(ctx context.Context, lot LotSuggestion) error
	Delete(ctx context.Context, key LotKey) error
	Get(ctx context.Context, key LotKey) (LotSuggestion, error)
	ListKeys(ctx context.Context) ([]LotKey, error)
	List(ctx context.Context, opts ListOpts) ([]LotSuggestion, error)
}

// AuditEntry is a single audit log record.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an audit log of lot runs.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
