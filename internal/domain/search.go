package domain

import "context"

// ListingSearcher queries a marketplace for listings matching a phrase.
// Implementations are slow, fallible and rate limited.
type ListingSearcher interface {
	SearchListings(ctx context.Context, query string, limit int) ([]Listing, error)
}

// ListingSearcherFunc adapts a function to ListingSearcher.
type ListingSearcherFunc func(ctx context.Context, query string, limit int) ([]Listing, error)

func (f ListingSearcherFunc) SearchListings(ctx context.Context, query string, limit int) ([]Listing, error) {
	return f(ctx, query, limit)
}
