package comps

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/booklots/internal/domain"
)

// RateLimitedSearcher shares a marketplace quota across workers by waiting on
// a distributed rate limiter before every search.
type RateLimitedSearcher struct {
	inner   domain.ListingSearcher
	limiter domain.RateLimiter
	key     string
	limit   int
	window  time.Duration
}

// NewRateLimitedSearcher wraps inner so that at most limit searches are issued
// per window under the shared key.
func NewRateLimitedSearcher(inner domain.ListingSearcher, limiter domain.RateLimiter, key string, limit int, window time.Duration) *RateLimitedSearcher {
	return &RateLimitedSearcher{inner: inner, limiter: limiter, key: key, limit: limit, window: window}
}

func (s *RateLimitedSearcher) SearchListings(ctx context.Context, query string, limit int) ([]domain.Listing, error) {
	if err := s.limiter.Wait(ctx, s.key, s.limit, s.window); err != nil {
		return nil, fmt.Errorf("comps: wait for search quota: %w", err)
	}
	return s.inner.SearchListings(ctx, query, limit)
}

var _ domain.ListingSearcher = (*RateLimitedSearcher)(nil)
