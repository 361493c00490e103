package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/booklots/internal/domain"
)

const defaultCompsTTL = 6 * time.Hour

// CompsCache implements domain.ComparableCache using JSON strings with a TTL.
//
// Key schema:
//
//	booklots:comps:{enrichment key} - JSON encoded domain.ComparableStats
type CompsCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCompsCache creates a CompsCache backed by the given Client. A
// non-positive ttl uses six hours.
func NewCompsCache(c *Client, ttl time.Duration) *CompsCache {
	if ttl <= 0 {
		ttl = defaultCompsTTL
	}
	return &CompsCache{rdb: c.Underlying(), ttl: ttl}
}

func compsKey(key string) string { return keyPrefix + "comps:" + key }

// GetComparables returns the cached stats for key or domain.ErrNotFound.
func (cc *CompsCache) GetComparables(ctx context.Context, key string) (*domain.ComparableStats, error) {
	data, err := cc.rdb.Get(ctx, compsKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get comps %q: %w", key, err)
	}

	var stats domain.ComparableStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("redis: unmarshal comps %q: %w", key, err)
	}
	return &stats, nil
}

// SetComparables stores stats for key until the TTL elapses.
func (cc *CompsCache) SetComparables(ctx context.Context, key string, stats *domain.ComparableStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("redis: marshal comps %q: %w", key, err)
	}
	if err := cc.rdb.Set(ctx, compsKey(key), data, cc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set comps %q: %w", key, err)
	}
	return nil
}

// InvalidateComparables removes the cached stats for key.
func (cc *CompsCache) InvalidateComparables(ctx context.Context, key string) error {
	if err := cc.rdb.Del(ctx, compsKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate comps %q: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ComparableCache = (*CompsCache)(nil)
