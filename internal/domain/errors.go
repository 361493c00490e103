package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrLockHeld        = errors.New("lock already held")
	ErrNoMarketData    = errors.New("no reliable market data")
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrInvalidSkeleton = errors.New("invalid lot skeleton")
	ErrQueueFull       = errors.New("job queue full")
	ErrQueueClosed     = errors.New("job queue closed")
)
