package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager serializes ledger calls across processes sharing one journal.
// Acquire blocks until the lock is held or ctx is done.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus fans accepted events out to every node's subscribers.
type EventBus interface {
	Publish(ctx context.Context, events []EventRecord) error
	Subscribe(ctx context.Context) (<-chan EventRecord, error)
}

// NonceStore remembers request signatures so a signed mutation cannot be
// replayed within its validity window. Claim reports false when key was
// already claimed.
type NonceStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
