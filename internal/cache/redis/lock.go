package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// unlockLua deletes the lock only while it still carries the holder's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// lockPollInterval is how often a blocked Acquire retries.
const lockPollInterval = 10 * time.Millisecond

// LockManager implements domain.LockManager using SET NX with a TTL and a
// token-checked unlock.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	poll     time.Duration
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
		poll:     lockPollInterval,
	}
}

func lockKey(key string) string {
	return keyPrefix + "lock:" + key
}

// TryAcquire makes one attempt and returns domain.ErrLockHeld when another
// holder has the lock.
func (lm *LockManager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The caller's context may already be cancelled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
	}, nil
}

// Acquire blocks until the lock is obtained or ctx is done.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	for {
		unlock, err := lm.TryAcquire(ctx, key, ttl)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, err
		}

		timer := time.NewTimer(lm.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

var _ domain.LockManager = (*LockManager)(nil)
