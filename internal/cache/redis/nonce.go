package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// NonceStore implements domain.NonceStore with SET NX so every node sees
// the same claims.
type NonceStore struct {
	rdb *redis.Client
}

// NewNonceStore creates a NonceStore backed by the given Client.
func NewNonceStore(c *Client) *NonceStore {
	return &NonceStore{rdb: c.Underlying()}
}

// Claim records key for ttl and reports whether it was new.
func (s *NonceStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, keyPrefix+"nonce:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim nonce: %w", err)
	}
	return ok, nil
}

var _ domain.NonceStore = (*NonceStore)(nil)
