package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceStore shares the replay window across service instances. SET NX
// with a TTL gives the same atomic check-and-set semantics as the in-memory
// store; expiry replaces pruning.
type RedisNonceStore struct {
	rdb    *redis.Client
	window time.Duration
}

func NewRedisNonceStore(rdb *redis.Client, window time.Duration) *RedisNonceStore {
	return &RedisNonceStore{rdb: rdb, window: window}
}

func (s *RedisNonceStore) Remember(ctx context.Context, nonce string) (bool, error) {
	return s.rdb.SetNX(ctx, "nonce:"+nonce, 1, s.window).Result()
}
