package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	counterKeyPrefix = "rate_limit:"
	counterWindow    = 60 * time.Second
)

// CounterStore maintains per-client sliding-minute request counters in Redis.
// A counter lives for one 60-second window: the first increment of a window
// sets the TTL, and the key expiring resets the count.
type CounterStore struct {
	rdb *redis.Client
}

// NewCounterStore returns a CounterStore backed by rdb.
func NewCounterStore(rdb *redis.Client) *CounterStore {
	return &CounterStore{rdb: rdb}
}

// Increment bumps the counter for clientID and returns the new value.
// Callers compare the returned count against their limit; errors mean the
// store is unreachable and the caller is expected to fail open.
func (s *CounterStore) Increment(ctx context.Context, clientID string) (int64, error) {
	key := counterKeyPrefix + clientID
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		// First increment of the window starts the 60s clock. Best effort:
		// if this fails the key lingers until the next window's first hit.
		s.rdb.Expire(ctx, key, counterWindow)
	}
	return n, nil
}

// Count returns the current counter value without incrementing, 0 if absent.
func (s *CounterStore) Count(ctx context.Context, clientID string) (int64, error) {
	n, err := s.rdb.Get(ctx, counterKeyPrefix+clientID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
