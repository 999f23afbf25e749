// Package kv implements the Redis-backed shared state: per-client rate-limit
// counters and the window-aggregate metric cache.
package kv

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/sgp/pulse/internal/config"
)

// NewClient builds a go-redis client from config. The client is safe for
// concurrent use and pools connections internally.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Ping verifies connectivity to Redis.
func Ping(ctx context.Context, rdb *redis.Client) error {
	return rdb.Ping(ctx).Err()
}
