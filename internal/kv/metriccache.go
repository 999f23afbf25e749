package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	pulse "github.com/sgp/pulse/internal"
)

const (
	metricKeyPrefix = "metrics:"
	metricTTL       = 5 * time.Minute
	scanPageSize    = 100
)

// MetricCache stores JSON-serialized window aggregates in Redis with a TTL.
// Keys are "metrics:" + aggregation key, e.g. "metrics:/api/users:GET".
type MetricCache struct {
	rdb *redis.Client
}

// NewMetricCache returns a MetricCache backed by rdb.
func NewMetricCache(rdb *redis.Client) *MetricCache {
	return &MetricCache{rdb: rdb}
}

// Put writes the aggregate for key synchronously so a dashboard read issued
// right after a compute sees the fresh value.
func (c *MetricCache) Put(ctx context.Context, key string, agg *pulse.WindowAggregate) error {
	b, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("marshal aggregate %q: %w", key, err)
	}
	if err := c.rdb.Set(ctx, metricKeyPrefix+key, b, metricTTL).Err(); err != nil {
		return fmt.Errorf("cache aggregate %q: %w", key, err)
	}
	return nil
}

// Get returns the aggregate for key, or pulse.ErrNotFound when absent.
func (c *MetricCache) Get(ctx context.Context, key string) (*pulse.WindowAggregate, error) {
	val, err := c.rdb.Get(ctx, metricKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, pulse.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read aggregate %q: %w", key, err)
	}
	var agg pulse.WindowAggregate
	if err := json.Unmarshal(val, &agg); err != nil {
		return nil, fmt.Errorf("decode aggregate %q: %w", key, err)
	}
	return &agg, nil
}

// All returns every cached aggregate. Enumeration uses cursor-based SCAN in
// pages of 100 rather than KEYS, so it never blocks the Redis event loop on
// large keyspaces. Entries that disappear or fail to decode mid-scan are
// skipped; the TTL makes that a normal occurrence, not an error.
func (c *MetricCache) All(ctx context.Context) ([]pulse.WindowAggregate, error) {
	var (
		out    []pulse.WindowAggregate
		cursor uint64
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, metricKeyPrefix+"*", scanPageSize).Result()
		if err != nil {
			return nil, fmt.Errorf("scan aggregates: %w", err)
		}
		for _, k := range keys {
			val, err := c.rdb.Get(ctx, k).Bytes()
			if err != nil {
				continue
			}
			var agg pulse.WindowAggregate
			if err := json.Unmarshal(val, &agg); err != nil {
				continue
			}
			out = append(out, agg)
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}
