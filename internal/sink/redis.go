package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kpreisner/scadapoll/internal/types"
)

// RedisCache keeps only the latest reading and alarm state per
// (device, metric). This is the hot path consumed by dashboards; the
// TTL lets entries for dead devices age out of the cache.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(ctx context.Context, addr string, ttl time.Duration) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis not reachable: %w", err)
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &RedisCache{rdb: rdb, ttl: ttl}, nil
}

func (c *RedisCache) Store(ctx context.Context, r types.Reading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	key := fmt.Sprintf("reading:last:%d:%s", r.DeviceID, r.Metric)
	if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache reading: %w", err)
	}
	return nil
}

func (c *RedisCache) RecordAlarm(ctx context.Context, deviceID int, metric string, state types.AlarmState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal alarm state: %w", err)
	}

	key := fmt.Sprintf("alarm:last:%d:%s", deviceID, metric)
	if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache alarm state: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
