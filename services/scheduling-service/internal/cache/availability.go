package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AvailabilityCache keeps rendered availability responses for a few seconds.
// Entries are keyed by a per-(shop, date) version; booking mutations bump the
// version so cancelled capacity shows up on the next read, and the short TTL
// bounds staleness even if the bump is lost.
type AvailabilityCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewAvailabilityCache(rdb *redis.Client, ttl time.Duration) *AvailabilityCache {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &AvailabilityCache{rdb: rdb, ttl: ttl}
}

func (c *AvailabilityCache) Get(ctx context.Context, shopID, date string, durationMinutes int) ([]byte, bool) {
	key, err := c.entryKey(ctx, shopID, date, durationMinutes)
	if err != nil {
		return nil, false
	}
	payload, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return payload, true
}

func (c *AvailabilityCache) Set(ctx context.Context, shopID, date string, durationMinutes int, payload []byte) {
	key, err := c.entryKey(ctx, shopID, date, durationMinutes)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, key, payload, c.ttl).Err()
}

// Invalidate bumps the version for (shop, date), orphaning every cached
// duration variant at once. Orphans expire on their own TTL.
func (c *AvailabilityCache) Invalidate(ctx context.Context, shopID, date string) {
	_ = c.rdb.Incr(ctx, versionKey(shopID, date)).Err()
}

func (c *AvailabilityCache) entryKey(ctx context.Context, shopID, date string, durationMinutes int) (string, error) {
	ver, err := c.rdb.Get(ctx, versionKey(shopID, date)).Int64()
	if err != nil && err != redis.Nil {
		return "", err
	}
	return fmt.Sprintf("avail:%s:%s:%d:v%d", shopID, date, durationMinutes, ver), nil
}

func versionKey(shopID, date string) string {
	return "availver:" + shopID + ":" + date
}
