package geo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedResolver keeps resolved coordinates in Redis so every process sees the
// same point for an address and the geocoder is asked once.
type CachedResolver struct {
	next Resolver
	rdb  redis.Cmdable
	ttl  time.Duration
}

func NewCachedResolver(next Resolver, rdb redis.Cmdable, ttl time.Duration) *CachedResolver {
	return &CachedResolver{next: next, rdb: rdb, ttl: ttl}
}

func (c *CachedResolver) Resolve(ctx context.Context, address string) (Point, error) {
	key := "geo:" + Normalize(address)
	if raw, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var p Point
		if json.Unmarshal(raw, &p) == nil {
			return p, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		// Redis unreachable: resolve uncached.
		return c.next.Resolve(ctx, address)
	}

	p, err := c.next.Resolve(ctx, address)
	if err != nil {
		return Point{}, err
	}
	if raw, err := json.Marshal(p); err == nil {
		_ = c.rdb.Set(ctx, key, raw, c.ttl).Err()
	}
	return p, nil
}
