package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger counts delivery attempts per message.
type Ledger interface {
	// Incr records an attempt and returns the running count, starting at 1.
	Incr(ctx context.Context, key string) (int, error)
	Reset(ctx context.Context, key string) error
}

// RedisLedger keeps counts in Redis so they survive restarts and are shared by
// every member of a group.
type RedisLedger struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisLedger(rdb redis.Cmdable, prefix string, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisLedger{rdb: rdb, prefix: prefix + ":attempts:", ttl: ttl}
}

func (l *RedisLedger) Incr(ctx context.Context, key string) (int, error) {
	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, l.prefix+key)
		pipe.Expire(ctx, l.prefix+key, l.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (l *RedisLedger) Reset(ctx context.Context, key string) error {
	return l.rdb.Del(ctx, l.prefix+key).Err()
}

// MemoryLedger is a process-local Ledger used when Redis is not configured.
type MemoryLedger struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{counts: make(map[string]int)}
}

func (l *MemoryLedger) Incr(_ context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[key]++
	return l.counts[key], nil
}

func (l *MemoryLedger) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.counts, key)
	return nil
}
