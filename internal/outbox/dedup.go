package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper lets at-least-once consumers process each event id once
type Deduper interface {
	// Claim reports true the first time an event id is seen within the TTL
	Claim(ctx context.Context, eventID string) (bool, error)
	// Release forgets a claim whose processing failed
	Release(ctx context.Context, eventID string) error
}

// MemoryDeduper is a process-local Deduper
type MemoryDeduper struct {
	ttl  time.Duration
	seen map[string]time.Time
	mu   sync.Mutex
	now  func() time.Time

	sweepEvery int
	claims     int
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryDeduper{
		ttl:        ttl,
		seen:       make(map[string]time.Time),
		now:        time.Now,
		sweepEvery: 1024,
	}
}

func (d *MemoryDeduper) Claim(_ context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.claims++
	if d.claims%d.sweepEvery == 0 {
		for id, exp := range d.seen {
			if now.After(exp) {
				delete(d.seen, id)
			}
		}
	}

	if exp, ok := d.seen[eventID]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[eventID] = now.Add(d.ttl)
	return true, nil
}

func (d *MemoryDeduper) Release(_ context.Context, eventID string) error {
	d.mu.Lock()
	delete(d.seen, eventID)
	d.mu.Unlock()
	return nil
}

// RedisDeduper shares claims between consumers with SET NX
type RedisDeduper struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(rdb *redis.Client, prefix string, ttl time.Duration) *RedisDeduper {
	if prefix == "" {
		prefix = "stop_engine:seen:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, d.prefix+eventID, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: setnx %s: %w", eventID, err)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, eventID string) error {
	if err := d.rdb.Del(ctx, d.prefix+eventID).Err(); err != nil {
		return fmt.Errorf("redis: del %s: %w", eventID, err)
	}
	return nil
}
