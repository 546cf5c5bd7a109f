package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers deduplication keys for a TTL.
type Deduper interface {
	// Claim records key and reports whether it had not been seen within ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// MemoryDeduper is a single-process Deduper.
type MemoryDeduper struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
	claims  int
}

// NewMemoryDeduper creates an in-memory deduper.
func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Claim implements Deduper.
func (d *MemoryDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.expires[key] = now.Add(ttl)

	// Sweep expired keys every so often so the map stays bounded by the TTL.
	d.claims++
	if d.claims%1024 == 0 {
		for k, exp := range d.expires {
			if !now.Before(exp) {
				delete(d.expires, k)
			}
		}
	}
	return true, nil
}

// RedisDeduper shares deduplication keys between processes using SET NX.
type RedisDeduper struct {
	client *redis.Client
	prefix string
}

// NewRedisDeduper creates a deduper on an existing client.
func NewRedisDeduper(client *redis.Client, prefix string) *RedisDeduper {
	if prefix == "" {
		prefix = "executor:dedup:"
	}
	return &RedisDeduper{client: client, prefix: prefix}
}

// NewRedisDeduperFromURL parses a redis:// URL and connects.
func NewRedisDeduperFromURL(ctx context.Context, url string) (*RedisDeduper, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisDeduper(client, ""), nil
}

// Claim implements Deduper.
func (d *RedisDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim dedup key: %w", err)
	}
	return ok, nil
}

// Close closes the underlying client.
func (d *RedisDeduper) Close() error {
	return d.client.Close()
}
