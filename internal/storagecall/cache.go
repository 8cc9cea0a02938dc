package storagecall

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// InMemoryResultCache is the default ResultCache: a map guarded by a
// mutex with a background eviction loop, adapted from oriys-nova's
// cache.InMemoryCache (its Get/Exists pair is collapsed here into a single
// (value, found, err) return since storagecall's ResultCache interface has
// no separate Exists operation).
type InMemoryResultCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	closed  bool
	done    chan struct{}
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// NewInMemoryResultCache creates an InMemoryResultCache with a periodic
// eviction sweep.
func NewInMemoryResultCache() *InMemoryResultCache {
	c := &InMemoryResultCache{entries: make(map[string]memEntry), done: make(chan struct{})}
	go c.evictLoop()
	return c
}

func (c *InMemoryResultCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.expired() {
		return nil, false, nil
	}
	cp := make([]byte, len(e.value))
	copy(cp, e.value)
	return cp, true, nil
}

func (c *InMemoryResultCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	c.entries[key] = memEntry{value: cp, expiresAt: expiresAt}
	return nil
}

// Close stops the eviction loop.
func (c *InMemoryResultCache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
}

func (c *InMemoryResultCache) evictLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			for key, e := range c.entries {
				if e.expired() {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// RedisResultCache is an opt-in distributed ResultCache backend, adapted
// from oriys-nova's cache.RedisCache for storage-call memoization across
// multiple runtime processes sharing one Redis instance.
type RedisResultCache struct {
	client *redis.Client
	prefix string
}

// RedisResultCacheConfig configures a RedisResultCache.
type RedisResultCacheConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisResultCache creates a RedisResultCache.
func NewRedisResultCache(cfg RedisResultCacheConfig) *RedisResultCache {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "kvmruntime:storagecall:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisResultCache{client: client, prefix: prefix}
}

func (c *RedisResultCache) key(k string) string { return c.prefix + k }

func (c *RedisResultCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisResultCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.key(key), value, ttl).Err()
}

// Close releases the underlying Redis client.
func (c *RedisResultCache) Close() error { return c.client.Close() }
