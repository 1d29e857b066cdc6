package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"fib-pocket-bot-go/internal/models"

	"github.com/redis/go-redis/v9"
)

// Cache stores the last sentiment snapshot for a short TTL.
type Cache interface {
	Get(ctx context.Context, key string) (models.Sentiment, bool, error)
	Set(ctx context.Context, key string, s models.Sentiment, ttl time.Duration) error
}

// MemoryCache is the in-process Cache used when redis is not configured.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     models.Sentiment
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) (models.Sentiment, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return models.Sentiment{}, false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, s models.Sentiment, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: s, expiresAt: c.now().Add(ttl)}
	return nil
}

// RedisCache keeps the snapshot as JSON under "sentiment:<key>".
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func cacheKey(key string) string {
	return "sentiment:" + key
}

func (c *RedisCache) Get(ctx context.Context, key string) (models.Sentiment, bool, error) {
	data, err := c.rdb.Get(ctx, cacheKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Sentiment{}, false, nil
	}
	if err != nil {
		return models.Sentiment{}, false, fmt.Errorf("redis: get sentiment %s: %w", key, err)
	}
	var s models.Sentiment
	if err := json.Unmarshal(data, &s); err != nil {
		return models.Sentiment{}, false, fmt.Errorf("redis: decode sentiment %s: %w", key, err)
	}
	return s, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, s models.Sentiment, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, cacheKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set sentiment %s: %w", key, err)
	}
	return nil
}
