package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	contextHashKeyPrefix = "punypage:ctxhash:"
	contextHashTTL       = 24 * time.Hour
)

// ContextCache remembers the hash of the document context last sent to the
// agent in each chat session.
type ContextCache interface {
	Get(ctx context.Context, sessionID string) (string, bool, error)
	Set(ctx context.Context, sessionID, hash string) error
	Delete(ctx context.Context, sessionID string) error
}

type RedisContextCache struct {
	client *redis.Client
}

func NewRedisContextCache(client *redis.Client) *RedisContextCache {
	return &RedisContextCache{client: client}
}

func (c *RedisContextCache) Get(ctx context.Context, sessionID string) (string, bool, error) {
	v, err := c.client.Get(ctx, contextHashKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *RedisContextCache) Set(ctx context.Context, sessionID, hash string) error {
	return c.client.Set(ctx, contextHashKeyPrefix+sessionID, hash, contextHashTTL).Err()
}

func (c *RedisContextCache) Delete(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, contextHashKeyPrefix+sessionID).Err()
}

type memoryEntry struct {
	hash    string
	expires time.Time
}

// MemoryContextCache is used when Redis is not configured.
type MemoryContextCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryContextCache() *MemoryContextCache {
	return &MemoryContextCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryContextCache) Get(_ context.Context, sessionID string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sessionID]
	if !ok {
		return "", false, nil
	}
	if c.now().After(e.expires) {
		delete(c.entries, sessionID)
		return "", false, nil
	}
	return e.hash, true, nil
}

func (c *MemoryContextCache) Set(_ context.Context, sessionID, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sessionID] = memoryEntry{hash: hash, expires: c.now().Add(contextHashTTL)}
	return nil
}

func (c *MemoryContextCache) Delete(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, sessionID)
	return nil
}
