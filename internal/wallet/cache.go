package wallet

import (
	"context"
	"sync"
	"time"
)

// memoryCache is a single-writer/many-reader TTL cache used when no Redis
// endpoint is configured. It has no size bound: an expired entry stays in
// the map until it is overwritten or invalidated.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value     float64
	expiresAt time.Time
}

// NewMemoryCache returns an in-process Cache implementation.
func NewMemoryCache() Cache {
	return &memoryCache{entries: make(map[string]cacheEntry)}
}

func (c *memoryCache) Get(_ context.Context, key string) (float64, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return 0, false
	}
	return e.value, true
}

func (c *memoryCache) Set(_ context.Context, key string, value float64, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
}

func (c *memoryCache) Invalidate(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
