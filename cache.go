package dualai

import (
	"sync"
	"time"
)

// Cache TTLs for provider responses. The signed URL is cached well below the
// provider's own ~15 minute validity as a safety margin.
const (
	SignedURLCacheTTL = 5 * time.Minute
	VoicesCacheTTL    = time.Hour
	TTSCacheTTL       = 24 * time.Hour
)

// Cache is an expiring key-value store used to avoid redundant provider
// calls. A read past expiry is a miss; a write always overwrites the prior
// value under the same key.
type Cache interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration)
	Delete(key string)
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// MemoryCache is an in-process Cache implementation safe for concurrent use.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the value stored under key, or (nil, false) when the key is
// absent or its entry has expired. Expired entries are removed lazily.
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		if current, still := c.entries[key]; still && c.now().After(current.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.value, true
}

// Set stores value under key for the given TTL, replacing any prior entry.
func (c *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
}

// Delete removes the entry under key, if any.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}
