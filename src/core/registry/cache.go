package registry

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ResponseCache caches discovery responses with a TTL. Any write to the
// store invalidates the whole cache; readers may observe entries at most
// one invalidation epoch stale.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	enabled bool
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// NewResponseCache creates a cache with the given TTL in seconds. A
// disabled cache accepts writes and always misses.
func NewResponseCache(ttlSeconds int, enabled bool) *ResponseCache {
	return &ResponseCache{
		entries: make(map[string]cacheEntry),
		ttl:     time.Duration(ttlSeconds) * time.Second,
		enabled: enabled,
	}
}

// Get returns the cached value for key, or nil on miss or expiry.
func (c *ResponseCache) Get(key string) interface{} {
	if !c.enabled {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[key]
	if !exists || time.Now().After(entry.expiresAt) {
		return nil
	}

	return entry.value
}

// Set stores a value under key.
func (c *ResponseCache) Set(key string, value interface{}) {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// InvalidateAll drops every entry. Called on any store mutation.
func (c *ResponseCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cacheEntry)
}

// Key builds a cache key from request parameters.
func (c *ResponseCache) Key(prefix string, params interface{}) string {
	data, _ := json.Marshal(params)
	hash := md5.Sum(data)
	return fmt.Sprintf("%s:%x", prefix, hash)
}
