package cache

import (
	"sync"
	"time"

	"github.com/lyzr/gridflow/common/logger"
)

// Cache is a small read-through cache for hot lookups (active versions,
// resolved graphs). Entries expire on a fixed TTL; correctness never
// depends on the cache, only latency.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Delete(key string)
	Close() error
}

type entry struct {
	value     any
	expiresAt time.Time
}

// MemoryCache is an in-process TTL cache
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	stop    chan struct{}
	log     *logger.Logger
}

// NewMemoryCache creates a cache with a background janitor
func NewMemoryCache(ttl time.Duration, log *logger.Logger) *MemoryCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &MemoryCache{
		entries: make(map[string]entry),
		ttl:     ttl,
		stop:    make(chan struct{}),
		log:     log,
	}
	go c.janitor()
	return c
}

// Get returns a live entry
func (c *MemoryCache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Set stores a value with the default TTL
func (c *MemoryCache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Delete removes a key
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Close stops the janitor
func (c *MemoryCache) Close() error {
	close(c.stop)
	return nil
}

func (c *MemoryCache) janitor() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
