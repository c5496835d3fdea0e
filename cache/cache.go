// Package cache provides a bounded, expiring cache of values derived from a key,
// such as per-credential clients or signed tokens.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// BuildFunc derives the value for a key on a cache miss.
type BuildFunc[K comparable, V any] func(key K) (V, error)

// Cache holds at most Size entries, each for at most TTL after it was built.
// It is safe for concurrent use. Build failures are not cached.
type Cache[K comparable, V any] struct {
	lru   *expirable.LRU[K, V]
	build BuildFunc[K, V]

	// mu serializes builds so concurrent misses on a key build once.
	mu sync.Mutex
}

// New creates a cache with the given bound and lifetime. A ttl of zero keeps
// entries until they are evicted by size.
func New[K comparable, V any](size int, ttl time.Duration, build BuildFunc[K, V]) *Cache[K, V] {
	if size <= 0 {
		size = 128
	}
	return &Cache[K, V]{
		lru:   expirable.NewLRU[K, V](size, nil, ttl),
		build: build,
	}
}

// Get returns the cached value for key, building it if absent or expired.
func (c *Cache[K, V]) Get(key K) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}

	v, err := c.build(key)
	if err != nil {
		var zero V
		return zero, err
	}
	c.lru.Add(key, v)
	return v, nil
}

// Invalidate drops key so the next Get rebuilds it.
func (c *Cache[K, V]) Invalidate(key K) {
	c.lru.Remove(key)
}

// Purge drops every entry.
func (c *Cache[K, V]) Purge() {
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	return c.lru.Len()
}
