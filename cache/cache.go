package cache

import (
	"sync"
)

// Cache is a small thread-safe generic map used to memoize remote facts
// for the lifetime of a session (dpkg status probes, path existence
// checks). Entries never expire; the cache is discarded with the session.
type Cache[K comparable, V any] struct {
	mu    sync.RWMutex
	store map[K]V
}

// New creates an empty Cache.
func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{store: make(map[K]V)}
}

// Set adds or replaces an entry.
func (c *Cache[K, V]) Set(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[k] = v
}

// Get retrieves an entry. The second return value reports presence.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.store[k]
	return v, ok
}

// GetOrCompute returns the cached value for k, computing and storing it
// via fn on a miss. A failed computation is not cached.
func (c *Cache[K, V]) GetOrCompute(k K, fn func() (V, error)) (V, error) {
	if v, ok := c.Get(k); ok {
		return v, nil
	}
	v, err := fn()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(k, v)
	return v, nil
}

// Delete removes an entry if present.
func (c *Cache[K, V]) Delete(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, k)
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
