// Package cache is a small time-boxed memo in front of the cloud backends,
// backed by ristretto.
package cache

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// entry keeps the caller's key next to the value so a hash collision inside
// ristretto can never return another key's result.
type entry[V any] struct {
	key   string
	value V
}

// Cache maps exact string keys to values with a per-entry TTL.
type Cache[V any] struct {
	rc *ristretto.Cache
}

// New creates a cache holding at most maxEntries values.
func New[V any](maxEntries int64) (*Cache[V], error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
		// Every entry costs 1, so MaxCost counts entries.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Cache[V]{rc: rc}, nil
}

// Get returns the value stored under exactly key.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	v, ok := c.rc.Get(key)
	if !ok {
		return zero, false
	}
	e, ok := v.(entry[V])
	if !ok || e.key != key {
		return zero, false
	}
	return e.value, true
}

// Put stores value under key for ttl. ristretto may drop a write under
// contention, so a later Get can miss; an accepted write is visible to Get
// once Put returns.
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) {
	if c == nil {
		return
	}
	if c.rc.SetWithTTL(key, entry[V]{key: key, value: value}, 1, ttl) {
		c.rc.Wait()
	}
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	if c == nil {
		return
	}
	c.rc.Del(key)
}

// Close releases the cache's goroutines.
func (c *Cache[V]) Close() {
	if c != nil {
		c.rc.Close()
	}
}
