// Package cache holds small in-process caches for hot lookups.
package cache

import (
	"sync"
	"time"
)

type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Purge()
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[K comparable, V any] struct {
	mu    sync.RWMutex
	now   func() time.Time
	items map[K]entry[V]
}

// NewTTLCache returns a map-backed cache. Expired entries are dropped on
// read.
func NewTTLCache[K comparable, V any]() Cache[K, V] {
	return NewTTLCacheWithClock[K, V](time.Now)
}

func NewTTLCacheWithClock[K comparable, V any](now func() time.Time) Cache[K, V] {
	if now == nil {
		now = time.Now
	}
	return &ttlCache[K, V]{now: now, items: make(map[K]entry[V])}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !item.expiresAt.IsZero() && !c.now().Before(item.expiresAt) {
		c.mu.Lock()
		if current, ok := c.items[key]; ok && current.expiresAt.Equal(item.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return item.value, true
}

// Set stores value; a non-positive ttl never expires.
func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Purge() {
	c.mu.Lock()
	c.items = make(map[K]entry[V])
	c.mu.Unlock()
}
