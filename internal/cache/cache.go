// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package cache

import (
	"sync"
	"time"
)

const janitorInterval = 5 * time.Minute

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLStats counts lookups against a TTL cache.
type TTLStats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	Size        int
	LastCleanup time.Time
}

// TTL is a process-local map whose entries expire. The GeoIP resolver uses
// it for positive and negative lookups; it is not shared across replicas.
type TTL[V any] struct {
	mu      sync.Mutex
	entries map[string]ttlEntry[V]
	ttl     time.Duration
	stats   TTLStats
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTTL creates a cache with default entry lifetime ttl and starts its
// janitor. Call Close to stop the janitor.
func NewTTL[V any](ttl time.Duration) *TTL[V] {
	c := &TTL[V]{
		entries: make(map[string]ttlEntry[V]),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	c.stats.LastCleanup = c.now()
	go c.janitor(janitorInterval)
	return c
}

// Get returns the live value for key. An expired entry is removed and
// reported as a miss.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	switch {
	case !ok:
		c.stats.Misses++
	case c.now().After(e.expiresAt):
		delete(c.entries, key)
		c.stats.Misses++
		c.stats.Evictions++
		c.stats.Size = len(c.entries)
		ok = false
	default:
		c.stats.Hits++
		return e.value, true
	}
	var zero V
	return zero, ok
}

// Put stores value with the default lifetime.
func (c *TTL[V]) Put(key string, value V) {
	c.PutFor(key, value, c.ttl)
}

// PutFor stores value with lifetime ttl.
func (c *TTL[V]) PutFor(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = ttlEntry[V]{value: value, expiresAt: c.now().Add(ttl)}
	c.stats.Size = len(c.entries)
	c.mu.Unlock()
}

// Forget drops key.
func (c *TTL[V]) Forget(key string) {
	c.mu.Lock()
	if _, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.stats.Evictions++
		c.stats.Size = len(c.entries)
	}
	c.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (c *TTL[V]) Stats() TTLStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close stops the janitor. It is safe to call more than once.
func (c *TTL[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *TTL[V]) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.purge()
		}
	}
}

func (c *TTL[V]) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			c.stats.Evictions++
		}
	}
	c.stats.Size = len(c.entries)
	c.stats.LastCleanup = now
}
