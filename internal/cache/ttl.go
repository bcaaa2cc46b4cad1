// Package cache provides a single-value TTL cache with an injectable clock.
package cache

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock func() time.Time

// TTL holds one value until it expires or is invalidated.
type TTL[T any] struct {
	ttl time.Duration
	now Clock

	mu        sync.RWMutex
	value     T
	loaded    bool
	expiresAt time.Time
	// generation is bumped by Invalidate so a load that started before an
	// invalidation cannot repopulate the cache with stale data.
	generation uint64
}

// NewTTL creates a cache. A nil clock uses time.Now.
func NewTTL[T any](ttl time.Duration, now Clock) *TTL[T] {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &TTL[T]{ttl: ttl, now: now}
}

// Get returns the cached value if present and fresh.
func (c *TTL[T]) Get() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.loaded || !c.now().Before(c.expiresAt) {
		var zero T
		return zero, false
	}
	return c.value, true
}

// Generation returns a token to pass to SetIf.
func (c *TTL[T]) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Set stores value and restarts the TTL.
func (c *TTL[T]) Set(value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(value)
}

// SetIf stores value only if no invalidation happened since generation was read.
func (c *TTL[T]) SetIf(generation uint64, value T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != generation {
		return false
	}
	c.store(value)
	return true
}

func (c *TTL[T]) store(value T) {
	c.value = value
	c.loaded = true
	c.expiresAt = c.now().Add(c.ttl)
}

// Invalidate drops the cached value.
func (c *TTL[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	c.value = zero
	c.loaded = false
	c.generation++
}
