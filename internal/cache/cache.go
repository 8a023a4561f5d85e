// Package cache provides an idle-expiring in-memory cache.
package cache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Entry represents a cached value
type Entry[V any] struct {
	Value     V
	ExpiresAt time.Time
	ttl       time.Duration
}

// IsExpired returns true if the entry has expired at now
func (e *Entry[V]) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Option configures a MemoryCache
type Option[V any] func(*MemoryCache[V])

// WithCleanupInterval sets how often expired entries are swept
func WithCleanupInterval[V any](d time.Duration) Option[V] {
	return func(c *MemoryCache[V]) {
		if d > 0 {
			c.cleanupInterval = d
		}
	}
}

// WithOnEvict registers a callback run after an entry expires.
// It is not called for Invalidate or InvalidateAll.
func WithOnEvict[V any](fn func(key string, v V)) Option[V] {
	return func(c *MemoryCache[V]) {
		c.onEvict = fn
	}
}

// WithCanEvict registers a predicate consulted before an expired entry is
// dropped. Returning false keeps the entry for another TTL.
func WithCanEvict[V any](fn func(key string, v V) bool) Option[V] {
	return func(c *MemoryCache[V]) {
		c.canEvict = fn
	}
}

// WithClock replaces time.Now, for tests
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *MemoryCache[V]) {
		if now != nil {
			c.now = now
		}
	}
}

// MemoryCache is an in-memory cache whose entries expire after a period of
// inactivity. Get and Touch extend an entry's lifetime.
type MemoryCache[V any] struct {
	mu      sync.Mutex
	entries map[string]*Entry[V]
	now     func() time.Time

	// loads collapses concurrent GetOrCreate calls for one key
	loads singleflight.Group

	onEvict  func(key string, v V)
	canEvict func(key string, v V) bool

	// For background cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once // Ensures Stop() is idempotent
	done            chan struct{}
}

// NewMemoryCache creates a new in-memory cache and starts its sweeper
func NewMemoryCache[V any](opts ...Option[V]) *MemoryCache[V] {
	c := &MemoryCache[V]{
		entries:         make(map[string]*Entry[V]),
		now:             time.Now,
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.cleanupLoop()
	return c
}

// Get returns the value for key and extends its lifetime
func (c *MemoryCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	entry.ExpiresAt = c.now().Add(entry.ttl)
	return entry.Value, true
}

// GetOrCreate returns the cached value for key, calling create when it is
// missing. create runs without the cache lock; concurrent callers for the
// same key wait for a single create. A failed create caches nothing.
func (c *MemoryCache[V]) GetOrCreate(key string, ttl time.Duration, create func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.loads.Do(key, func() (any, error) {
		// Another caller may have finished loading key while we waited
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := create()
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Set stores v under key with the given idle TTL
func (c *MemoryCache[V]) Set(key string, v V, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = &Entry[V]{Value: v, ttl: ttl, ExpiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Touch extends the lifetime of key. It reports whether key was present.
func (c *MemoryCache[V]) Touch(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if ok {
		entry.ExpiresAt = c.now().Add(entry.ttl)
	}
	return ok
}

// Invalidate removes an entry from the cache
func (c *MemoryCache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll removes all entries from the cache
func (c *MemoryCache[V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry[V])
	c.mu.Unlock()
}

// Range calls fn for each live entry until fn returns false. fn runs
// without the cache lock held.
func (c *MemoryCache[V]) Range(fn func(key string, v V) bool) {
	c.mu.Lock()
	snapshot := make(map[string]V, len(c.entries))
	for k, e := range c.entries {
		snapshot[k] = e.Value
	}
	c.mu.Unlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// cleanupLoop periodically removes expired entries
func (c *MemoryCache[V]) cleanupLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopCleanup:
			return
		}
	}
}

// Sweep removes expired entries now and returns how many were evicted
func (c *MemoryCache[V]) Sweep() int {
	type evicted struct {
		key string
		v   V
	}
	var out []evicted

	c.mu.Lock()
	now := c.now()
	for key, entry := range c.entries {
		if !entry.IsExpired(now) {
			continue
		}
		if c.canEvict != nil && !c.canEvict(key, entry.Value) {
			entry.ExpiresAt = now.Add(entry.ttl)
			continue
		}
		delete(c.entries, key)
		out = append(out, evicted{key, entry.Value})
	}
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, e := range out {
			c.onEvict(e.key, e.v)
		}
	}
	return len(out)
}

// Stop stops the background cleanup goroutine and waits for it to exit.
// Safe to call multiple times
func (c *MemoryCache[V]) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCleanup)
	})
	<-c.done
}

// Len returns the number of entries in the cache
func (c *MemoryCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
