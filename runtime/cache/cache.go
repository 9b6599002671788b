// Package cache provides a fingerprint-keyed computation cache used by
// reducer-style nodes. Keys are stable SHA-256 fingerprints over normalized
// input maps; concurrent computations for the same fingerprint are
// deduplicated so at most one runs at a time.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"goa.design/nodekit/runtime/canonical"
	"goa.design/nodekit/runtime/telemetry"
)

type (
	// EvictionPolicy selects keys to drop after a write. The default policy
	// never evicts.
	EvictionPolicy interface {
		// Select returns the keys to evict given the current key set.
		Select(keys []string) []string
	}

	// Stats reports cache effectiveness counters.
	Stats struct {
		Enabled   bool
		Entries   int
		Hits      uint64
		Misses    uint64
		Evictions uint64
	}

	entry struct {
		value     any
		createdAt time.Time
	}

	// Cache is a concurrency-safe fingerprint cache. A generation counter per
	// key guarantees that a value invalidated while a computation is in
	// flight is never stored or served.
	Cache struct {
		mu      sync.RWMutex
		enabled bool
		entries map[string]entry
		gens    map[string]uint64

		hits      uint64
		misses    uint64
		evictions uint64

		group  singleflight.Group
		policy EvictionPolicy
		logger telemetry.Logger
		now    func() time.Time
	}

	// Option configures a Cache.
	Option func(*Cache)
)

// WithEvictionPolicy installs an eviction policy evaluated after every Set.
func WithEvictionPolicy(p EvictionPolicy) Option {
	return func(c *Cache) { c.policy = p }
}

// WithLogger sets the cache logger. Defaults to a noop logger.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithDisabled constructs the cache in pass-through mode: Get always misses
// and Set stores nothing.
func WithDisabled() Option {
	return func(c *Cache) { c.enabled = false }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New constructs an enabled cache with no eviction.
func New(opts ...Option) *Cache {
	c := &Cache{
		enabled: true,
		entries: make(map[string]entry),
		gens:    make(map[string]uint64),
		logger:  telemetry.NewNoopLogger(),
		now:     time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

// Key computes the stable fingerprint of an input map: the canonical JSON
// encoding (sorted keys, no whitespace) hashed with SHA-256, lowercase hex.
func Key(input map[string]any) (string, error) {
	return canonical.SHA256Hex(input)
}

// Get returns the cached value for the key, if present.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		c.misses++
		return nil, false
	}
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Set stores a value under the key and applies the eviction policy.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	c.entries[key] = entry{value: value, createdAt: c.now()}
	var evict []string
	if c.policy != nil {
		keys := make([]string, 0, len(c.entries))
		for k := range c.entries {
			keys = append(keys, k)
		}
		evict = c.policy.Select(keys)
	}
	for _, k := range evict {
		if _, ok := c.entries[k]; ok {
			delete(c.entries, k)
			c.gens[k]++
			c.evictions++
		}
	}
	c.mu.Unlock()
}

// Invalidate removes the key and bumps its generation so any in-flight
// computation for the same key will not store or serve a stale value.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gens[key]++
	c.mu.Unlock()
	c.group.Forget(key)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	for k := range c.entries {
		delete(c.entries, k)
		c.gens[k]++
	}
	c.mu.Unlock()
}

// GetOrCompute returns the cached value for the key or runs compute to
// produce it. At most one computation per key runs at a time; concurrent
// callers join the in-flight computation and share its result. If the key is
// invalidated while the computation runs, its result is returned to callers
// but not stored.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: a concurrent compute may have stored.
		c.mu.RLock()
		if e, ok := c.entries[key]; ok && c.enabled {
			c.mu.RUnlock()
			return e.value, nil
		}
		gen := c.gens[key]
		c.mu.RUnlock()

		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.enabled && c.gens[key] == gen {
			c.entries[key] = entry{value: value, createdAt: c.now()}
		}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Enabled:   c.enabled,
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
