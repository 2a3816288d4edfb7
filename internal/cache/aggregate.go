// Package cache provides the time-bounded aggregate cache and the Redis
// mirror serving computed compliance state to external readers.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/HendrickFS/bio-supply-twin/internal/metrics"
)

// ComputeFunc produces the value for a cache key
type ComputeFunc func(ctx context.Context) (interface{}, error)

// entry is one cache slot. Lifecycle: Empty -> Computing -> Ready ->
// (TTL expired | invalidated) -> Empty.
type entry struct {
	// ready is closed once the computation finishes
	ready chan struct{}
	// gen is the invalidation generation observed when the computation
	// started; a result whose gen is older than the key's current
	// generation is discarded, not cached
	gen        uint64
	value      interface{}
	err        error
	computedAt time.Time
}

func (e *entry) done() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// AggregateCache is a TTL cache with a single-flight guarantee: concurrent
// callers for the same key share one in-flight computation. Waiters block
// at most WaitTimeout before falling back to their own computation, so a
// hung computation cannot cascade into stalled readers.
type AggregateCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	gens    map[string]uint64

	defaultTTL  time.Duration
	waitTimeout time.Duration
	log         *logrus.Logger
}

// NewAggregateCache creates an aggregate cache
func NewAggregateCache(defaultTTL, waitTimeout time.Duration, log *logrus.Logger) *AggregateCache {
	return &AggregateCache{
		entries:     make(map[string]*entry),
		gens:        make(map[string]uint64),
		defaultTTL:  defaultTTL,
		waitTimeout: waitTimeout,
		log:         log,
	}
}

// GetOrCompute returns the cached value for key if it is younger than ttl,
// otherwise computes it. At most one computation per key runs at a time;
// a ttl of zero uses the cache default. Compute errors propagate to the
// caller and are never cached.
func (c *AggregateCache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn ComputeFunc) (interface{}, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	collector := metrics.GetCollector()

	c.mu.Lock()
	gen := c.gens[key]
	e := c.entries[key]

	if e != nil && e.done() {
		if e.err == nil && e.gen == gen && time.Since(e.computedAt) < ttl {
			value := e.value
			c.mu.Unlock()
			collector.RecordCacheHit(key)
			return value, nil
		}
		// Expired or superseded
		delete(c.entries, key)
		e = nil
	}

	if e != nil {
		// Another caller is computing; share its result
		c.mu.Unlock()
		collector.RecordCacheMiss(key)

		select {
		case <-e.ready:
			c.mu.Lock()
			currentGen := c.gens[key]
			c.mu.Unlock()
			if e.err == nil && e.gen == currentGen {
				collector.RecordCacheShared(key)
				return e.value, nil
			}
			// The shared result failed or was invalidated while in
			// flight; compute independently
			return c.compute(ctx, key, fn, false)
		case <-time.After(c.waitTimeout):
			// Bounded wait: fall back to an independent computation
			// rather than stalling behind a hung one
			collector.RecordCacheFallback(key)
			c.log.WithField("key", key).Warn("Cache wait timeout, falling back to own computation")
			return c.compute(ctx, key, fn, false)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// This caller owns the computation
	e = &entry{ready: make(chan struct{}), gen: gen}
	c.entries[key] = e
	c.mu.Unlock()
	collector.RecordCacheMiss(key)

	value, err := fn(ctx)

	c.mu.Lock()
	e.value = value
	e.err = err
	e.computedAt = time.Now()
	close(e.ready)

	if err != nil || e.gen != c.gens[key] {
		// Stale-write rejection: a result computed against a snapshot
		// older than the current invalidation generation is discarded.
		// Errors likewise leave the entry absent so the next caller
		// retries.
		if c.entries[key] == e {
			delete(c.entries, key)
		}
		if err == nil {
			collector.RecordCacheStaleDiscard(key)
		}
	}
	c.mu.Unlock()

	return value, err
}

// compute runs fn without registering as the key's in-flight entry. The
// result is still installed if it is fresh against the generation observed
// at start, so fallback computations are not wasted.
func (c *AggregateCache) compute(ctx context.Context, key string, fn ComputeFunc, _ bool) (interface{}, error) {
	c.mu.Lock()
	gen := c.gens[key]
	c.mu.Unlock()

	value, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gens[key] == gen {
		if existing := c.entries[key]; existing == nil || existing.done() {
			e := &entry{gen: gen, value: value, computedAt: time.Now(), ready: make(chan struct{})}
			close(e.ready)
			c.entries[key] = e
		}
	} else {
		metrics.GetCollector().RecordCacheStaleDiscard(key)
	}
	c.mu.Unlock()

	return value, nil
}

// Invalidate removes the entry for key immediately, regardless of TTL,
// and bumps its generation so that any computation already in flight is
// discarded instead of cached.
func (c *AggregateCache) Invalidate(key string) {
	c.mu.Lock()
	c.gens[key]++
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll invalidates every key the cache has ever seen
func (c *AggregateCache) InvalidateAll() {
	c.mu.Lock()
	for key := range c.gens {
		c.gens[key]++
	}
	for key := range c.entries {
		c.gens[key]++
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

// Len returns the number of ready or in-flight entries, for stats
func (c *AggregateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
