// Package cache implements the two-tier response cache from spec §4.3: a
// bounded local LRU (L1) in front of the shared store (L2), with
// single-flight population so concurrent misses for the same key collapse
// into one upstream compute.
package cache

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/howard-nolan/llmrouter/internal/sharedstore"
)

// Stats mirrors what spec §4.3 asks L1 to track: hits, misses, hit-rate.
type Stats struct {
	Hits    int64
	Misses  int64
	HitRate float64
	Size    int
}

// Cache is the two-tier cache. The single-flight group operates at
// single-instance scope only (spec §4.3: "cross-instance duplicate fetches
// are accepted"), which is exactly what golang.org/x/sync/singleflight
// gives you — it coalesces calls within one process, nothing more.
type Cache struct {
	l1     *l1
	l2     sharedstore.Store
	group  singleflight.Group
	ttl    time.Duration
	logger *log.Logger
}

// New creates a Cache. l1Capacity and ttl come from cache.l1.maxSize and
// cache.ttlSeconds (spec §6).
func New(l2 sharedstore.Store, l1Capacity int, ttl time.Duration, logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.Default()
	}
	return &Cache{l1: newL1(l1Capacity), l2: l2, ttl: ttl, logger: logger}
}

// Get implements the read path from spec §4.3: L1 → on miss, L2 → on hit,
// populate L1 and return → on miss, return absent.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if v, ok := c.l1.get(key); ok {
		return v, true
	}

	v, found, err := c.l2.Get(ctx, key)
	if err != nil {
		// L2 failures are swallowed in the read path (spec §7): treat as a
		// miss rather than surfacing an error to the orchestrator.
		c.logger.Printf("cache: l2 get failed for %q: %v", key, err)
		return "", false
	}
	if !found {
		return "", false
	}
	c.l1.set(key, v, c.ttl)
	return v, true
}

// Set writes both tiers. L2 failures are logged but never invalidate the L1
// write (spec §4.3: "L2 failures are logged but do not invalidate L1").
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.l1.set(key, value, ttl)
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		c.logger.Printf("cache: l2 set failed for %q: %v", key, err)
	}
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.l1.delete(key)
	if err := c.l2.Delete(ctx, key); err != nil {
		c.logger.Printf("cache: l2 delete failed for %q: %v", key, err)
	}
}

// GetOrCompute implements spec §4.3's single-flight primitive: the first
// caller for a key checks both tiers, and on a genuine miss calls compute
// while holding the single-flight slot; concurrent callers for the same key
// subscribe to that one call instead of each hitting compute themselves. A
// successfully computed value is written to both tiers with the default TTL.
//
// The returned bool reports whether the value came from cache (true) or was
// freshly computed (false).
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute func(context.Context) (string, error)) (string, bool, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, true, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check after winning the single-flight slot: another instance's
		// write may have landed in L2 between our miss above and now.
		if v, ok := c.Get(ctx, key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return "", err
		}
		c.Set(ctx, key, v, 0)
		return v, nil
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), false, nil
}

// Stats reports L1 hit/miss counters for the admin surface.
func (c *Cache) Stats() Stats {
	hits, misses := c.l1.counts()
	return Stats{Hits: hits, Misses: misses, HitRate: c.l1.hitRate(), Size: c.l1.size()}
}
