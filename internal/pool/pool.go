// Package pool implements the connection pool coordinator from spec §4.4:
// a global concurrency ceiling and a per-user fairness ceiling, both
// enforced through atomic shared-store operations so the limits hold across
// the whole fleet, with a process-local fallback when the shared store is
// unreachable.
package pool

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/howard-nolan/llmrouter/internal/sharedstore"
)

// AcquireResult is the outcome of Acquire, mirroring spec §4.4's state
// machine return values.
type AcquireResult string

const (
	Admitted        AcquireResult = "admitted"
	GlobalExhausted AcquireResult = "global_exhausted"
	UserExhausted   AcquireResult = "user_exhausted"
)

// Health is the pool health classification derived purely from the global
// counter (spec §4.4).
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthCritical  Health = "critical"
	HealthExhausted Health = "exhausted"
)

// Config tunes the pool's limits and health thresholds (spec §6:
// pool.globalMax, pool.perUserMax, pool.degradedAt, pool.criticalAt).
type Config struct {
	GlobalMax   int
	PerUserMax  int
	DegradedAt  float64
	CriticalAt  float64
}

func DefaultConfig() Config {
	return Config{GlobalMax: 10_000, PerUserMax: 3, DegradedAt: 0.7, CriticalAt: 0.9}
}

const globalKey = "pool:global"

func userKey(userID string) string  { return "pool:user:" + userID }
func threadsKey() string            { return "pool:threads" }

// Coordinator enforces Config's limits via sharedstore, falling back to
// process-local counters on shared-store outage (spec §4.4's "Local
// fallback").
type Coordinator struct {
	store  sharedstore.Store
	cfg    Config
	logger *log.Logger

	localMu     sync.Mutex
	localGlobal int
	localUsers  map[string]int
	localDown   bool // set when Acquire falls back to local counters, cleared when the store answers again
}

func New(store sharedstore.Store, cfg Config, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{store: store, cfg: cfg, logger: logger, localUsers: make(map[string]int)}
}

// Acquire implements spec §4.4's acquire state machine. Each counter update
// is its own atomic shared-store operation; the global increment, the user
// increment and the thread-set add are not batched into one transaction.
// A rejected attempt undoes its increments with compensating decrements
// (the spec's resolution to its own "Open Question" about
// per-user rollback on global_exhausted: always roll back the partial
// increment from a failed acquire, regardless of which limit tripped it).
func (c *Coordinator) Acquire(ctx context.Context, userID, threadID string) (AcquireResult, error) {
	globalCount, err := c.store.Incr(ctx, globalKey, 0)
	if err != nil {
		return c.acquireLocal(userID, threadID), nil
	}
	c.localMu.Lock()
	c.localDown = false
	c.localMu.Unlock()

	if int(globalCount) > c.cfg.GlobalMax {
		c.rollback(ctx, globalKey)
		return GlobalExhausted, nil
	}

	userCount, err := c.store.Incr(ctx, userKey(userID), 0)
	if err != nil {
		c.rollback(ctx, globalKey)
		return c.acquireLocal(userID, threadID), nil
	}
	if int(userCount) > c.cfg.PerUserMax {
		c.rollback(ctx, globalKey)
		c.rollback(ctx, userKey(userID))
		return UserExhausted, nil
	}

	if err := c.store.SetAdd(ctx, threadsKey(), threadID); err != nil {
		c.logger.Printf("pool: failed to record thread %q: %v", threadID, err)
	}

	return Admitted, nil
}

func (c *Coordinator) rollback(ctx context.Context, key string) {
	if _, err := c.store.Decr(ctx, key); err != nil {
		c.logger.Printf("pool: rollback decr %q failed: %v", key, err)
	}
}

// Release unconditionally decrements both counters and removes the thread
// identifier from the active set. It is idempotent: calling it twice for
// the same acquisition is safe because the shared store's decrement floors
// at zero and set-remove of an absent member is a no-op (spec §8).
func (c *Coordinator) Release(ctx context.Context, userID, threadID string) {
	if _, err := c.store.Decr(ctx, globalKey); err != nil {
		c.logger.Printf("pool: release decr global failed: %v", err)
		c.releaseLocal(userID, threadID)
		return
	}
	if _, err := c.store.Decr(ctx, userKey(userID)); err != nil {
		c.logger.Printf("pool: release decr user %q failed: %v", userID, err)
	}
	if err := c.store.SetRemove(ctx, threadsKey(), threadID); err != nil {
		c.logger.Printf("pool: release set-remove thread %q failed: %v", threadID, err)
	}
}

// HealthState classifies the pool's current utilization (spec §4.4). It is
// informational only — it never gates admission, which is governed purely
// by the hard counters in Acquire.
func (c *Coordinator) HealthState(ctx context.Context) Health {
	raw, found, err := c.store.Get(ctx, globalKey)
	if err != nil {
		c.localMu.Lock()
		defer c.localMu.Unlock()
		return c.classify(c.localGlobal)
	}
	if !found {
		return HealthHealthy
	}
	var n int
	fmt.Sscanf(raw, "%d", &n)
	return c.classify(n)
}

func (c *Coordinator) classify(count int) Health {
	if c.cfg.GlobalMax <= 0 {
		return HealthHealthy
	}
	ratio := float64(count) / float64(c.cfg.GlobalMax)
	switch {
	case count >= c.cfg.GlobalMax:
		return HealthExhausted
	case ratio >= c.cfg.CriticalAt:
		return HealthCritical
	case ratio >= c.cfg.DegradedAt:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// --- local fallback (spec §4.4: "a safety net, not a consistency promise")

func (c *Coordinator) acquireLocal(userID, threadID string) AcquireResult {
	c.localMu.Lock()
	defer c.localMu.Unlock()
	c.localDown = true

	if c.localGlobal+1 > c.cfg.GlobalMax {
		return GlobalExhausted
	}
	if c.localUsers[userID]+1 > c.cfg.PerUserMax {
		return UserExhausted
	}
	c.localGlobal++
	c.localUsers[userID]++
	return Admitted
}

func (c *Coordinator) releaseLocal(userID, threadID string) {
	c.localMu.Lock()
	defer c.localMu.Unlock()
	if c.localGlobal > 0 {
		c.localGlobal--
	}
	if c.localUsers[userID] > 0 {
		c.localUsers[userID]--
	}
}

// PerUserMax exposes the configured per-user ceiling for error payloads
// that need to report it (spec scenario S2's too_many_connections body).
func (c *Coordinator) PerUserMax() int { return c.cfg.PerUserMax }

// ActiveThreadCount returns the number of currently admitted threads, used
// by the admin surface and tests; best-effort against the shared store.
func (c *Coordinator) ActiveThreadCount(ctx context.Context) int64 {
	n, err := c.store.SetLen(ctx, threadsKey())
	if err != nil {
		return 0
	}
	return n
}
