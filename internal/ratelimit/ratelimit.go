// Package ratelimit implements the per-user distributed token bucket from
// spec §4.6: a fixed-window counter in the shared store, keyed by
// (user, window), with the limit resolved from the user's tier.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/howard-nolan/llmrouter/internal/sharedstore"
)

// Result is what Check returns.
type Result struct {
	Allowed         bool
	RetryAfter      time.Duration
	Current         int64
	Limit           int
}

// TierResolver maps a user identifier to its configured tier name (e.g.
// "free", "pro"). The gateway's user/tier mapping is external (spec §1:
// user authentication is accepted from an external collaborator) — this
// package only needs the resolved tier, not how it was determined.
type TierResolver func(userID string) string

// Limiter enforces per-user-per-minute limits resolved per tier.
type Limiter struct {
	store        sharedstore.Store
	limitsByTier map[string]int
	defaultTier  string
	resolveTier  TierResolver
	window       time.Duration
}

// New creates a Limiter. limitsByTier comes from the rateLimit.{tier}.
// perMinute config entries (spec §6); window is fixed at one minute to
// match "perMinute" but kept as a field so tests can shrink it.
func New(store sharedstore.Store, limitsByTier map[string]int, defaultTier string, resolveTier TierResolver) *Limiter {
	return &Limiter{
		store:        store,
		limitsByTier: limitsByTier,
		defaultTier:  defaultTier,
		resolveTier:  resolveTier,
		window:       time.Minute,
	}
}

// Check implements spec §4.6's `check(user, cost=1)`. cost is normally 1;
// the parameter exists so a future caller could charge more for a heavier
// request without changing the interface.
func (l *Limiter) Check(ctx context.Context, userID string, cost int64) (Result, error) {
	if cost <= 0 {
		cost = 1
	}

	tier := l.defaultTier
	if l.resolveTier != nil {
		if t := l.resolveTier(userID); t != "" {
			tier = t
		}
	}
	limit, ok := l.limitsByTier[tier]
	if !ok || limit <= 0 {
		limit = l.limitsByTier[l.defaultTier]
	}

	windowKey := fmt.Sprintf("ratelimit:%s:%d", userID, time.Now().Unix()/int64(l.window.Seconds()))

	var current int64
	var err error
	for i := int64(0); i < cost; i++ {
		current, err = l.store.Incr(ctx, windowKey, l.window)
		if err != nil {
			return Result{}, fmt.Errorf("ratelimit: incr: %w", err)
		}
	}

	if int(current) > limit {
		secondsIntoWindow := time.Now().Unix() % int64(l.window.Seconds())
		retryAfter := l.window - time.Duration(secondsIntoWindow)*time.Second
		return Result{Allowed: false, RetryAfter: retryAfter, Current: current, Limit: limit}, nil
	}
	return Result{Allowed: true, Current: current, Limit: limit}, nil
}
