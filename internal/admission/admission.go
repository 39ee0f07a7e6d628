// Package admission implements the two-layer overload defense that
// precedes the pool coordinator (spec §4.2): a non-blocking local load
// shedder, and a backpressure retry helper for producers enqueueing onto a
// depth-limited shared stream.
package admission

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/howard-nolan/llmrouter/internal/sharedstore"
	"github.com/howard-nolan/llmrouter/internal/stageerr"
)

// ShedderConfig tunes the load shedder (spec §6: loadShed.enabled,
// loadShed.maxInFlight).
type ShedderConfig struct {
	Enabled     bool
	MaxInFlight int
}

// Shedder is a non-blocking token bucket sized for maxInFlight requests per
// second — a proxy for "in flight" capacity, not a literal concurrency
// counter (that's the pool coordinator's job); this layer exists purely to
// fail fast before any shared-store round trip when the instance is
// clearly overloaded.
type Shedder struct {
	enabled bool
	limiter *rate.Limiter
}

func NewShedder(cfg ShedderConfig) *Shedder {
	if !cfg.Enabled || cfg.MaxInFlight <= 0 {
		return &Shedder{enabled: false}
	}
	return &Shedder{enabled: true, limiter: rate.NewLimiter(rate.Limit(cfg.MaxInFlight), cfg.MaxInFlight)}
}

// Accept is non-blocking; it returns false when the bucket is empty. Per
// spec §4.2, rejection maps to stageerr.KindShedding.
func (s *Shedder) Accept() bool {
	if !s.enabled {
		return true
	}
	return s.limiter.Allow()
}

// BackpressureConfig tunes the retry loop guarding enqueue against a
// depth-limited stream (spec §6: queue.backpressureThresholdRatio,
// queue.maxDepth).
type BackpressureConfig struct {
	ThresholdRatio float64
	MaxDepth       int64
	BaseDelay      time.Duration
	Multiplier     float64
	MaxAttempts    int
}

func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		ThresholdRatio: 0.8,
		MaxDepth:       10_000,
		BaseDelay:      100 * time.Millisecond,
		Multiplier:     2,
		MaxAttempts:    5,
	}
}

// Enqueue retries enqueue (e.g. a sharedstore.StreamAdd call) with
// exponential backoff plus jitter whenever the stream named by streamName is
// at or above the configured threshold ratio of maxDepth, per spec §4.2's
// "backpressure retry". It gives up with stageerr.KindQueueFull after
// MaxAttempts.
func Enqueue(ctx context.Context, store sharedstore.Store, streamName string, cfg BackpressureConfig, enqueue func(context.Context) error) *stageerr.Error {
	delay := cfg.BaseDelay
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		depth, err := store.StreamLen(ctx, streamName)
		if err != nil {
			// A shared-store outage here is not this function's problem to
			// solve; surface it to the caller as an internal failure rather
			// than silently treating the stream as empty.
			return stageerr.Wrap(stageerr.KindInternal, "checking queue depth", err)
		}

		if cfg.MaxDepth <= 0 || float64(depth) < cfg.ThresholdRatio*float64(cfg.MaxDepth) {
			if err := enqueue(ctx); err != nil {
				return stageerr.Wrap(stageerr.KindInternal, "enqueueing job", err)
			}
			return nil
		}

		if attempt == cfg.MaxAttempts-1 {
			break
		}

		jittered := applyJitter(delay)
		select {
		case <-ctx.Done():
			return stageerr.Wrap(stageerr.KindQueueFull, "queue full, context cancelled during backoff", ctx.Err())
		case <-time.After(jittered):
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
	}
	return stageerr.New(stageerr.KindQueueFull, "queue at capacity after exhausting backpressure retries")
}

// applyJitter scales delay by a uniform random factor in [0.75, 1.25], the
// ±25% jitter spec §4.2 asks for.
func applyJitter(delay time.Duration) time.Duration {
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(delay) * jitter)
}
