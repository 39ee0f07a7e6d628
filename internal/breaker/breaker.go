// Package breaker implements the distributed circuit breaker registry from
// spec §4.10: one breaker per provider name, state stored in the shared
// store so every gateway instance observes the same closed/open/half_open
// transitions.
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/howard-nolan/llmrouter/internal/sharedstore"
)

// State is one of the three states from spec §4.10.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config tunes the breaker's thresholds (spec §6: breaker.failureThreshold,
// breaker.cooldownSeconds).
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 60 * time.Second}
}

// record is the JSON-serialized value stored at breaker:<provider>. It is
// the "serialized state record" spec §4.10 expects CAS to operate on.
type record struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	CooldownAt  time.Time `json:"cooldown_at"` // when an "open" state's cooldown elapses
	ProbeLease  string    `json:"probe_lease,omitempty"`
}

func (r record) marshal() string {
	b, _ := json.Marshal(r)
	return string(b)
}

func unmarshal(s string) (record, bool) {
	if s == "" {
		return record{State: Closed}, true
	}
	var r record
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return record{}, false
	}
	return r, true
}

// Registry manages one breaker per provider name. All transitions are a
// single sharedstore.CompareAndSwap call (spec §4.10's atomicity
// requirement). On a shared-store outage, Before fails open with a logged
// warning (spec §5: "on loss ... §4.10 fails-open (treat breaker as closed
// but log a warning)").
type Registry struct {
	store  sharedstore.Store
	cfg    Config
	logger *log.Logger
}

func New(store sharedstore.Store, cfg Config, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{store: store, cfg: cfg, logger: logger}
}

func key(provider string) string { return "breaker:" + provider }

// Before checks whether a call to provider may proceed. It returns
// (allowed=true, probe=true) only for the single winning half-open probe
// caller; all other callers in that window see allowed=false.
func (r *Registry) Before(ctx context.Context, provider string) (allowed bool, probe bool) {
	raw, found, err := r.store.Get(ctx, key(provider))
	if err != nil {
		r.logger.Printf("breaker: store unavailable for %q, failing open: %v", provider, err)
		return true, false
	}
	if !found {
		return true, false
	}
	rec, ok := unmarshal(raw)
	if !ok {
		r.logger.Printf("breaker: corrupt state for %q, failing open", provider)
		return true, false
	}

	switch rec.State {
	case Closed:
		return true, false
	case HalfOpen:
		// A probe already holds the half-open lease; everyone else waits.
		return false, false
	case Open:
		if time.Now().Before(rec.CooldownAt) {
			return false, false
		}
		// Cooldown elapsed: attempt to win the single probe slot via CAS.
		probeRec := record{State: HalfOpen, Failures: rec.Failures, LastFailure: rec.LastFailure, ProbeLease: newLease()}
		won, err := r.store.CompareAndSwap(ctx, key(provider), raw, probeRec.marshal(), r.cfg.Cooldown)
		if err != nil {
			r.logger.Printf("breaker: cas failed for %q, failing open: %v", provider, err)
			return true, false
		}
		return won, won
	default:
		return true, false
	}
}

// OnSuccess transitions the breaker to closed and resets the failure
// counter (spec §4.10: closed on success in any state).
func (r *Registry) OnSuccess(ctx context.Context, provider string) {
	r.transition(ctx, provider, func(rec record) record {
		return record{State: Closed, Failures: 0}
	})
}

// OnFailure increments the failure counter and opens the breaker once the
// threshold is reached.
func (r *Registry) OnFailure(ctx context.Context, provider string) {
	r.transition(ctx, provider, func(rec record) record {
		failures := rec.Failures + 1
		next := record{State: rec.State, Failures: failures, LastFailure: time.Now()}
		if rec.State == HalfOpen || failures >= r.cfg.FailureThreshold {
			next.State = Open
			next.CooldownAt = time.Now().Add(r.cfg.Cooldown)
		}
		return next
	})
}

// transition retries a bounded number of times against concurrent writers;
// each attempt is still a single atomic CAS, so retrying doesn't weaken the
// atomicity guarantee — it only protects against losing a race to another
// goroutine's OnFailure/OnSuccess in the same instant.
func (r *Registry) transition(ctx context.Context, provider string, next func(record) record) {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		raw, _, err := r.store.Get(ctx, key(provider))
		if err != nil {
			r.logger.Printf("breaker: store unavailable transitioning %q: %v", provider, err)
			return
		}
		cur, ok := unmarshal(raw)
		if !ok {
			cur = record{State: Closed}
		}
		updated := next(cur)
		won, err := r.store.CompareAndSwap(ctx, key(provider), raw, updated.marshal(), 0)
		if err != nil {
			r.logger.Printf("breaker: cas failed transitioning %q: %v", provider, err)
			return
		}
		if won {
			return
		}
	}
	r.logger.Printf("breaker: gave up transitioning %q after %d attempts (contention)", provider, maxAttempts)
}

// StateOf returns the provider's current state for selection ordering
// (spec §4.7) and for seeding admin/diagnostic views. Unknown providers
// read as Closed (never seen a failure).
func (r *Registry) StateOf(ctx context.Context, provider string) State {
	raw, found, err := r.store.Get(ctx, key(provider))
	if err != nil || !found {
		return Closed
	}
	rec, ok := unmarshal(raw)
	if !ok {
		return Closed
	}
	if rec.State == Open && !time.Now().Before(rec.CooldownAt) {
		return HalfOpen
	}
	return rec.State
}

func newLease() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
