package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/howard-nolan/llmrouter/internal/breaker"
)

// Factory builds a Provider instance from its configuration. Registered
// once per provider name; the actual instance is created lazily on first
// use (spec §4.7: "creation may allocate an HTTP client, so it is guarded
// by a mutex per name to avoid duplicate construction").
type Factory func(cfg Config) Provider

// Config is the configuration stored alongside a registered provider name —
// the per-provider block from the `providers` config list (spec §6).
type Config struct {
	Name    string
	Models  []string
	APIKey  string
	BaseURL string
}

// record is spec §3's ProviderRecord: name, factory reference,
// configuration, and the lazily-created instance. Exactly one instance per
// provider per process (spec §3's invariant) is enforced by initOnce.
type record struct {
	name     string
	cfg      Config
	factory  Factory
	initOnce sync.Once
	instance Provider
}

// Registry is the map from provider name to ProviderRecord described in
// spec §4.7, plus the circuit breaker registry every selectHealthy call
// consults.
type Registry struct {
	mu       sync.RWMutex
	order    []string // registration order, for selectHealthy's tie-break
	records  map[string]*record
	breakers *breaker.Registry
}

func NewRegistry(breakers *breaker.Registry) *Registry {
	return &Registry{records: make(map[string]*record), breakers: breakers}
}

// Register is synchronous and cheap: it stores references only, as spec
// §4.7 requires, deferring the (possibly HTTP-client-allocating)
// construction to the first Get call.
func (r *Registry) Register(name string, factory Factory, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[name]; !exists {
		r.order = append(r.order, name)
	}
	r.records[name] = &record{name: name, cfg: cfg, factory: factory}
}

// Get returns the provider instance for name, creating it on first call.
// The per-record sync.Once means concurrent first calls for the same name
// block on one construction rather than racing to build duplicate HTTP
// clients (spec §4.7).
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	rec, ok := r.records[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider: %q is not registered", name)
	}

	rec.initOnce.Do(func() {
		rec.instance = rec.factory(rec.cfg)
	})
	if rec.instance == nil {
		return nil, fmt.Errorf("provider: %q failed to initialize", name)
	}
	return rec.instance, nil
}

// Names returns every registered provider name in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// SelectHealthy implements spec §4.7's selection ordering: prefer match
// first, then circuit state (closed before half-open), then registration
// order as tie-break. exclude lists names already tried in this request's
// fan-out (spec §4.1 stage 5's "ask for the next healthy provider").
func (r *Registry) SelectHealthy(ctx context.Context, prefer string, exclude map[string]bool) (Provider, bool) {
	type candidate struct {
		name  string
		state breaker.State
	}

	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	r.mu.RUnlock()

	var candidates []candidate
	for _, name := range names {
		if exclude[name] {
			continue
		}
		state := breaker.Closed
		if r.breakers != nil {
			state = r.breakers.StateOf(ctx, name)
		}
		if state != breaker.Closed && state != breaker.HalfOpen {
			continue
		}
		candidates = append(candidates, candidate{name: name, state: state})
	}
	if len(candidates) == 0 {
		return nil, false
	}

	best := -1
	for i, c := range candidates {
		if best == -1 {
			best = i
			continue
		}
		if betterCandidate(c, candidates[best], prefer) {
			best = i
		}
	}

	p, err := r.Get(candidates[best].name)
	if err != nil {
		return nil, false
	}
	return p, true
}

func betterCandidate(a, b struct {
	name  string
	state breaker.State
}, prefer string) bool {
	aPrefers := prefer != "" && a.name == prefer
	bPrefers := prefer != "" && b.name == prefer
	if aPrefers != bPrefers {
		return aPrefers
	}
	aClosed := a.state == breaker.Closed
	bClosed := b.state == breaker.Closed
	if aClosed != bClosed {
		return aClosed
	}
	return false // registration order already reflected by iteration order
}
