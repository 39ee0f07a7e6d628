// Package orchestrator drives the numbered request lifecycle from spec
// §4.1, wiring together every other coordination component into the lazy
// StreamEvent sequence the server writes out as SSE.
package orchestrator

import (
	"context"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/howard-nolan/llmrouter/internal/breaker"
	"github.com/howard-nolan/llmrouter/internal/cache"
	"github.com/howard-nolan/llmrouter/internal/gateway"
	"github.com/howard-nolan/llmrouter/internal/pool"
	"github.com/howard-nolan/llmrouter/internal/provider"
	"github.com/howard-nolan/llmrouter/internal/queue"
	"github.com/howard-nolan/llmrouter/internal/ratelimit"
	"github.com/howard-nolan/llmrouter/internal/stageerr"
	"github.com/howard-nolan/llmrouter/internal/tracker"
	"github.com/howard-nolan/llmrouter/internal/validator"
)

// Config tunes stage timeouts and the provider fan-out (spec §5, §4.1).
type Config struct {
	ValidationTimeout      time.Duration
	CacheLookupTimeout     time.Duration
	RateLimitTimeout       time.Duration
	ProviderConnectTimeout time.Duration
	CacheTTL               time.Duration
	ProviderFanout         int
	QueueEnabled           bool
}

func DefaultConfig() Config {
	return Config{
		ValidationTimeout:      100 * time.Millisecond,
		CacheLookupTimeout:     500 * time.Millisecond,
		RateLimitTimeout:       100 * time.Millisecond,
		ProviderConnectTimeout: 60 * time.Second,
		CacheTTL:               time.Hour,
		ProviderFanout:         2,
		QueueEnabled:           false,
	}
}

// Orchestrator owns no state of its own beyond wiring; every counter or
// cache it touches belongs to the component that implements it (spec §3's
// ownership rule).
type Orchestrator struct {
	validator   *validator.Validator
	cache       *cache.Cache
	pool        *pool.Coordinator
	rateLimiter *ratelimit.Limiter
	providers   *provider.Registry
	breakers    *breaker.Registry
	tracker     *tracker.Tracker
	submitter   *queue.Submitter
	cfg         Config
	logger      *log.Logger

	// Runtime knobs mutable via the admin config endpoint (spec §6's
	// "read and update runtime knobs: sample rate, caching on/off, queue
	// selection"). Sample rate lives on the tracker itself; these two
	// cover the remaining knobs.
	cachingEnabled atomic.Bool
	queueEnabled   atomic.Bool
}

func New(
	v *validator.Validator,
	c *cache.Cache,
	p *pool.Coordinator,
	rl *ratelimit.Limiter,
	providers *provider.Registry,
	breakers *breaker.Registry,
	t *tracker.Tracker,
	submitter *queue.Submitter,
	cfg Config,
	logger *log.Logger,
) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	o := &Orchestrator{
		validator: v, cache: c, pool: p, rateLimiter: rl,
		providers: providers, breakers: breakers, tracker: t,
		submitter: submitter, cfg: cfg, logger: logger,
	}
	o.cachingEnabled.Store(true)
	o.queueEnabled.Store(cfg.QueueEnabled)
	return o
}

// SetCachingEnabled toggles stage 2/6 cache participation at runtime.
func (o *Orchestrator) SetCachingEnabled(enabled bool) { o.cachingEnabled.Store(enabled) }

// SetQueueEnabled toggles queue failover delegation at runtime.
func (o *Orchestrator) SetQueueEnabled(enabled bool) { o.queueEnabled.Store(enabled) }

// RuntimeSnapshot reports the current values of every admin-mutable knob,
// for GET /api/v1/admin/config.
type RuntimeSnapshot struct {
	SampleRate     float64 `json:"sample_rate"`
	CachingEnabled bool    `json:"caching_enabled"`
	QueueEnabled   bool    `json:"queue_enabled"`
}

func (o *Orchestrator) Snapshot(sampleRate float64) RuntimeSnapshot {
	return RuntimeSnapshot{
		SampleRate:     sampleRate,
		CachingEnabled: o.cachingEnabled.Load(),
		QueueEnabled:   o.queueEnabled.Load(),
	}
}

// Prepared is the outcome of the pre-stream pipeline: either a cache hit
// ready to flush immediately, or a validated request ready to enter stage
// 5's provider fan-out.
type Prepared struct {
	Request       gateway.Request
	CachedContent string
	FromCache     bool
}

// Prepare runs stages 1–4 (validation, cache lookup, rate limit, provider
// selection) synchronously so the server can choose an HTTP status code
// before any SSE byte is written (spec §6: pre-stream failures map to
// 400/429/503, never an SSE error frame).
func (o *Orchestrator) Prepare(ctx context.Context, req gateway.Request) (Prepared, *stageerr.Error) {
	vScope := o.tracker.Begin(gateway.StageValidation, req.ThreadID, false)
	validated, verr := o.validator.Validate(req)
	if verr != nil {
		vScope.End(tracker.OutcomeError, nil)
		return Prepared{}, verr
	}
	vScope.End(tracker.OutcomeSuccess, nil)
	req = validated

	cScope := o.tracker.Begin(gateway.StageCache, req.ThreadID, false)
	if o.cachingEnabled.Load() {
		cctx, cancel := context.WithTimeout(ctx, o.cfg.CacheLookupTimeout)
		v, hit := o.cache.Get(cctx, cache.Fingerprint(req))
		cancel()
		if hit {
			cScope.End(tracker.OutcomeHit, nil)
			hScope := o.tracker.Begin(gateway.StageCacheHit, req.ThreadID, false)
			hScope.End(tracker.OutcomeSuccess, nil)
			return Prepared{Request: req, CachedContent: v, FromCache: true}, nil
		}
	}
	cScope.End(tracker.OutcomeSuccess, nil)
	mScope := o.tracker.Begin(gateway.StageCacheMiss, req.ThreadID, false)
	mScope.End(tracker.OutcomeSuccess, nil)

	rctx, cancel2 := context.WithTimeout(ctx, o.cfg.RateLimitTimeout)
	defer cancel2()
	rScope := o.tracker.Begin(gateway.StageRateLimit, req.ThreadID, false)
	result, err := o.rateLimiter.Check(rctx, req.UserID, 1)
	if err != nil {
		rScope.End(tracker.OutcomeError, nil)
		return Prepared{}, stageerr.Wrap(stageerr.KindInternal, "rate limit check failed", err)
	}
	if !result.Allowed {
		rScope.End(tracker.OutcomeError, nil)
		return Prepared{}, stageerr.New(stageerr.KindRateLimited, "rate limit exceeded").WithDetails(map[string]any{
			"retry_after_seconds": result.RetryAfter.Seconds(),
			"limit":               result.Limit,
		})
	}
	rScope.End(tracker.OutcomeSuccess, nil)

	pScope := o.tracker.Begin(gateway.StageProviderPick, req.ThreadID, false)
	if _, ok := o.providers.SelectHealthy(ctx, req.Provider, nil); !ok {
		pScope.End(tracker.OutcomeError, nil)
		return Prepared{}, stageerr.New(stageerr.KindAllProviders, "no healthy provider available")
	}
	pScope.End(tracker.OutcomeSuccess, nil)

	return Prepared{Request: req, FromCache: false}, nil
}

// Stream runs stages 5–6 as a lazy sequence of events. Callers that already
// committed to a 200 response read from this channel until it closes.
func (o *Orchestrator) Stream(ctx context.Context, p Prepared) <-chan gateway.StreamEvent {
	out := make(chan gateway.StreamEvent)
	go func() {
		defer close(out)
		if p.FromCache {
			if send(ctx, out, gateway.Chunk(p.CachedContent)) {
				send(ctx, out, gateway.Done())
			}
			return
		}
		o.streamFromProvider(ctx, p.Request, out)
	}()
	return out
}

func (o *Orchestrator) streamFromProvider(ctx context.Context, req gateway.Request, out chan<- gateway.StreamEvent) {
	exclude := make(map[string]bool)

	for attempt := 1; attempt <= o.cfg.ProviderFanout; attempt++ {
		psScope := o.tracker.Begin(gateway.StageProviderPick, req.ThreadID, false)
		prov, ok := o.providers.SelectHealthy(ctx, req.Provider, exclude)
		if !ok {
			psScope.End(tracker.OutcomeError, nil)
			send(ctx, out, gateway.ErrorEvent(string(stageerr.KindAllProviders), "no healthy provider available", nil))
			return
		}
		psScope.End(tracker.OutcomeSuccess, nil)

		allowed, _ := o.breakers.Before(ctx, prov.Name())
		if !allowed {
			exclude[prov.Name()] = true
			continue
		}

		streamScope := o.tracker.Begin(gateway.StageStreaming, req.ThreadID, false)
		pctx, cancel := context.WithTimeout(ctx, o.cfg.ProviderConnectTimeout)
		chunks, err := prov.Stream(pctx, toChatRequest(req))
		if err != nil {
			cancel()
			streamScope.End(tracker.OutcomeError, nil)
			o.breakers.OnFailure(ctx, prov.Name())
			exclude[prov.Name()] = true
			continue
		}

		var full strings.Builder
		sentAny := false
		var failErr error

	drain:
		for c := range chunks {
			switch {
			case c.Error != nil:
				failErr = c.Error
				break drain
			case c.Delta != "":
				full.WriteString(c.Delta)
				sentAny = true
				if !send(ctx, out, gateway.Chunk(c.Delta)) {
					cancel()
					streamScope.End(tracker.OutcomeCancelled, nil)
					return
				}
			}
			if c.Done {
				break drain
			}
		}
		cancel()

		if failErr != nil {
			streamScope.End(tracker.OutcomeError, nil)
			o.breakers.OnFailure(ctx, prov.Name())
			if !sentAny {
				// spec §4.1 stage 5: a failure before any chunk asks the
				// registry for the next healthy provider and restarts.
				exclude[prov.Name()] = true
				continue
			}
			send(ctx, out, gateway.ErrorEvent(string(stageerr.KindProviderStream), failErr.Error(), nil))
			return
		}

		streamScope.End(tracker.OutcomeSuccess, nil)
		o.breakers.OnSuccess(ctx, prov.Name())

		popScope := o.tracker.Begin(gateway.StageCachePopulate, req.ThreadID, false)
		if o.cachingEnabled.Load() && ctx.Err() == nil {
			// Open Question resolution: never populate the cache when the
			// client already disconnected after the provider finished.
			o.cache.Set(context.Background(), cache.Fingerprint(req), full.String(), o.cfg.CacheTTL)
		}
		popScope.End(tracker.OutcomeSuccess, nil)

		send(ctx, out, gateway.Done())
		return
	}

	send(ctx, out, gateway.ErrorEvent(string(stageerr.KindAllProviders), "provider fan-out exhausted", nil))
}

// Dispatch is the top-level entry point: it acquires a pool slot, runs
// Prepare synchronously, and on success returns a channel of stage 5/6
// events with stage 7 cleanup (release + tracker finalize) guaranteed on
// every exit path. On pool exhaustion it either delegates to the queue
// failover subsystem or returns the pre-stream error directly.
func (o *Orchestrator) Dispatch(ctx context.Context, req gateway.Request) (<-chan gateway.StreamEvent, *stageerr.Error) {
	result, err := o.pool.Acquire(ctx, req.UserID, req.ThreadID)
	if err != nil {
		return nil, stageerr.Wrap(stageerr.KindInternal, "pool acquire failed", err)
	}

	switch result {
	case pool.Admitted:
		return o.runAdmitted(ctx, req)
	case pool.GlobalExhausted:
		if o.queueEnabled.Load() && o.submitter != nil {
			return o.runViaQueue(ctx, req), nil
		}
		return nil, stageerr.New(stageerr.KindPoolGlobal, "global connection pool exhausted")
	case pool.UserExhausted:
		if o.queueEnabled.Load() && o.submitter != nil {
			return o.runViaQueue(ctx, req), nil
		}
		return nil, stageerr.New(stageerr.KindTooManyConns, "per-user connection limit exceeded").WithDetails(map[string]any{
			"user_id": req.UserID,
			"current": o.pool.PerUserMax(),
			"limit":   o.pool.PerUserMax(),
		})
	default:
		return nil, stageerr.Newf(stageerr.KindInternal, "unknown pool acquire result %q", result)
	}
}

func (o *Orchestrator) runAdmitted(ctx context.Context, req gateway.Request) (<-chan gateway.StreamEvent, *stageerr.Error) {
	prepared, perr := o.Prepare(ctx, req)
	if perr != nil {
		o.pool.Release(context.Background(), req.UserID, req.ThreadID)
		return nil, perr
	}

	out := make(chan gateway.StreamEvent)
	go func() {
		defer close(out)
		defer o.pool.Release(context.Background(), req.UserID, req.ThreadID)
		cleanup := o.tracker.Begin(gateway.StageCleanup, req.ThreadID, false)
		outcome := tracker.OutcomeSuccess
		defer func() { cleanup.End(outcome, nil) }()

		for ev := range o.Stream(ctx, prepared) {
			if ev.Kind == gateway.EventError {
				outcome = tracker.OutcomeError
			}
			if !send(ctx, out, ev) {
				outcome = tracker.OutcomeCancelled
				return
			}
		}
	}()
	return out, nil
}

// runViaQueue is the entry point used by instance A in spec §4.5: it never
// touches the local pool, since admission already failed locally.
func (o *Orchestrator) runViaQueue(ctx context.Context, req gateway.Request) <-chan gateway.StreamEvent {
	out := make(chan gateway.StreamEvent)
	go func() {
		defer close(out)
		if err := o.submitter.Run(ctx, req, out); err != nil {
			send(ctx, out, gateway.ErrorEvent(string(err.Kind), err.Message, err.Details))
		}
	}()
	return out
}

// RunLocalOnly is handed to queue.NewWorker as the lifecycle callback run
// by a worker claiming a job from another instance (spec §4.5 step 2): it
// acquires a pool slot on *this* instance only, with no further queue
// delegation on exhaustion (this instance already is the failover target).
func (o *Orchestrator) RunLocalOnly(ctx context.Context, req gateway.Request) (<-chan gateway.StreamEvent, error) {
	result, err := o.pool.Acquire(ctx, req.UserID, req.ThreadID)
	if err != nil {
		return nil, err
	}
	if result != pool.Admitted {
		return nil, stageerr.New(stageerr.KindPoolGlobal, "worker instance pool exhausted")
	}

	prepared, perr := o.Prepare(ctx, req)
	if perr != nil {
		o.pool.Release(context.Background(), req.UserID, req.ThreadID)
		return nil, perr
	}

	out := make(chan gateway.StreamEvent)
	go func() {
		defer close(out)
		defer o.pool.Release(context.Background(), req.UserID, req.ThreadID)
		for ev := range o.Stream(ctx, prepared) {
			if !send(ctx, out, ev) {
				return
			}
		}
	}()
	return out, nil
}

func toChatRequest(req gateway.Request) *provider.ChatRequest {
	return &provider.ChatRequest{
		ThreadID:    req.ThreadID,
		Model:       req.Model,
		Messages:    []provider.Message{{Role: "user", Content: req.Query}},
		MaxTokens:   req.Params.MaxTokens,
		Temperature: req.Params.Temperature,
	}
}

func send(ctx context.Context, out chan<- gateway.StreamEvent, ev gateway.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
