// Package tracker implements the sampled execution tracker from spec §4.8:
// per-stage timing collected into bounded ring buffers, with a deterministic
// hash-based sampling decision so either every stage of a request is
// tracked or none are.
//
// The source (per spec §9's "Hash-based sampler" design note) used MD5
// modulo 100. MD5 is cryptographic overkill for a sampling decision; this
// implementation documents its substitute so that two gateway instances
// hashing the same thread identifier reach the same decision — the actual
// algorithm, not its cryptographic strength, is what needs to match fleet-
// wide, and FNV-1a is fast, deterministic, and uniformly distributed enough
// for a modulo-100 bucket.
package tracker

import (
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/howard-nolan/llmrouter/internal/gateway"
)

// Outcome tags how a scoped stage exited.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeHit       Outcome = "hit"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// Sample is one recorded stage execution.
type Sample struct {
	Stage    gateway.StageID
	ThreadID string
	Start    time.Time
	End      time.Time
	Outcome  Outcome
	Metadata map[string]string
}

func (s Sample) duration() time.Duration { return s.End.Sub(s.Start) }

// Stats is the result of Statistics: count, mean, and percentiles computed
// over the most recent samples for one stage.
type Stats struct {
	Count int
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// ring is a fixed-capacity overwrite-oldest buffer, guarded by its own
// mutex per spec §5's "Tracker ring buffers: per-stage mutex or lock-free
// ring" — one ring (and one mutex) per stage keeps stages from contending
// with each other.
type ring struct {
	mu       sync.Mutex
	buf      []Sample
	next     int
	filled   bool
	capacity int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Sample, capacity), capacity: capacity}
}

func (r *ring) add(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.filled = true
	}
}

// recent returns up to limit of the most recently written samples, newest
// last is not guaranteed — Statistics only needs the set, not the order.
func (r *ring) recent(limit int) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []Sample
	if r.filled {
		all = append(all, r.buf[r.next:]...)
		all = append(all, r.buf[:r.next]...)
	} else {
		all = append(all, r.buf[:r.next]...)
	}
	if limit > 0 && limit < len(all) {
		all = all[len(all)-limit:]
	}
	return all
}

// Tracker collects stage samples under a deterministic sampling policy.
// Zero value is not usable; construct with New.
type Tracker struct {
	sampleRateMu sync.RWMutex
	sampleRate   float64 // mutable via the admin config endpoint

	ringCapacity int
	ringsMu      sync.Mutex
	rings        map[gateway.StageID]*ring

	clock gateway.Clock
}

// New creates a Tracker. ringCapacity is the per-stage buffer size (spec
// default 10_000); sampleRate is the initial fraction in [0,1].
func New(sampleRate float64, ringCapacity int) *Tracker {
	if ringCapacity <= 0 {
		ringCapacity = 10_000
	}
	return &Tracker{
		sampleRate:   sampleRate,
		ringCapacity: ringCapacity,
		rings:        make(map[gateway.StageID]*ring),
		clock:        gateway.RealClock,
	}
}

// SetSampleRate updates the sample rate at runtime (wired to POST
// /api/v1/admin/config per spec §6 and §9).
func (t *Tracker) SetSampleRate(rate float64) {
	t.sampleRateMu.Lock()
	defer t.sampleRateMu.Unlock()
	t.sampleRate = rate
}

func (t *Tracker) currentSampleRate() float64 {
	t.sampleRateMu.RLock()
	defer t.sampleRateMu.RUnlock()
	return t.sampleRate
}

// ShouldTrack implements spec §4.8's sampling decision: deterministic on
// threadID, so every stage of one request agrees (§8's "exactly one of
// {fully tracked, fully untracked} holds" invariant), and stable across
// processes because the hash algorithm and modulus are fixed.
func (t *Tracker) ShouldTrack(threadID string) bool {
	rate := t.currentSampleRate()
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(threadID))
	bucket := int(h.Sum32() % 100)
	return float64(bucket) < rate*100
}

func (t *Tracker) ringFor(stage gateway.StageID) *ring {
	t.ringsMu.Lock()
	defer t.ringsMu.Unlock()
	r, ok := t.rings[stage]
	if !ok {
		r = newRing(t.ringCapacity)
		t.rings[stage] = r
	}
	return r
}

// Scope is a handle returned by Begin; callers must call End exactly once,
// on every exit path (success, error, or cancellation) per spec §4.8.
type Scope struct {
	t        *Tracker
	stage    gateway.StageID
	threadID string
	start    time.Time
	tracked  bool
	ended    bool
}

// Begin starts a scoped stage measurement. forceTrack, when true, always
// records regardless of the sampling decision (spec §4.8's forceTrack
// override).
func (t *Tracker) Begin(stage gateway.StageID, threadID string, forceTrack bool) *Scope {
	tracked := forceTrack || t.ShouldTrack(threadID)
	return &Scope{t: t, stage: stage, threadID: threadID, start: t.clock.Now(), tracked: tracked}
}

// End records the outcome. Safe to call multiple times; only the first call
// after Begin has an effect, so deferred End() calls in cleanup paths that
// also get an explicit End() on the happy path don't double-record.
func (s *Scope) End(outcome Outcome, metadata map[string]string) {
	if s == nil || s.ended {
		return
	}
	s.ended = true
	if !s.tracked {
		return
	}
	s.t.ringFor(s.stage).add(Sample{
		Stage:    s.stage,
		ThreadID: s.threadID,
		Start:    s.start,
		End:      s.t.clock.Now(),
		Outcome:  outcome,
		Metadata: metadata,
	})
}

// Statistics computes count/mean/p50/p95/p99 over the most recent limit
// samples for stage (limit <= 0 means "all retained samples").
func (t *Tracker) Statistics(stage gateway.StageID, limit int) Stats {
	samples := t.ringFor(stage).recent(limit)
	if len(samples) == 0 {
		return Stats{}
	}

	durations := make([]time.Duration, len(samples))
	var sum time.Duration
	for i, s := range samples {
		d := s.duration()
		durations[i] = d
		sum += d
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	return Stats{
		Count: len(durations),
		Mean:  sum / time.Duration(len(durations)),
		P50:   percentile(durations, 0.50),
		P95:   percentile(durations, 0.95),
		P99:   percentile(durations, 0.99),
	}
}

// Stages returns every stage identifier that currently has at least one
// sample, for the admin endpoint's "list all stages" use case.
func (t *Tracker) Stages() []gateway.StageID {
	t.ringsMu.Lock()
	defer t.ringsMu.Unlock()
	out := make([]gateway.StageID, 0, len(t.rings))
	for s := range t.rings {
		out = append(out, s)
	}
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
