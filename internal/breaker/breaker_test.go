package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/sharedstore"
)

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(sharedstore.New(rdb), cfg, nil), mr
}

func TestBreaker_UnknownProviderIsClosed(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfig())
	assert.Equal(t, Closed, r.StateOf(context.Background(), "google"))
	allowed, probe := r.Before(context.Background(), "google")
	assert.True(t, allowed)
	assert.False(t, probe)
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, Config{FailureThreshold: 3, Cooldown: time.Minute})

	r.OnFailure(ctx, "google")
	r.OnFailure(ctx, "google")
	assert.Equal(t, Closed, r.StateOf(ctx, "google"))

	r.OnFailure(ctx, "google")
	assert.Equal(t, Open, r.StateOf(ctx, "google"))

	allowed, probe := r.Before(ctx, "google")
	assert.False(t, allowed)
	assert.False(t, probe)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, Config{FailureThreshold: 2, Cooldown: time.Minute})

	r.OnFailure(ctx, "google")
	r.OnSuccess(ctx, "google")
	assert.Equal(t, Closed, r.StateOf(ctx, "google"))

	r.OnFailure(ctx, "google")
	assert.Equal(t, Closed, r.StateOf(ctx, "google"), "a single failure after reset should not reopen")
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	ctx := context.Background()
	// Cooldown's expiry check compares against real wall-clock time (not
	// miniredis's simulated TTL clock), so this test uses a short real
	// cooldown and sleeps past it rather than fast-forwarding miniredis.
	r, _ := newTestRegistry(t, Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	r.OnFailure(ctx, "google")
	require.Equal(t, Open, r.StateOf(ctx, "google"))

	time.Sleep(20 * time.Millisecond)

	allowed, probe := r.Before(ctx, "google")
	assert.True(t, allowed)
	assert.True(t, probe, "first caller after cooldown should win the probe")
	assert.Equal(t, HalfOpen, r.StateOf(ctx, "google"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t, Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond})

	r.OnFailure(ctx, "google")
	time.Sleep(20 * time.Millisecond)
	r.Before(ctx, "google") // wins probe, transitions to half_open

	r.OnFailure(ctx, "google")
	assert.Equal(t, Open, r.StateOf(ctx, "google"))
}
