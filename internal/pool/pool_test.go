package pool

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/sharedstore"
)

func newTestCoordinator(t *testing.T, cfg Config) *Coordinator {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(sharedstore.New(rdb), cfg, nil)
}

func TestAcquire_Admitted(t *testing.T) {
	c := newTestCoordinator(t, Config{GlobalMax: 10, PerUserMax: 3, DegradedAt: 0.7, CriticalAt: 0.9})
	result, err := c.Acquire(context.Background(), "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, Admitted, result)
	assert.EqualValues(t, 1, c.ActiveThreadCount(context.Background()))
}

func TestAcquire_PerUserExhaustedRollsBackGlobal(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, Config{GlobalMax: 100, PerUserMax: 1, DegradedAt: 0.7, CriticalAt: 0.9})

	result, err := c.Acquire(ctx, "u1", "t1")
	require.NoError(t, err)
	require.Equal(t, Admitted, result)

	result, err = c.Acquire(ctx, "u1", "t2")
	require.NoError(t, err)
	assert.Equal(t, UserExhausted, result)

	// The global counter must have been rolled back by the rejected
	// attempt, so a different user can still be admitted up to GlobalMax.
	result, err = c.Acquire(ctx, "u2", "t3")
	require.NoError(t, err)
	assert.Equal(t, Admitted, result)
}

func TestAcquire_GlobalExhausted(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, Config{GlobalMax: 1, PerUserMax: 10, DegradedAt: 0.7, CriticalAt: 0.9})

	result, err := c.Acquire(ctx, "u1", "t1")
	require.NoError(t, err)
	require.Equal(t, Admitted, result)

	result, err = c.Acquire(ctx, "u2", "t2")
	require.NoError(t, err)
	assert.Equal(t, GlobalExhausted, result)
}

func TestRelease_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, Config{GlobalMax: 10, PerUserMax: 3, DegradedAt: 0.7, CriticalAt: 0.9})

	_, err := c.Acquire(ctx, "u1", "t1")
	require.NoError(t, err)

	c.Release(ctx, "u1", "t1")
	c.Release(ctx, "u1", "t1") // second release must not underflow or error

	assert.EqualValues(t, 0, c.ActiveThreadCount(ctx))

	// Counter floored at zero: a fresh acquire should still succeed cleanly.
	result, err := c.Acquire(ctx, "u1", "t2")
	require.NoError(t, err)
	assert.Equal(t, Admitted, result)
}

func TestHealthState_Classification(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, Config{GlobalMax: 10, PerUserMax: 10, DegradedAt: 0.7, CriticalAt: 0.9})

	assert.Equal(t, HealthHealthy, c.HealthState(ctx))

	for i := 0; i < 7; i++ {
		_, err := c.Acquire(ctx, "u1", "t"+string(rune('a'+i)))
		require.NoError(t, err)
	}
	assert.Equal(t, HealthDegraded, c.HealthState(ctx))

	for i := 7; i < 9; i++ {
		_, err := c.Acquire(ctx, "u2", "t"+string(rune('a'+i)))
		require.NoError(t, err)
	}
	assert.Equal(t, HealthCritical, c.HealthState(ctx))

	_, err := c.Acquire(ctx, "u3", "t10")
	require.NoError(t, err)
	assert.Equal(t, HealthExhausted, c.HealthState(ctx))
}

func TestPerUserMax(t *testing.T) {
	c := newTestCoordinator(t, Config{GlobalMax: 10, PerUserMax: 3, DegradedAt: 0.7, CriticalAt: 0.9})
	assert.Equal(t, 3, c.PerUserMax())
}
