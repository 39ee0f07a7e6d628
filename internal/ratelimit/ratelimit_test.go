package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/sharedstore"
)

func newTestLimiter(t *testing.T, limits map[string]int, defaultTier string, resolve TierResolver) *Limiter {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(sharedstore.New(rdb), limits, defaultTier, resolve)
}

func TestCheck_AllowsWithinLimit(t *testing.T) {
	l := newTestLimiter(t, map[string]int{"free": 3}, "free", nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, "u1", 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestCheck_RejectsOverLimit(t *testing.T) {
	l := newTestLimiter(t, map[string]int{"free": 2}, "free", nil)
	ctx := context.Background()

	res, err := l.Check(ctx, "u1", 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = l.Check(ctx, "u1", 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Check(ctx, "u1", 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 2, res.Limit)
	assert.Greater(t, res.RetryAfter.Seconds(), 0.0)
}

func TestCheck_UsersDoNotShareWindows(t *testing.T) {
	l := newTestLimiter(t, map[string]int{"free": 1}, "free", nil)
	ctx := context.Background()

	res, err := l.Check(ctx, "u1", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Check(ctx, "u2", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a different user must have its own counter")
}

func TestCheck_ResolvesPerUserTier(t *testing.T) {
	limits := map[string]int{"free": 1, "pro": 100}
	resolve := func(userID string) string {
		if userID == "paying-user" {
			return "pro"
		}
		return "free"
	}
	l := newTestLimiter(t, limits, "free", resolve)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.Check(ctx, "paying-user", 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "pro tier should tolerate more than 1 request")
	}

	res, err := l.Check(ctx, "free-user", 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = l.Check(ctx, "free-user", 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "free tier should be capped at 1")
}
