package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/sharedstore"
)

func newTestCache(t *testing.T, l1Capacity int, ttl time.Duration) *Cache {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(sharedstore.New(rdb), l1Capacity, ttl, nil)
}

func TestCache_SetThenGetHitsL1(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	ctx := context.Background()

	c.Set(ctx, "k1", "v1", 0)
	v, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestCache_MissReturnsFalse(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	_, ok := c.Get(context.Background(), "missing")
	assert.False(t, ok)
}

func TestCache_L2PopulatesL1OnMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := sharedstore.New(rdb)
	ctx := context.Background()

	// Write directly to L2, bypassing this cache instance's L1, simulating
	// a value another gateway instance populated.
	require.NoError(t, store.Set(ctx, "k1", "from-l2", time.Minute))

	c := New(store, 10, time.Minute, nil)
	v, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "from-l2", v)

	stats := c.Stats()
	assert.EqualValues(t, 1, stats.Size, "L2 hit should populate L1")
}

func TestCache_GetOrCompute_ComputesOnceOnMiss(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	ctx := context.Background()

	var calls int64
	compute := func(context.Context) (string, error) {
		atomic.AddInt64(&calls, 1)
		return "computed", nil
	}

	v, fromCache, err := c.GetOrCompute(ctx, "k1", compute)
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, "computed", v)

	v2, fromCache2, err := c.GetOrCompute(ctx, "k1", compute)
	require.NoError(t, err)
	assert.True(t, fromCache2)
	assert.Equal(t, "computed", v2)
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls), "compute must run exactly once for a repeated key")
}

func TestCache_GetOrCompute_PropagatesError(t *testing.T) {
	c := newTestCache(t, 10, time.Minute)
	wantErr := errors.New("upstream failed")

	_, _, err := c.GetOrCompute(context.Background(), "k1", func(context.Context) (string, error) {
		return "", wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestCache_L1EvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t, 2, time.Minute)
	ctx := context.Background()

	c.Set(ctx, "a", "1", 0)
	c.Set(ctx, "b", "2", 0)
	c.Get(ctx, "a") // touch a, making b the LRU entry
	c.Set(ctx, "c", "3", 0)

	_, aOK := c.l1.get("a")
	_, bOK := c.l1.get("b")
	_, cOK := c.l1.get("c")

	assert.True(t, aOK)
	assert.False(t, bOK, "b should have been evicted as least-recently-used")
	assert.True(t, cOK)
}
