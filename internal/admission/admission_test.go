package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/sharedstore"
	"github.com/howard-nolan/llmrouter/internal/stageerr"
)

func TestShedder_DisabledAlwaysAccepts(t *testing.T) {
	s := NewShedder(ShedderConfig{Enabled: false})
	for i := 0; i < 100; i++ {
		assert.True(t, s.Accept())
	}
}

func TestShedder_RejectsOnceBucketEmpty(t *testing.T) {
	s := NewShedder(ShedderConfig{Enabled: true, MaxInFlight: 1})
	assert.True(t, s.Accept(), "first token should be available immediately")
	assert.False(t, s.Accept(), "bucket should be empty on the very next call")
}

func newTestStore(t *testing.T) sharedstore.Store {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return sharedstore.New(rdb)
}

func TestEnqueue_SucceedsBelowThreshold(t *testing.T) {
	store := newTestStore(t)
	cfg := BackpressureConfig{ThresholdRatio: 0.8, MaxDepth: 10, BaseDelay: time.Millisecond, Multiplier: 2, MaxAttempts: 3}

	var enqueued bool
	err := Enqueue(context.Background(), store, "stream:jobs", cfg, func(ctx context.Context) error {
		enqueued = true
		_, addErr := store.StreamAdd(ctx, "stream:jobs", map[string]string{"x": "1"}, 0)
		return addErr
	})
	assert.Nil(t, err)
	assert.True(t, enqueued)
}

func TestEnqueue_FailsWhenAlwaysAboveThreshold(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Pre-fill the stream past the threshold so every depth check trips it.
	for i := 0; i < 9; i++ {
		_, err := store.StreamAdd(ctx, "stream:jobs", map[string]string{"x": "1"}, 0)
		require.NoError(t, err)
	}

	cfg := BackpressureConfig{ThresholdRatio: 0.8, MaxDepth: 10, BaseDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 2}
	stageErr := Enqueue(ctx, store, "stream:jobs", cfg, func(ctx context.Context) error {
		t.Fatal("enqueue callback must not run when backpressure never clears")
		return nil
	})

	require.NotNil(t, stageErr)
	assert.Equal(t, stageerr.KindQueueFull, stageErr.Kind)
}

func TestEnqueue_PropagatesEnqueueError(t *testing.T) {
	store := newTestStore(t)
	cfg := BackpressureConfig{ThresholdRatio: 0.8, MaxDepth: 10, BaseDelay: time.Millisecond, Multiplier: 2, MaxAttempts: 3}

	wantErr := errors.New("boom")
	stageErr := Enqueue(context.Background(), store, "stream:jobs", cfg, func(ctx context.Context) error {
		return wantErr
	})

	require.NotNil(t, stageErr)
	assert.Equal(t, stageerr.KindInternal, stageErr.Kind)
	assert.ErrorIs(t, stageErr, wantErr)
}
