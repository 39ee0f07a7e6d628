package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/admission"
	"github.com/howard-nolan/llmrouter/internal/gateway"
	"github.com/howard-nolan/llmrouter/internal/sharedstore"
	"github.com/howard-nolan/llmrouter/internal/stageerr"
)

func newTestStore(t *testing.T) sharedstore.Store {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return sharedstore.New(rdb)
}

func TestSubmitterAndWorker_HappyPath(t *testing.T) {
	store := newTestStore(t)
	cfg := Config{Enabled: true, TotalTimeout: 2 * time.Second, HeartbeatEvery: 200 * time.Millisecond, MaxDepth: 100, BatchSize: 2}

	run := func(ctx context.Context, req gateway.Request) (<-chan gateway.StreamEvent, error) {
		out := make(chan gateway.StreamEvent, 4)
		out <- gateway.Chunk("hello")
		out <- gateway.Chunk(" world")
		out <- gateway.Done()
		close(out)
		return out, nil
	}

	worker := NewWorker(store, cfg, nil, run)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Start(ctx)

	submitter := NewSubmitter(store, cfg, admission.DefaultBackpressureConfig(), nil)
	out := make(chan gateway.StreamEvent, 16)
	req := gateway.Request{ThreadID: "t1", UserID: "u1", Query: "hi", Model: "m"}

	stageErr := submitter.Run(context.Background(), req, out)
	close(out)

	require.Nil(t, stageErr)

	var chunks []string
	sawDone := false
	for ev := range out {
		switch ev.Kind {
		case gateway.EventChunk:
			chunks = append(chunks, ev.Content)
		case gateway.EventDone:
			sawDone = true
		}
	}
	assert.Equal(t, []string{"hello", " world"}, chunks)
	assert.True(t, sawDone)
}

func TestSubmitterAndWorker_PropagatesError(t *testing.T) {
	store := newTestStore(t)
	cfg := Config{Enabled: true, TotalTimeout: 2 * time.Second, HeartbeatEvery: 200 * time.Millisecond, MaxDepth: 100, BatchSize: 4}

	run := func(ctx context.Context, req gateway.Request) (<-chan gateway.StreamEvent, error) {
		out := make(chan gateway.StreamEvent, 2)
		out <- gateway.Chunk("partial")
		out <- gateway.ErrorEvent(string(stageerr.KindProviderStream), "upstream died", nil)
		close(out)
		return out, nil
	}

	worker := NewWorker(store, cfg, nil, run)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Start(ctx)

	submitter := NewSubmitter(store, cfg, admission.DefaultBackpressureConfig(), nil)
	out := make(chan gateway.StreamEvent, 16)
	req := gateway.Request{ThreadID: "t2", UserID: "u1", Query: "hi", Model: "m"}

	stageErr := submitter.Run(context.Background(), req, out)
	close(out)

	require.NotNil(t, stageErr)
	assert.Equal(t, stageerr.KindProviderStream, stageErr.Kind)
}

func TestSubmitter_TimesOutWithNoWorker(t *testing.T) {
	store := newTestStore(t)
	cfg := Config{Enabled: true, TotalTimeout: 50 * time.Millisecond, HeartbeatEvery: 20 * time.Millisecond, MaxDepth: 100, BatchSize: 4}

	submitter := NewSubmitter(store, cfg, admission.DefaultBackpressureConfig(), nil)
	out := make(chan gateway.StreamEvent, 16)
	req := gateway.Request{ThreadID: "t3", UserID: "u1", Query: "hi", Model: "m"}

	stageErr := submitter.Run(context.Background(), req, out)
	require.NotNil(t, stageErr)
	assert.Equal(t, stageerr.KindQueueTimeout, stageErr.Kind)
}
