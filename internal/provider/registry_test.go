package provider

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmrouter/internal/breaker"
	"github.com/howard-nolan/llmrouter/internal/sharedstore"
)

func newTestBreakers(t *testing.T) *breaker.Registry {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := sharedstore.New(rdb)
	return breaker.New(store, breaker.DefaultConfig(), nil)
}

type fakeProvider struct{ name string }

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}

func TestRegistry_GetIsLazyAndSingleton(t *testing.T) {
	reg := NewRegistry(newTestBreakers(t))
	calls := 0
	reg.Register("google", func(c Config) Provider {
		calls++
		return &fakeProvider{name: c.Name}
	}, Config{Name: "google"})

	assert.Equal(t, 0, calls, "factory must not run until Get is called")

	p1, err := reg.Get("google")
	require.NoError(t, err)
	p2, err := reg.Get("google")
	require.NoError(t, err)

	assert.Same(t, p1, p2, "Get must return the same instance on repeat calls")
	assert.Equal(t, 1, calls, "factory must run exactly once")
}

func TestRegistry_GetUnknownName(t *testing.T) {
	reg := NewRegistry(newTestBreakers(t))
	_, err := reg.Get("nope")
	assert.Error(t, err)
}

func TestRegistry_SelectHealthy_PrefersMatch(t *testing.T) {
	reg := NewRegistry(newTestBreakers(t))
	reg.Register("google", func(c Config) Provider { return &fakeProvider{name: c.Name} }, Config{Name: "google"})
	reg.Register("anthropic", func(c Config) Provider { return &fakeProvider{name: c.Name} }, Config{Name: "anthropic"})

	p, ok := reg.SelectHealthy(context.Background(), "anthropic", nil)
	require.True(t, ok)
	assert.Equal(t, "anthropic", p.Name())
}

func TestRegistry_SelectHealthy_FallsBackToRegistrationOrder(t *testing.T) {
	reg := NewRegistry(newTestBreakers(t))
	reg.Register("google", func(c Config) Provider { return &fakeProvider{name: c.Name} }, Config{Name: "google"})
	reg.Register("anthropic", func(c Config) Provider { return &fakeProvider{name: c.Name} }, Config{Name: "anthropic"})

	p, ok := reg.SelectHealthy(context.Background(), "", nil)
	require.True(t, ok)
	assert.Equal(t, "google", p.Name())
}

func TestRegistry_SelectHealthy_ExcludesNamedProviders(t *testing.T) {
	reg := NewRegistry(newTestBreakers(t))
	reg.Register("google", func(c Config) Provider { return &fakeProvider{name: c.Name} }, Config{Name: "google"})
	reg.Register("anthropic", func(c Config) Provider { return &fakeProvider{name: c.Name} }, Config{Name: "anthropic"})

	p, ok := reg.SelectHealthy(context.Background(), "", map[string]bool{"google": true})
	require.True(t, ok)
	assert.Equal(t, "anthropic", p.Name())
}

func TestRegistry_SelectHealthy_NoneRegistered(t *testing.T) {
	reg := NewRegistry(newTestBreakers(t))
	_, ok := reg.SelectHealthy(context.Background(), "", nil)
	assert.False(t, ok)
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry(newTestBreakers(t))
	reg.Register("google", func(c Config) Provider { return &fakeProvider{name: c.Name} }, Config{Name: "google"})
	reg.Register("anthropic", func(c Config) Provider { return &fakeProvider{name: c.Name} }, Config{Name: "anthropic"})

	assert.Equal(t, []string{"google", "anthropic"}, reg.Names())
}
