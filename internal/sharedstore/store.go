// Package sharedstore is the thin wrapper around the fleet-wide coordination
// backend. Spec §6 enumerates exactly the capabilities every other
// component is allowed to assume: atomic integer increment with optional
// TTL, compare-and-swap (here: Lua scripting, since go-redis's Watch-based
// optimistic transactions need a round trip we'd rather avoid on the hot
// path), set add/remove, streams with consumer-group claim semantics, and
// pub/sub with blocking receive and timeout.
//
// Every other internal package talks to Redis exclusively through this
// interface — none of them import go-redis directly — so a future swap
// (e.g. to a different KV store with the same capability set) touches one
// file.
package sharedstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the capability surface required by spec §6. A *Client backed by
// go-redis implements it against real or miniredis-backed Redis; tests may
// supply a hand-written fake for the handful of cases where miniredis
// doesn't model a needed behavior (e.g. consumer-group claim races).
type Store interface {
	// Incr atomically increments key by 1 and returns the new value. If ttl
	// is non-zero and this increment created the key, a TTL is set on it in
	// the same round trip (used for §4.6's per-window rate counters).
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Decr atomically decrements key by 1 with a floor of zero (spec §4.4:
	// release is unconditional, and a key floored at zero rather than going
	// negative is what "idempotent release" requires).
	Decr(ctx context.Context, key string) (int64, error)

	// Get/Set/Delete are the plain KV operations L2 cache and circuit
	// breaker state use. Set's ttl of zero means no expiry.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// CompareAndSwap atomically sets key to newValue only if its current
	// value equals oldValue (or the key is absent and oldValue == ""). It's
	// the primitive the circuit breaker's closed→open→half_open→closed
	// transitions are built from (spec §4.10: "a single atomic shared-store
	// operation (e.g., CAS on a serialized state record)").
	CompareAndSwap(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error)

	// SetAdd/SetRemove/SetLen back the pool coordinator's "set of active
	// thread identifiers" (spec §3, PoolCounters).
	SetAdd(ctx context.Context, key, member string) error
	SetRemove(ctx context.Context, key, member string) error
	SetLen(ctx context.Context, key string) (int64, error)

	// StreamAdd appends a QueueJob payload to a stream (spec §4.5).
	StreamAdd(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error)

	// StreamReadGroup claims up to count pending entries for group/consumer
	// on stream, blocking up to block for new entries (0 = return
	// immediately). Exactly-once claim semantics are Redis consumer groups'
	// job; StreamAck must be called once a claimed entry is fully handled.
	StreamReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error)
	StreamAck(ctx context.Context, stream, group, id string) error
	StreamEnsureGroup(ctx context.Context, stream, group string) error
	StreamLen(ctx context.Context, stream string) (int64, error)

	// Publish/Subscribe back the queue failover result and cancel channels
	// (spec §4.5).
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) Subscription

	// Ping is used by the /health/ready probe (spec §6).
	Ping(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}

// StreamMessage is one claimed entry from a consumer-group read.
type StreamMessage struct {
	ID     string
	Fields map[string]string
}

// Subscription is a live pub/sub subscription. Receive blocks until a
// message arrives, ctx is cancelled, or timeout elapses (timeout <= 0 means
// block until ctx is done) — this is the suspension point spec §5(c)
// requires ("pub/sub receive with timeout").
type Subscription interface {
	// Receive blocks for up to timeout for the next message. ok is false on
	// timeout (err is nil in that case) so callers can distinguish "nothing
	// arrived yet" from a real failure.
	Receive(ctx context.Context, timeout time.Duration) (msg string, ok bool, err error)
	Close() error
}

// ErrNotFound is not returned by any Client method: Get reports an absent
// key as (value: "", found: false, err: nil), and CompareAndSwap treats an
// absent key as the empty string. The sentinel is exported for callers and
// test doubles that want a named "key not found" error.
var ErrNotFound = errors.New("sharedstore: key not found")

// Client is the production Store backed by go-redis.
type Client struct {
	rdb *redis.Client
}

// New wraps an existing *redis.Client. Callers build the *redis.Client with
// redis.NewClient(&redis.Options{...}) from config so this package stays
// agnostic of connection string parsing.
func New(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// incrScript increments a counter and sets its TTL only when this increment
// created the key, so later increments in the same window keep the expiry.
const incrScript = `
local v = redis.call("INCR", KEYS[1])
if v == 1 and tonumber(ARGV[1]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return v
`

func (c *Client) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	v, err := c.rdb.Eval(ctx, incrScript, []string{key}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("sharedstore: incr %q: %w", key, err)
	}
	n, _ := v.(int64)
	return n, nil
}

// decrFloorScript decrements a counter but never takes it below zero,
// matching spec §4.4's "Release is unconditional, and always decrements
// (with a floor at zero)" and §8's idempotence invariant (double release is
// a no-op once the counter has already reached zero).
const decrFloorScript = `
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v <= 0 then
	redis.call("SET", KEYS[1], "0")
	return 0
end
return redis.call("DECR", KEYS[1])
`

func (c *Client) Decr(ctx context.Context, key string) (int64, error) {
	v, err := c.rdb.Eval(ctx, decrFloorScript, []string{key}).Result()
	if err != nil {
		return 0, fmt.Errorf("sharedstore: decr %q: %w", key, err)
	}
	n, _ := v.(int64)
	return n, nil
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sharedstore: get %q: %w", key, err)
	}
	return v, true, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("sharedstore: set %q: %w", key, err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("sharedstore: delete %q: %w", key, err)
	}
	return nil
}

// casScript implements compare-and-swap as a Lua script so the read-compare-
// write sequence is atomic fleet-wide, per spec §4.10's requirement that
// every breaker transition be "a single atomic shared-store operation".
const casScript = `
local cur = redis.call("GET", KEYS[1])
if cur == false then cur = "" end
if cur ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`

func (c *Client) CompareAndSwap(ctx context.Context, key, oldValue, newValue string, ttl time.Duration) (bool, error) {
	res, err := c.rdb.Eval(ctx, casScript, []string{key}, oldValue, newValue, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("sharedstore: cas %q: %w", key, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (c *Client) SetAdd(ctx context.Context, key, member string) error {
	if err := c.rdb.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("sharedstore: sadd %q: %w", key, err)
	}
	return nil
}

func (c *Client) SetRemove(ctx context.Context, key, member string) error {
	if err := c.rdb.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("sharedstore: srem %q: %w", key, err)
	}
	return nil
}

func (c *Client) SetLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("sharedstore: scard %q: %w", key, err)
	}
	return n, nil
}

func (c *Client) StreamAdd(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: fields,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := c.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("sharedstore: xadd %q: %w", stream, err)
	}
	return id, nil
}

func (c *Client) StreamEnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return fmt.Errorf("sharedstore: xgroup create %q/%q: %w", stream, group, err)
	}
	return nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "BUSYGROU"
}

func (c *Client) StreamReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sharedstore: xreadgroup %q: %w", stream, err)
	}
	var out []StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			fields := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				}
			}
			out = append(out, StreamMessage{ID: m.ID, Fields: fields})
		}
	}
	return out, nil
}

func (c *Client) StreamAck(ctx context.Context, stream, group, id string) error {
	if err := c.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("sharedstore: xack %q/%q: %w", stream, id, err)
	}
	return nil
}

func (c *Client) StreamLen(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("sharedstore: xlen %q: %w", stream, err)
	}
	return n, nil
}

func (c *Client) Publish(ctx context.Context, channel, message string) error {
	if err := c.rdb.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("sharedstore: publish %q: %w", channel, err)
	}
	return nil
}

// Subscribe returns once the server has confirmed the subscription (or ctx
// ends), so a message published after it returns is not missed.
func (c *Client) Subscribe(ctx context.Context, channel string) Subscription {
	ps := c.rdb.Subscribe(ctx, channel)
	// The first reply is the subscribe confirmation. A connection error or
	// ctx end here is not returned; it surfaces from the subscription's own
	// Receive instead.
	_, _ = ps.Receive(ctx)
	return &redisSubscription{ps: ps, ch: ps.Channel()}
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("sharedstore: ping: %w", err)
	}
	return nil
}

func (c *Client) Close() error { return c.rdb.Close() }

type redisSubscription struct {
	ps *redis.PubSub
	ch <-chan *redis.Message
}

func (s *redisSubscription) Receive(ctx context.Context, timeout time.Duration) (string, bool, error) {
	if timeout <= 0 {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case m, ok := <-s.ch:
			if !ok {
				return "", false, fmt.Errorf("sharedstore: subscription closed")
			}
			return m.Payload, true, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case <-timer.C:
		return "", false, nil
	case m, ok := <-s.ch:
		if !ok {
			return "", false, fmt.Errorf("sharedstore: subscription closed")
		}
		return m.Payload, true, nil
	}
}

func (s *redisSubscription) Close() error { return s.ps.Close() }
