// Package redis provides a Redis-backed rate counter shared by every instance.
//
// Counters are plain integer keys incremented by an atomic Lua script that
// sets the expiry on the first hit of a window.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/artpar/utter/ports"
)

// Counter is a Redis-backed ports.RateCounter.
type Counter struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ ports.RateCounter = (*Counter)(nil)

// Option configures Counter.
type Option func(*Counter)

// WithKeyPrefix sets the Redis key prefix (default "utter:").
func WithKeyPrefix(prefix string) Option {
	return func(c *Counter) { c.keyPrefix = prefix }
}

// New creates a counter.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Counter {
	c := &Counter{
		client:    client,
		keyPrefix: "utter:",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// incrementScript counts one hit.
// KEYS[1] = counter key
// ARGV[1] = window (milliseconds)
//
// Returns {count, ttl_ms}.
var incrementScript = goredis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Increment counts one hit on key and returns the count and remaining window.
func (c *Counter) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	vals, err := incrementScript.Run(ctx, c.client, []string{c.keyPrefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("utter/redis: increment: %w", err)
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("utter/redis: unexpected increment result: %v", vals)
	}
	return vals[0], time.Duration(vals[1]) * time.Millisecond, nil
}

// Ping checks connectivity, for readiness probes.
func (c *Counter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
