package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket paces chunk starts per relay with a token bucket kept in Redis,
// so concurrent runs on different hosts share one budget.
type TokenBucket struct {
	client   redis.Scripter
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	prefix   string
	poll     time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		prefix:   "endorse:relay:",
		poll:     250 * time.Millisecond,
		now:      time.Now,
	}
}

// WithClock overrides the time source passed to the bucket script.
func (b *TokenBucket) WithClock(now func() time.Time) *TokenBucket {
	b.now = now
	return b
}

// Key returns the bucket key for a relay.
func (b *TokenBucket) Key(relay string) string {
	return b.prefix + relay
}

// Allow consumes a single token for the given relay if available.
// Returns allowed flag and current token count.
func (b *TokenBucket) Allow(ctx context.Context, relay string) (bool, float64, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{b.Key(relay)},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", relay, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected reply %T", relay, res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	return allowed == 1, tokens, nil
}

// Wait blocks until a token for relay is consumed or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context, relay string) error {
	for {
		ok, tokens, err := b.Allow(ctx, relay)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		delay := b.poll
		if b.refill > 0 {
			// Time until the fractional balance reaches one whole token.
			if need := time.Duration((1 - tokens) / b.refill * float64(time.Second)); need > delay {
				delay = need
			}
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Lua returns floats as truncated integers, so tokens are kept in
// milli-tokens inside Redis and scaled on the way out.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1]) * 1000
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + math.floor(delta * refill))

local allowed = 0
if tokens >= 1000 then
  allowed = 1
  tokens = tokens - 1000
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens / 1000)}
`)
