package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var ErrNotConfigured = errors.New("rate limiter not configured")

// The script answers {allowed, tokens, retry_ms}. Tokens are returned as a
// string because redis truncates Lua numbers to integers.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local clock = redis.call("TIME")
local now = (clock[1] * 1000) + math.floor(clock[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])

if tokens == nil then
  tokens = burst
else
  local elapsed = math.max(0, now - ts)
  tokens = math.min(burst, tokens + (elapsed / 1000) * rate)
end

local allowed = 0
local retry_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  retry_ms = math.ceil(((1 - tokens) / rate) * 1000)
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens), retry_ms}
`

// TokenBucket is a redis backed token bucket shared by every worker replica.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

type RateLimitResult struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

// Allow takes one token from the bucket under key, refilled at rate per second up to burst.
func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (RateLimitResult, error) {
	switch {
	case t == nil || t.client == nil:
		return RateLimitResult{}, ErrNotConfigured
	case key == "":
		return RateLimitResult{}, errors.New("rate limit key is empty")
	case rate <= 0 || burst <= 0:
		return RateLimitResult{}, fmt.Errorf("rate limit %q: rate and burst must be positive", key)
	}

	ttl := defaultBucketTTL(rate, burst)
	res, err := t.script.Run(ctx, t.client, []string{key}, rate, burst, ttl.Milliseconds()).Slice()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("rate limit %q: %w", key, err)
	}
	return parseBucketReply(res)
}

func parseBucketReply(res []interface{}) (RateLimitResult, error) {
	if len(res) != 3 {
		return RateLimitResult{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}
	allowed, ok := res[0].(int64)
	if !ok {
		return RateLimitResult{}, fmt.Errorf("rate limit script: unexpected allowed value %T", res[0])
	}
	raw, ok := res[1].(string)
	if !ok {
		return RateLimitResult{}, fmt.Errorf("rate limit script: unexpected tokens value %T", res[1])
	}
	remaining, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("rate limit script: tokens: %w", err)
	}
	retryMS, _ := res[2].(int64)

	return RateLimitResult{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryMS) * time.Millisecond,
	}, nil
}

// defaultBucketTTL keeps an idle bucket around for twice its full refill time.
func defaultBucketTTL(rate float64, burst int) time.Duration {
	if rate <= 0 || burst <= 0 {
		return time.Second
	}
	seconds := math.Max(1, math.Ceil(float64(burst)/rate*2))
	return time.Duration(seconds) * time.Second
}
