package guru

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter paces upstream calls.
type Limiter interface {
	Wait(ctx context.Context) error
}

// LocalLimiter is an in-process token bucket.
type LocalLimiter struct {
	limiter *rate.Limiter
}

// NewLocalLimiter allows perSecond calls per second with the given burst.
// A non-positive rate disables limiting.
func NewLocalLimiter(perSecond float64, burst int) *LocalLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &LocalLimiter{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until the rate limiter allows an event.
func (l *LocalLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// redisTokenBucketScript handles the token bucket algorithm atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = current unix timestamp (seconds, microsecond precision)
// Returns {allowed, wait_ms}.
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
local wait_ms = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
else
    wait_ms = math.ceil((1 - tokens) / rate * 1000)
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, wait_ms}
`)

// RedisLimiter shares one token bucket between every exporter using the same
// API token.
type RedisLimiter struct {
	client    redis.Cmdable
	key       string
	perSecond float64
	burst     int
	now       func() time.Time
}

// NewRedisLimiter creates a limiter backed by Redis. bucket names the shared
// bucket, typically derived from the API account.
func NewRedisLimiter(client redis.Cmdable, bucket string, perSecond float64, burst int) *RedisLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &RedisLimiter{
		client:    client,
		key:       fmt.Sprintf("guru-export:limiter:%s", bucket),
		perSecond: perSecond,
		burst:     burst,
		now:       time.Now,
	}
}

// Allow takes one token if available, returning the suggested wait otherwise.
func (l *RedisLimiter) Allow(ctx context.Context) (bool, time.Duration, error) {
	now := float64(l.now().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{l.key}, l.perSecond, l.burst, now).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis limiter error: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, 0, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	waitMs, _ := results[1].(int64)
	return allowed == 1, time.Duration(waitMs) * time.Millisecond, nil
}

// Wait blocks until a token is taken or ctx ends.
func (l *RedisLimiter) Wait(ctx context.Context) error {
	for {
		ok, wait, err := l.Allow(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
