package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

// Limiter is a token bucket per acting identity, shared across replicas through Redis.
type Limiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// New builds a limiter. A bucket idle for ttl is forgotten and starts full again.
func New(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *Limiter {
	return &Limiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Key is the bucket an actor draws from.
func Key(actor models.Actor) string {
	id := actor.ID
	if id == "" {
		id = "anonymous"
	}
	return fmt.Sprintf("ratelimit:%s:%s", actor.Role, id)
}

// AllowActor consumes one token from the actor's bucket.
func (l *Limiter) AllowActor(ctx context.Context, actor models.Actor) (bool, error) {
	allowed, _, err := l.Allow(ctx, Key(actor))
	return allowed, err
}

// Allow consumes a single token for key if one is available and reports the tokens left.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, float64, error) {
	nowMs := l.now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{key}, l.capacity, l.refill, nowMs, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	arr, ok := res.([]any)
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("rate limit %s: unexpected reply %T", key, res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		_, _ = fmt.Sscan(v, &tokens)
	}
	return allowed == 1, tokens, nil
}

// Lua numbers returned to Redis are truncated to integers, so tokens goes back as a string.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + elapsed / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
