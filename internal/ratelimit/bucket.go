package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var (
	ErrLimiterNotConfigured = errors.New("rate_limiter_not_configured")
	ErrInvalidBucket        = errors.New("invalid_bucket")
)

// takeScript refills a bucket from the Redis clock and takes one token.
// The level is returned in thousandths so fractional tokens survive the
// integer reply.
const takeScript = `
local capacity = tonumber(ARGV[1])
local per_sec = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])

local t = redis.call("TIME")
local now_ms = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)

local state = redis.call("HMGET", KEYS[1], "level", "at")
local level = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now_ms

if now_ms > at then
  level = math.min(capacity, level + (now_ms - at) * per_sec / 1000)
end

local granted = 0
if level >= 1 then
  granted = 1
  level = level - 1
end

redis.call("HSET", KEYS[1], "level", tostring(level), "at", now_ms)
redis.call("PEXPIRE", KEYS[1], ttl_ms)

return {granted, math.floor(level * 1000)}
`

// Decision is the outcome of a single Take.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Bucket is a Redis-backed token bucket shared by every replica.
type Bucket struct {
	client    *redis.Client
	script    *redis.Script
	capacity  int
	perSecond float64
	ttl       time.Duration
}

func NewBucket(client *redis.Client, perSecond float64, capacity int) (*Bucket, error) {
	if client == nil {
		return nil, ErrLimiterNotConfigured
	}
	if perSecond <= 0 || capacity <= 0 {
		return nil, fmt.Errorf("%w: rate %v capacity %d", ErrInvalidBucket, perSecond, capacity)
	}
	return &Bucket{
		client:    client,
		script:    redis.NewScript(takeScript),
		capacity:  capacity,
		perSecond: perSecond,
		ttl:       idleTTL(perSecond, capacity),
	}, nil
}

func (b *Bucket) Take(ctx context.Context, key string) (Decision, error) {
	if b == nil || b.client == nil {
		return Decision{}, ErrLimiterNotConfigured
	}
	if key == "" {
		return Decision{}, fmt.Errorf("%w: empty key", ErrInvalidBucket)
	}

	reply, err := b.script.Run(ctx, b.client, []string{key},
		b.capacity, b.perSecond, b.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(reply) != 2 {
		return Decision{}, fmt.Errorf("unexpected bucket reply of length %d", len(reply))
	}

	d := Decision{
		Allowed:   reply[0] == 1,
		Remaining: float64(reply[1]) / 1000,
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration((1 - d.Remaining) / b.perSecond * float64(time.Second))
	}
	return d, nil
}

// idleTTL keeps a bucket around for twice the time it takes to refill.
func idleTTL(perSecond float64, capacity int) time.Duration {
	seconds := math.Ceil(float64(capacity) / perSecond * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}
