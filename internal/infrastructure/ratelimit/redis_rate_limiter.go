// Package ratelimit provides distributed rate limiting using Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qutemail/qkms/pkg/errors"
	"github.com/qutemail/qkms/pkg/logger"
)

// RedisRateLimiter implements a distributed token bucket in Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	logger logger.Logger
	config *Config
}

// Config holds rate limiter configuration.
type Config struct {
	// Limit is the sustained request budget per window.
	Limit int64
	// Window is the refill window.
	Window time.Duration
	// Burst is the bucket capacity. Zero means same as Limit.
	Burst int64
	// KeyPrefix is the Redis key prefix.
	KeyPrefix string
	// FailOpen allows requests through when Redis is unreachable.
	FailOpen bool
}

// Result represents the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// Token bucket state lives in a Redis hash; the script refills by elapsed
// time, takes one token when available, and returns the new state atomically.
const tokenBucketLuaScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1]) or capacity
local last_refill = tonumber(bucket[2]) or now

local elapsed = now - last_refill
local tokens_to_add = elapsed * rate / 1000

tokens = math.min(tokens + tokens_to_add, capacity)

local allowed = 0
if tokens >= requested then
    tokens = tokens - requested
    allowed = 1
end

local reset_ms = 0
if tokens < capacity then
    reset_ms = math.ceil((capacity - tokens) / rate * 1000)
end

redis.call('HMSET', key, 'tokens', tokens, 'last_refill', now)
redis.call('PEXPIRE', key, reset_ms + 60000)

return {allowed, math.floor(tokens), math.floor(capacity), reset_ms}
`

// NewRedisRateLimiter creates a new Redis-based rate limiter.
func NewRedisRateLimiter(client redis.UniversalClient, cfg *Config, log logger.Logger) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, errors.ErrValidation("redis client is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Limit
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "qkms:ratelimit"
	}

	log.Info(context.Background(), "redis rate limiter initialized", logger.Fields{
		"limit":  cfg.Limit,
		"window": cfg.Window.String(),
		"burst":  cfg.Burst,
	})

	return &RedisRateLimiter{client: client, logger: log, config: cfg}, nil
}

// DefaultConfig returns the default rate limiter configuration.
func DefaultConfig() *Config {
	return &Config{
		Limit:     600,
		Window:    time.Minute,
		KeyPrefix: "qkms:ratelimit",
		FailOpen:  true,
	}
}

// Allow checks whether one request for the identifier is within budget.
func (rl *RedisRateLimiter) Allow(ctx context.Context, identifier string) (*Result, error) {
	key := fmt.Sprintf("%s:%s", rl.config.KeyPrefix, identifier)
	rate := float64(rl.config.Limit) / rl.config.Window.Seconds()
	nowMs := time.Now().UnixMilli()

	raw, err := rl.client.Eval(ctx, tokenBucketLuaScript, []string{key},
		rl.config.Burst, rate, 1, nowMs).Result()
	if err != nil {
		if rl.config.FailOpen {
			rl.logger.Warn(ctx, "rate limiter redis unavailable, failing open",
				logger.Fields{"identifier": identifier, "error": err.Error()})
			return &Result{Allowed: true, Limit: rl.config.Burst, Remaining: rl.config.Burst}, nil
		}
		return nil, errors.ErrServiceUnavailable("rate limiter unavailable").WithCause(err)
	}

	slice, ok := raw.([]interface{})
	if !ok || len(slice) < 4 {
		return nil, errors.ErrInternal("invalid rate limiter script result")
	}

	allowed := slice[0].(int64) == 1
	remaining := slice[1].(int64)
	limit := slice[2].(int64)
	resetMs := slice[3].(int64)

	res := &Result{Allowed: allowed, Limit: limit, Remaining: remaining}
	if !allowed && resetMs > 0 {
		res.RetryAfter = time.Duration(resetMs) * time.Millisecond
	}
	return res, nil
}

// Reset clears the bucket for an identifier.
func (rl *RedisRateLimiter) Reset(ctx context.Context, identifier string) error {
	key := fmt.Sprintf("%s:%s", rl.config.KeyPrefix, identifier)
	if err := rl.client.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return errors.ErrInternal("failed to reset rate limit").WithCause(err)
	}
	return nil
}
