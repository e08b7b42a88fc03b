package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qutemail/qkms/internal/infrastructure/ratelimit"
	"github.com/qutemail/qkms/pkg/errors"
	"github.com/qutemail/qkms/pkg/logger"
)

func newLimiter(t *testing.T, cfg *ratelimit.Config) (*ratelimit.RedisRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter, err := ratelimit.NewRedisRateLimiter(client, cfg, logger.NewNoopLogger())
	require.NoError(t, err)
	return limiter, mr
}

func TestRateLimiter_BurstThenDeny(t *testing.T) {
	limiter, _ := newLimiter(t, &ratelimit.Config{
		Limit:  60,
		Window: time.Minute,
		Burst:  3,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "client-a")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d within burst must pass", i+1)
	}

	res, err := limiter.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestRateLimiter_IdentifiersAreIndependent(t *testing.T) {
	limiter, _ := newLimiter(t, &ratelimit.Config{
		Limit:  60,
		Window: time.Minute,
		Burst:  1,
	})
	ctx := context.Background()

	res, err := limiter.Allow(ctx, "client-a")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = limiter.Allow(ctx, "client-a")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = limiter.Allow(ctx, "client-b")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "one client's exhaustion must not affect another")
}

func TestRateLimiter_Reset(t *testing.T) {
	limiter, _ := newLimiter(t, &ratelimit.Config{
		Limit:  60,
		Window: time.Minute,
		Burst:  1,
	})
	ctx := context.Background()

	res, err := limiter.Allow(ctx, "client-a")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	require.NoError(t, limiter.Reset(ctx, "client-a"))

	res, err = limiter.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a reset bucket starts full again")
}

func TestRateLimiter_FailOpen(t *testing.T) {
	limiter, mr := newLimiter(t, &ratelimit.Config{
		Limit:    60,
		Window:   time.Minute,
		Burst:    1,
		FailOpen: true,
	})
	mr.Close()

	res, err := limiter.Allow(context.Background(), "client-a")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "with redis down a fail-open limiter admits traffic")
}

func TestRateLimiter_FailClosed(t *testing.T) {
	limiter, mr := newLimiter(t, &ratelimit.Config{
		Limit:    60,
		Window:   time.Minute,
		Burst:    1,
		FailOpen: false,
	})
	mr.Close()

	_, err := limiter.Allow(context.Background(), "client-a")
	require.Error(t, err)
	assert.True(t, errors.IsServiceUnavailable(err))
}

func TestRateLimiter_RequiresClient(t *testing.T) {
	_, err := ratelimit.NewRedisRateLimiter(nil, nil, logger.NewNoopLogger())
	assert.Error(t, err)
}
