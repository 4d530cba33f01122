package ratelimiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/scrape-orchestrator/internal/service/ratelimiter"
)

func newLimiter(t *testing.T, cfg ratelimiter.BucketConfig, failClosed bool) (*ratelimiter.RedisLuaLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return ratelimiter.NewRedisLuaLimiter(rdb, cfg, failClosed), mr
}

func TestAllowConsumesTokens(t *testing.T) {
	l, _ := newLimiter(t, ratelimiter.BucketConfig{Capacity: 2, RefillRate: 0.001}, false)
	ctx := context.Background()

	ok, _, err := l.Allow(ctx, "c1:/ext/analyze/enqueue", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = l.Allow(ctx, "c1:/ext/analyze/enqueue", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, retryAfter, err := l.Allow(ctx, "c1:/ext/analyze/enqueue", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestAllowIsolatesKeys(t *testing.T) {
	l, _ := newLimiter(t, ratelimiter.BucketConfig{Capacity: 1, RefillRate: 0.001}, false)
	ctx := context.Background()

	ok, _, _ := l.Allow(ctx, "c1:/api/send/pull", 1)
	assert.True(t, ok)
	ok, _, _ = l.Allow(ctx, "c1:/api/send/pull", 1)
	assert.False(t, ok)

	// a different tenant still has a full bucket
	ok, _, _ = l.Allow(ctx, "c2:/api/send/pull", 1)
	assert.True(t, ok)
}

func TestPerKeyBucketOverride(t *testing.T) {
	l, _ := newLimiter(t, ratelimiter.BucketConfig{Capacity: 1, RefillRate: 0.001}, false)
	l.SetBucketConfig("c1:/api/send/pull", ratelimiter.NewBucketConfigFromPerMinute(120))
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		ok, _, err := l.Allow(ctx, "c1:/api/send/pull", 1)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestOutagePosture(t *testing.T) {
	lOpen, mr := newLimiter(t, ratelimiter.BucketConfig{Capacity: 1, RefillRate: 1}, false)
	mr.Close()
	ok, _, err := lOpen.Allow(context.Background(), "c1:x", 1)
	require.Error(t, err)
	assert.True(t, ok, "fail open outside production")

	lClosed, mr2 := newLimiter(t, ratelimiter.BucketConfig{Capacity: 1, RefillRate: 1}, true)
	mr2.Close()
	ok, retryAfter, err := lClosed.Allow(context.Background(), "c1:x", 1)
	require.Error(t, err)
	assert.False(t, ok, "fail closed in production")
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestZeroConfigAllows(t *testing.T) {
	l, _ := newLimiter(t, ratelimiter.BucketConfig{}, false)
	ok, _, err := l.Allow(context.Background(), "unknown", 1)
	require.NoError(t, err)
	assert.True(t, ok)
}
