package ratelimit

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAllowsBurstThenBlocks(t *testing.T) {
	limiter := NewMemory(Rule{PerMinute: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok, "attempt %d", i)
	}
	ok, _ := limiter.Allow(ctx, "10.0.0.1")
	assert.False(t, ok)

	ok, _ = limiter.Allow(ctx, "10.0.0.2")
	assert.True(t, ok, "keys are independent")
}

func TestMemoryRefillsOverTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewMemory(Rule{PerMinute: 1})
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := limiter.Allow(ctx, "k")
	assert.True(t, ok)
	ok, _ = limiter.Allow(ctx, "k")
	assert.False(t, ok)

	now = now.Add(61 * time.Second)
	ok, _ = limiter.Allow(ctx, "k")
	assert.True(t, ok)
}

func TestMemoryDisabledRuleAllowsAll(t *testing.T) {
	limiter := NewMemory(Rule{})
	for i := 0; i < 100; i++ {
		ok, err := limiter.Allow(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestFallbackUsesSecondaryOnError(t *testing.T) {
	var seen error
	limiter := Fallback{
		Primary:   failingLimiter{},
		Secondary: NewMemory(Rule{PerMinute: 1}),
		OnError:   func(err error) { seen = err },
	}

	ok, err := limiter.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Error(t, seen)

	ok, _ = limiter.Allow(context.Background(), "k")
	assert.False(t, ok)
}

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, 10*time.Second, bucketTTL(1, 5))
	assert.Equal(t, time.Second, bucketTTL(0, 5))
}

func TestRedisIntegration(t *testing.T) {
	addr := os.Getenv("RETAILCORE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RETAILCORE_TEST_REDIS_ADDR not set")
	}
	client := NewRedisClient(addr, "", 0)
	limiter := NewRedis(client, "test:login:", Rule{PerMinute: 2})
	defer limiter.Close()
	ctx := context.Background()
	require.NoError(t, limiter.Ping(ctx))

	key := uuid.NewString()
	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}
