package ratelimit

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Redis-backed limiter tests run against a real instance and skip when
// REDIS_ADDR is not set.

func newRedisLimiter(t *testing.T, limits Limits) *RedisLimiter {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping redis limiter integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Ping(ctx).Err())

	return NewRedis(client, limits, zerolog.Nop())
}

func TestRedisBurstThenDeny(t *testing.T) {
	r := newRedisLimiter(t, Limits{ClassDefault: 100, ClassAuth: 3})
	key := fmt.Sprintf("it-%d", time.Now().UnixNano())

	for i := 0; i < 3; i++ {
		d, err := r.Allow(context.Background(), key, ClassAuth)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d within budget", i+1)
	}

	d, err := r.Allow(context.Background(), key, ClassAuth)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestRedisKeyIsolation(t *testing.T) {
	r := newRedisLimiter(t, Limits{ClassDefault: 100, ClassAuth: 1})
	base := time.Now().UnixNano()

	keyA := fmt.Sprintf("it-a-%d", base)
	keyB := fmt.Sprintf("it-b-%d", base)

	d, err := r.Allow(context.Background(), keyA, ClassAuth)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = r.Allow(context.Background(), keyA, ClassAuth)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	d, err = r.Allow(context.Background(), keyB, ClassAuth)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisFaultAdmits(t *testing.T) {
	// Point at a closed port: the limiter must admit rather than fail.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })

	r := NewRedis(client, Limits{ClassDefault: 1}, zerolog.Nop())

	for i := 0; i < 5; i++ {
		d, err := r.Allow(context.Background(), "any", ClassDefault)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}
