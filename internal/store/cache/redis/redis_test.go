package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulzo/model-gateway/internal/config"
	"github.com/nulzo/model-gateway/internal/store/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCache_IncrWithExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := "rate_limit:chat:user-1"

	for want := int64(1); want <= 3; want++ {
		got, err := c.IncrWithExpiry(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, time.Minute, mr.TTL(key))

	ttl, err := c.TTL(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)

	// later increments do not extend the window
	mr.FastForward(30 * time.Second)
	_, err = c.IncrWithExpiry(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL(key))

	mr.FastForward(30 * time.Second)
	got, err := c.IncrWithExpiry(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestRedisCache_GetSetDelete(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "identity:abc", map[string]string{"user_id": "u1"}, time.Minute))

	var got map[string]string
	require.NoError(t, c.Get(ctx, "identity:abc", &got))
	assert.Equal(t, "u1", got["user_id"])

	mr.FastForward(time.Minute)
	assert.ErrorIs(t, c.Get(ctx, "identity:abc", &got), cache.ErrMiss)

	require.NoError(t, c.Set(ctx, "k", 1, 0))
	require.NoError(t, c.Delete(ctx, "k"))
	var n int
	assert.ErrorIs(t, c.Get(ctx, "k", &n), cache.ErrMiss)

	ttl, err := c.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, ttl)
}

func TestRedisCache_ConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), config.RedisConfig{Addr: addr})
	assert.Error(t, err)
}
