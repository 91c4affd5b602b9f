package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/illmade-knight/go-thingbridge/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type presenceTestValue struct {
	Instance string `json:"instance"`
	Since    int64  `json:"since"`
}

func exercisePresenceCache(t *testing.T, c cache.PresenceCache[string, presenceTestValue]) {
	t.Helper()
	ctx := context.Background()
	value := presenceTestValue{Instance: "bridge-1", Since: 42}

	require.NoError(t, c.Set(ctx, "conn-1", value))
	got, err := c.Fetch(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, value, got)

	require.NoError(t, c.Delete(ctx, "conn-1"))
	_, err = c.Fetch(ctx, "conn-1")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestInMemoryPresenceCache(t *testing.T) {
	exercisePresenceCache(t, cache.NewInMemoryPresenceCache[string, presenceTestValue]())
}

func TestRedisPresenceCache(t *testing.T) {
	// Arrange
	mr := miniredis.RunT(t)
	cfg := &cache.RedisConfig{Addr: mr.Addr(), CacheTTL: time.Minute, KeyPrefix: "presence:"}
	c, err := cache.NewRedisPresenceCache[string, presenceTestValue](context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	// Act & Assert
	exercisePresenceCache(t, c)

	require.NoError(t, c.Set(context.Background(), "conn-2", presenceTestValue{Instance: "x"}))
	assert.True(t, mr.Exists("presence:conn-2"))
	mr.FastForward(2 * time.Minute)
	_, err = c.Fetch(context.Background(), "conn-2")
	assert.ErrorIs(t, err, cache.ErrCacheMiss, "presence expires with the TTL")
}
