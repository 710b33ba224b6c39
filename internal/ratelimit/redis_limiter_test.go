package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestNewRedisLimiter(t *testing.T) {
	_, err := NewRedisLimiter(nil, Config{})
	assert.EqualError(t, err, "redis client is required")

	_, client := setupMiniredis(t)
	_, err = NewRedisLimiter(client, Config{HourlyLimit: -5})
	assert.Error(t, err)
}

func TestRedisLimiterWindow(t *testing.T) {
	_, client := setupMiniredis(t)
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	l, err := NewRedisLimiter(client, Config{HourlyLimit: 20})
	require.NoError(t, err)
	l.WithClock(func() time.Time { return now })

	ctx := context.Background()
	require.NoError(t, l.Record(ctx, 7, 5))

	now = now.Add(30 * time.Minute)
	require.NoError(t, l.Record(ctx, 7, 6))

	left, err := l.Remaining(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 9, left)

	other, err := l.Remaining(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, 20, other)

	// first record leaves the trailing window
	now = now.Add(31 * time.Minute)
	left, err = l.Remaining(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 14, left)
}

func TestRedisLimiterKeysExpire(t *testing.T) {
	mr, client := setupMiniredis(t)
	l, err := NewRedisLimiter(client, Config{HourlyLimit: 20})
	require.NoError(t, err)

	require.NoError(t, l.Record(context.Background(), 1, 3))
	keys := mr.Keys()
	require.Len(t, keys, 2)
	for _, k := range keys {
		assert.Equal(t, time.Hour+time.Minute, mr.TTL(k))
	}
}

func TestRedisLimiterGlobalCap(t *testing.T) {
	_, client := setupMiniredis(t)
	l, err := NewRedisLimiter(client, Config{HourlyLimit: 100, GlobalHourlyLimit: 10})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, l.Record(ctx, 1, 4))
	require.NoError(t, l.Record(ctx, 2, 4))

	left, err := l.Remaining(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, left)
}

func TestRedisLimiterUnavailable(t *testing.T) {
	mr, client := setupMiniredis(t)
	l, err := NewRedisLimiter(client, Config{})
	require.NoError(t, err)
	mr.Close()

	_, err = l.Remaining(context.Background(), 1)
	assert.Error(t, err)
}
