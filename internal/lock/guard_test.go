package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "campaign:42:start", Key("start", 42))
}

func TestLocalGuard(t *testing.T) {
	g := NewLocalGuard()
	ctx := context.Background()

	release, err := g.Acquire(ctx, "a")
	require.NoError(t, err)

	_, err = g.Acquire(ctx, "a")
	assert.ErrorIs(t, err, ErrHeld)

	other, err := g.Acquire(ctx, "b")
	require.NoError(t, err)
	other()

	release()
	release()

	again, err := g.Acquire(ctx, "a")
	require.NoError(t, err)
	again()
}

func TestLocalGuardSingleWinner(t *testing.T) {
	g := NewLocalGuard()
	var winners int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := g.Acquire(context.Background(), "hot"); err == nil {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners)
}

func setupRedisGuard(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisGuard) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, NewRedisGuard(client, ttl)
}

func TestRedisGuard(t *testing.T) {
	mr, g := setupRedisGuard(t, time.Minute)
	ctx := context.Background()

	release, err := g.Acquire(ctx, Key("start", 1))
	require.NoError(t, err)
	assert.True(t, mr.Exists("sendq:lock:campaign:1:start"))

	_, err = g.Acquire(ctx, Key("start", 1))
	assert.ErrorIs(t, err, ErrHeld)

	release()
	assert.False(t, mr.Exists("sendq:lock:campaign:1:start"))

	release2, err := g.Acquire(ctx, Key("start", 1))
	require.NoError(t, err)
	release2()
}

func TestRedisGuardExpiry(t *testing.T) {
	mr, g := setupRedisGuard(t, time.Second)
	ctx := context.Background()

	stale, err := g.Acquire(ctx, "k")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	fresh, err := g.Acquire(ctx, "k")
	require.NoError(t, err)

	// the expired holder must not free the new holder's key
	stale()
	assert.True(t, mr.Exists("sendq:lock:k"))

	fresh()
	assert.False(t, mr.Exists("sendq:lock:k"))
}

func TestRedisGuardUnavailable(t *testing.T) {
	mr, g := setupRedisGuard(t, time.Minute)
	mr.Close()

	_, err := g.Acquire(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrHeld)
}
