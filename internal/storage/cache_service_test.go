package storage

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-sendqueue/internal/models"
	"github.com/campaign-sendqueue/internal/types"
)

func newTestCacheService(t *testing.T) (*CacheService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCacheService(NewRedisCacheFromClient(client), 0), mr
}

func TestCacheService_ProgressRoundTrip(t *testing.T) {
	cache, mr := newTestCacheService(t)
	ctx := testContext(t)
	assert.Equal(t, DefaultProgressTTL, cache.GetTTL())

	got, err := cache.GetProgress(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, got, "miss returns nil without error")

	want := &models.CampaignProgress{CampaignID: 42, Status: types.CampaignSending, Total: 10, Sent: 4, Failed: 1, Outstanding: 5}
	require.NoError(t, cache.SetProgress(ctx, want))
	assert.True(t, mr.Exists(ProgressKey(42)))

	got, err = cache.GetProgress(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	mr.FastForward(DefaultProgressTTL + time.Second)
	got, err = cache.GetProgress(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, got, "entry expires after the TTL")
}

func TestCacheService_InvalidateProgress(t *testing.T) {
	cache, mr := newTestCacheService(t)
	ctx := testContext(t)

	for _, id := range []int64{1, 2} {
		require.NoError(t, cache.SetProgress(ctx, &models.CampaignProgress{CampaignID: id}))
	}
	require.NoError(t, cache.InvalidateProgress(ctx))
	require.NoError(t, cache.InvalidateProgress(ctx, 1))

	assert.False(t, mr.Exists(ProgressKey(1)))
	assert.True(t, mr.Exists(ProgressKey(2)))
}

func TestCacheService_CorruptEntry(t *testing.T) {
	cache, mr := newTestCacheService(t)
	require.NoError(t, mr.Set(ProgressKey(9), "{not json"))

	_, err := cache.GetProgress(testContext(t), 9)
	assert.Error(t, err)
}
