package storage

import (
	"net"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-sendqueue/internal/config"
)

func TestNewRedisCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)

	cache, err := NewRedisCache(testContext(t), &config.RedisConfig{Host: host, Port: port, MaxConnections: 4})
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, cache.Close())
	}()

	assert.NoError(t, cache.Ping(testContext(t)))
	assert.NotNil(t, cache.Client())
}

func TestNewRedisCache_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	mr.Close()

	_, err = NewRedisCache(testContext(t), &config.RedisConfig{Host: host, Port: port, MaxConnections: 1})
	assert.Error(t, err)
}
