// Package lock guards campaign control operations against concurrent duplicate submission.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when the key is already held by another operation
var ErrHeld = errors.New("lock held")

// Guard hands out exclusive, expiring holds on keys
type Guard interface {
	// Acquire takes the key or returns ErrHeld. The returned release is safe to call once.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Key builds the guard key of a control operation on a campaign
func Key(operation string, campaignID int64) string {
	return fmt.Sprintf("campaign:%d:%s", campaignID, operation)
}

// LocalGuard is an in-process Guard for single-instance deployments
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalGuard creates an in-process guard
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[string]struct{})}
}

// Acquire implements Guard.
func (g *LocalGuard) Acquire(ctx context.Context, key string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.held[key]; ok {
		return nil, ErrHeld
	}
	g.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
	}, nil
}

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard is a Guard shared by every instance using the same Redis
type RedisGuard struct {
	client RedisClient
	ttl    time.Duration
	prefix string
}

// RedisClient is the subset of go-redis the guard needs
type RedisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// NewRedisGuard creates a guard whose holds expire after ttl if never released
func NewRedisGuard(client RedisClient, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisGuard{client: client, ttl: ttl, prefix: "sendq:lock:"}
}

// Acquire implements Guard.
func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(), error) {
	fullKey := g.prefix + key
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, fullKey, token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// released with a fresh context so a cancelled request still frees the key
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, g.client, []string{fullKey}, token).Err() // nolint:errcheck // expiry covers failures
		})
	}, nil
}
