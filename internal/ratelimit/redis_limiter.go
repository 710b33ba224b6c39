package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for send attempt tracking.
const (
	KeyPrefixCampaign = "sendq:rl:c:"
	KeyPrefixGlobal   = "sendq:rl:g:"
)

// RedisLimiter approximates the trailing window with per-minute counters in Redis.
// It lets several processor hosts share one budget without touching the database.
type RedisLimiter struct {
	redis      redis.Cmdable
	cfg        Config
	bucketSize time.Duration
	keyTTL     time.Duration
	now        func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter.
func NewRedisLimiter(client redis.Cmdable, cfg Config) (*RedisLimiter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &RedisLimiter{
		redis:      client,
		cfg:        cfg,
		bucketSize: DefaultBucketSize,
		keyTTL:     cfg.Window + DefaultBucketSize,
		now:        time.Now,
	}, nil
}

// WithClock replaces the limiter's time source.
func (l *RedisLimiter) WithClock(now func() time.Time) *RedisLimiter {
	l.now = now
	return l
}

// bucketKeys returns the keys of every bucket overlapping the trailing window, oldest first.
func (l *RedisLimiter) bucketKeys(prefix string) []string {
	current := l.now().Truncate(l.bucketSize)
	n := int(l.cfg.Window / l.bucketSize)
	keys := make([]string, 0, n)
	for i := n - 1; i >= 0; i-- {
		ts := current.Add(-time.Duration(i) * l.bucketSize).Unix()
		keys = append(keys, prefix+strconv.FormatInt(ts, 10))
	}
	return keys
}

func campaignPrefix(campaignID int64) string {
	return KeyPrefixCampaign + strconv.FormatInt(campaignID, 10) + ":"
}

// sum adds every existing bucket value, treating missing keys as 0.
func (l *RedisLimiter) sum(ctx context.Context, keys []string) (int, error) {
	vals, err := l.redis.MGet(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	total := 0
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		total += n
	}
	return total, nil
}

// Remaining implements Limiter.
func (l *RedisLimiter) Remaining(ctx context.Context, campaignID int64) (int, error) {
	used, err := l.sum(ctx, l.bucketKeys(campaignPrefix(campaignID)))
	if err != nil {
		return 0, fmt.Errorf("failed to read campaign send window: %w", err)
	}

	globalUsed := 0
	if l.cfg.GlobalHourlyLimit > 0 {
		globalUsed, err = l.sum(ctx, l.bucketKeys(KeyPrefixGlobal))
		if err != nil {
			return 0, fmt.Errorf("failed to read global send window: %w", err)
		}
	}

	return remaining(l.cfg, used, globalUsed), nil
}

// Record implements Limiter.
func (l *RedisLimiter) Record(ctx context.Context, campaignID int64, count int) error {
	if count <= 0 {
		return nil
	}

	ts := strconv.FormatInt(l.now().Truncate(l.bucketSize).Unix(), 10)
	campaignKey := campaignPrefix(campaignID) + ts
	globalKey := KeyPrefixGlobal + ts

	pipe := l.redis.Pipeline()
	pipe.IncrBy(ctx, campaignKey, int64(count))
	pipe.Expire(ctx, campaignKey, l.keyTTL)
	pipe.IncrBy(ctx, globalKey, int64(count))
	pipe.Expire(ctx, globalKey, l.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record send attempts: %w", err)
	}
	return nil
}
