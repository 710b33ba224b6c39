package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/campaign-sendqueue/internal/models"
)

// DefaultProgressTTL bounds how stale a cached progress read may be
const DefaultProgressTTL = 5 * time.Second

const progressKeyPrefix = "sendq:progress:"

// CacheService caches campaign progress reads in Redis
type CacheService struct {
	redis *RedisCache
	ttl   time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(redis *RedisCache, ttl time.Duration) *CacheService {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &CacheService{
		redis: redis,
		ttl:   ttl,
	}
}

// ProgressKey returns the cache key of a campaign's progress
func ProgressKey(campaignID int64) string {
	return progressKeyPrefix + strconv.FormatInt(campaignID, 10)
}

// GetProgress returns the cached progress, or nil on a miss
func (c *CacheService) GetProgress(ctx context.Context, campaignID int64) (*models.CampaignProgress, error) {
	data, err := c.redis.client.Get(ctx, ProgressKey(campaignID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var p models.CampaignProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached value: %w", err)
	}
	return &p, nil
}

// SetProgress stores progress with the configured TTL
func (c *CacheService) SetProgress(ctx context.Context, p *models.CampaignProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return c.redis.client.Set(ctx, ProgressKey(p.CampaignID), data, c.ttl).Err()
}

// InvalidateProgress drops the cached progress of the given campaigns
func (c *CacheService) InvalidateProgress(ctx context.Context, campaignIDs ...int64) error {
	if len(campaignIDs) == 0 {
		return nil
	}
	keys := make([]string, len(campaignIDs))
	for i, id := range campaignIDs {
		keys[i] = ProgressKey(id)
	}
	return c.redis.client.Del(ctx, keys...).Err()
}

// GetTTL returns the configured TTL for this cache service
func (c *CacheService) GetTTL() time.Duration {
	return c.ttl
}
