package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/campaign-sendqueue/internal/models"
)

// Limiter reports and records send attempts per campaign.
// Limits are advisory: concurrent processors may overshoot by at most one batch.
type Limiter interface {
	// Remaining returns how many attempts the campaign may still make in the trailing window.
	Remaining(ctx context.Context, campaignID int64) (int, error)
	// Record appends the number of attempts a batch actually made for the campaign.
	Record(ctx context.Context, campaignID int64, count int) error
}

// RecordStore persists rate limit records.
type RecordStore interface {
	InsertRateLimitRecord(ctx context.Context, rec *models.RateLimitRecord) error
	// SumRateLimitSince sums counts recorded at or after since; a nil campaignID sums all campaigns.
	SumRateLimitSince(ctx context.Context, campaignID *int64, since time.Time) (int, error)
}

// StoreLimiter derives remaining budget from append-only rate limit records.
type StoreLimiter struct {
	store RecordStore
	cfg   Config
	now   func() time.Time
}

// NewStoreLimiter creates a limiter backed by the rate_limit_records table.
func NewStoreLimiter(store RecordStore, cfg Config) (*StoreLimiter, error) {
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &StoreLimiter{store: store, cfg: cfg, now: time.Now}, nil
}

// WithClock replaces the limiter's time source.
func (l *StoreLimiter) WithClock(now func() time.Time) *StoreLimiter {
	l.now = now
	return l
}

// Remaining implements Limiter.
func (l *StoreLimiter) Remaining(ctx context.Context, campaignID int64) (int, error) {
	since := l.now().Add(-l.cfg.Window)

	used, err := l.store.SumRateLimitSince(ctx, &campaignID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to sum campaign rate records: %w", err)
	}

	globalUsed := 0
	if l.cfg.GlobalHourlyLimit > 0 {
		globalUsed, err = l.store.SumRateLimitSince(ctx, nil, since)
		if err != nil {
			return 0, fmt.Errorf("failed to sum global rate records: %w", err)
		}
	}

	return remaining(l.cfg, used, globalUsed), nil
}

// Record implements Limiter.
func (l *StoreLimiter) Record(ctx context.Context, campaignID int64, count int) error {
	if count <= 0 {
		return nil
	}
	now := l.now()
	rec := &models.RateLimitRecord{
		CampaignID: campaignID,
		Count:      count,
		HourBucket: now.Truncate(time.Hour),
		RecordedAt: now,
	}
	if err := l.store.InsertRateLimitRecord(ctx, rec); err != nil {
		return fmt.Errorf("failed to record rate limit usage: %w", err)
	}
	return nil
}
