package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/campaign-sendqueue/internal/models"
)

// RateLimitRepository handles append-only rate limit records
type RateLimitRepository struct {
	db *PostgresDB
}

// NewRateLimitRepository creates a new rate limit repository
func NewRateLimitRepository(db *PostgresDB) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

// Insert appends one record
func (r *RateLimitRepository) Insert(ctx context.Context, rec *models.RateLimitRecord) error {
	query := `
		INSERT INTO rate_limit_records (campaign_id, count, hour_bucket, recorded_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`

	err := r.db.Pool().QueryRow(ctx, query, rec.CampaignID, rec.Count, rec.HourBucket, rec.RecordedAt).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to insert rate limit record: %w", err)
	}
	return nil
}

// SumSince sums counts recorded at or after since. A nil campaignID sums every campaign.
func (r *RateLimitRepository) SumSince(ctx context.Context, campaignID *int64, since time.Time) (int, error) {
	query := `
		SELECT COALESCE(SUM(count), 0)
		FROM rate_limit_records
		WHERE recorded_at >= $1 AND ($2::bigint IS NULL OR campaign_id = $2::bigint)
	`

	var total int
	if err := r.db.Pool().QueryRow(ctx, query, since, campaignID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum rate limit records: %w", err)
	}
	return total, nil
}
