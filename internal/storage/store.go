package storage

import (
	"context"
	"time"

	"github.com/campaign-sendqueue/internal/models"
	"github.com/campaign-sendqueue/internal/types"
)

// ClaimRequest describes one atomic claim
type ClaimRequest struct {
	Limit       int
	CampaignID  *int64
	Now         time.Time
	StaleBefore time.Time // claims older than this are reclaimed first
	Token       string
}

// ClaimResult is the outcome of an atomic claim
type ClaimResult struct {
	Items     []models.ClaimedItem
	Reclaimed int
}

// Store is the full persistence contract of the engine. PostgresStore and MemoryStore implement it.
type Store interface {
	// Campaigns
	CreateCampaign(ctx context.Context, c *models.Campaign) error
	GetCampaign(ctx context.Context, id int64) (*models.Campaign, error)
	ListAutoMaterializeCampaigns(ctx context.Context, now time.Time) ([]models.Campaign, error)
	Reconcile(ctx context.Context, campaignID int64, now time.Time) (*models.Aggregates, error)
	ReviveDrifted(ctx context.Context, now time.Time) ([]int64, error)

	// Control operations, each atomic
	StartCampaign(ctx context.Context, id int64, to types.CampaignStatus, subs []models.Subscriber, maxAttempts int, now time.Time) (int, error)
	PauseCampaign(ctx context.Context, id int64, now time.Time) (int, error)
	ResumeCampaign(ctx context.Context, id int64, to types.CampaignStatus, now time.Time) (int, error)
	RequeueFailed(ctx context.Context, id int64, now time.Time) (int, error)
	SetImmediateSending(ctx context.Context, id int64, now time.Time) error
	EnsureQueueItems(ctx context.Context, id int64, maxAttempts int, now time.Time) (int, error)
	DedupeQueueItems(ctx context.Context, id int64) (int, error)

	// Ledger
	MaterializeRecipients(ctx context.Context, campaignID int64, subs []models.Subscriber, maxAttempts int, now time.Time) (int, error)
	GetProgress(ctx context.Context, campaignID int64) (*models.CampaignProgress, error)
	ListFailures(ctx context.Context, campaignID int64, limit int) ([]models.FailedItem, error)
	MarkOpened(ctx context.Context, trackingID string, now time.Time) error
	MarkClicked(ctx context.Context, trackingID string, now time.Time) error

	// Queue
	ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error)
	Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error)
	CompleteSent(ctx context.Context, itemID int64, token string, now time.Time) error
	ScheduleRetry(ctx context.Context, itemID int64, token string, attempts int, nextAttemptAt time.Time, errMsg string, now time.Time) error
	FailPermanently(ctx context.Context, itemID int64, token string, attempts int, errMsg string, now time.Time) error
	Defer(ctx context.Context, itemID int64, token string, until *time.Time, now time.Time) error

	// Rate limit records
	InsertRateLimitRecord(ctx context.Context, rec *models.RateLimitRecord) error
	SumRateLimitSince(ctx context.Context, campaignID *int64, since time.Time) (int, error)

	// Subscriber directory
	CreateSubscriber(ctx context.Context, s *models.Subscriber) error
	ListActiveSubscribers(ctx context.Context) ([]models.Subscriber, error)
	FindSubscribersNotInCampaign(ctx context.Context, campaignID int64) ([]models.Subscriber, error)
	ListReachedEmails(ctx context.Context) ([]string, error)

	Ping(ctx context.Context) error
	Close()
}
