package models

import (
	"time"

	"github.com/campaign-sendqueue/internal/types"
)

// DefaultMaxAttempts is the attempt budget of a new queue item
const DefaultMaxAttempts = 5

// QueueItem is one unit of send work for one ledger entry
type QueueItem struct {
	ID            int64             `json:"id" db:"id"`
	RecipientID   int64             `json:"recipientId" db:"recipient_id"`
	CampaignID    int64             `json:"campaignId" db:"campaign_id"`
	Status        types.QueueStatus `json:"status" db:"status"`
	Attempts      int               `json:"attempts" db:"attempts"`
	MaxAttempts   int               `json:"maxAttempts" db:"max_attempts"`
	ClaimToken    *string           `json:"claimToken,omitempty" db:"claim_token"`
	ClaimedAt     *time.Time        `json:"claimedAt,omitempty" db:"claimed_at"`
	NextAttemptAt *time.Time        `json:"nextAttemptAt,omitempty" db:"next_attempt_at"`
	ErrorMessage  *string           `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt     time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time         `json:"updatedAt" db:"updated_at"`
}

// ClaimedItem is a claimed queue item joined with everything needed to render and send it
type ClaimedItem struct {
	Item      QueueItem
	Recipient Recipient
	Campaign  Campaign
}

// FailedItem is a terminally failed queue item for the failure drill-down
type FailedItem struct {
	QueueItemID  int64     `json:"queueItemId"`
	RecipientID  int64     `json:"recipientId"`
	Email        string    `json:"email"`
	Attempts     int       `json:"attempts"`
	ErrorMessage string    `json:"errorMessage"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RateLimitRecord is an append-only record of send attempts made in one batch
type RateLimitRecord struct {
	ID         int64     `json:"id" db:"id"`
	CampaignID int64     `json:"campaignId" db:"campaign_id"`
	Count      int       `json:"count" db:"count"`
	HourBucket time.Time `json:"hourBucket" db:"hour_bucket"`
	RecordedAt time.Time `json:"recordedAt" db:"recorded_at"`
}
