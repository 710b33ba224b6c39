package models

import (
	"time"

	"github.com/campaign-sendqueue/internal/types"
)

// Recipient is a ledger entry: one per (campaign, email)
type Recipient struct {
	ID               int64                 `json:"id" db:"id"`
	CampaignID       int64                 `json:"campaignId" db:"campaign_id"`
	Email            string                `json:"email" db:"email"`
	Name             string                `json:"name" db:"name"`
	Company          string                `json:"company,omitempty" db:"company"`
	Status           types.RecipientStatus `json:"status" db:"status"`
	TrackingID       string                `json:"trackingId" db:"tracking_id"`
	UnsubscribeToken string                `json:"unsubscribeToken" db:"unsubscribe_token"`
	SentAt           *time.Time            `json:"sentAt,omitempty" db:"sent_at"`
	OpenedAt         *time.Time            `json:"openedAt,omitempty" db:"opened_at"`
	ClickedAt        *time.Time            `json:"clickedAt,omitempty" db:"clicked_at"`
	CreatedAt        time.Time             `json:"createdAt" db:"created_at"`
}

// Subscriber is an entry of the external subscriber directory
type Subscriber struct {
	ID        int64     `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	Company   string    `json:"company,omitempty" db:"company"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}
