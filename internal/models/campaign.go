// Package models provides data models for the campaign send-queue engine.
package models

import (
	"time"

	"github.com/campaign-sendqueue/internal/types"
)

// Campaign represents a bulk email campaign
type Campaign struct {
	ID               int64                `json:"id" db:"id"`
	Name             string               `json:"name" db:"name"`
	Status           types.CampaignStatus `json:"status" db:"status"`
	SendMode         types.SendMode       `json:"sendMode" db:"send_mode"`
	ScheduledAt      *time.Time           `json:"scheduledAt,omitempty" db:"scheduled_at"`
	Subject          string               `json:"subject" db:"subject"`
	SenderName       string               `json:"senderName" db:"sender_name"`
	SenderEmail      string               `json:"senderEmail" db:"sender_email"`
	Greeting         string               `json:"greeting,omitempty" db:"greeting"`
	Body             string               `json:"body,omitempty" db:"body"`
	Signature        string               `json:"signature,omitempty" db:"signature"`
	HTMLTemplate     string               `json:"htmlTemplate,omitempty" db:"html_template"` // raw HTML, overrides greeting/body/signature
	Attachments      []Attachment         `json:"attachments,omitempty" db:"attachments"`
	IncludeAllActive bool                 `json:"includeAllActive" db:"include_all_active"`
	Segment          types.Segment        `json:"segment" db:"segment"`
	CustomEmails     []string             `json:"customEmails,omitempty" db:"custom_emails"`
	TotalRecipients  int                  `json:"totalRecipients" db:"total_recipients"`
	SentCount        int                  `json:"sentCount" db:"sent_count"`
	FailedCount      int                  `json:"failedCount" db:"failed_count"`
	StartedAt        *time.Time           `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt      *time.Time           `json:"completedAt,omitempty" db:"completed_at"`
	CreatedAt        time.Time            `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time            `json:"updatedAt" db:"updated_at"`
}

// Attachment is attachment metadata stored with the campaign
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Path        string `json:"path"`
}

// Eligible reports whether queue items of the campaign may be claimed at now
func (c *Campaign) Eligible(now time.Time) bool {
	switch c.Status {
	case types.CampaignSending:
		return true
	case types.CampaignScheduled:
		return c.ScheduledAt != nil && !c.ScheduledAt.After(now)
	}
	return false
}

// CampaignProgress is the operator view of a campaign's delivery state
type CampaignProgress struct {
	CampaignID  int64                `json:"campaignId"`
	Status      types.CampaignStatus `json:"status"`
	Total       int                  `json:"total"`
	Sent        int                  `json:"sent"`
	Failed      int                  `json:"failed"`
	Outstanding int                  `json:"outstanding"`
}

// Aggregates are campaign counters recomputed from the ledger
type Aggregates struct {
	Total   int
	Sent    int
	Failed  int
	Pending int
}
