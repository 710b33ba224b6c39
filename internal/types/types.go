// Package types provides common type definitions for the campaign send-queue engine.
package types

// CampaignStatus represents the lifecycle state of a campaign
type CampaignStatus string

const (
	// CampaignDraft represents a campaign that has not been started
	CampaignDraft CampaignStatus = "draft"
	// CampaignScheduled represents a started campaign waiting for its scheduled time
	CampaignScheduled CampaignStatus = "scheduled"
	// CampaignSending represents a campaign whose queue is being drained
	CampaignSending CampaignStatus = "sending"
	// CampaignPaused represents a campaign cancelled by an operator
	CampaignPaused CampaignStatus = "paused"
	// CampaignCompleted represents a campaign with no pending recipients left
	CampaignCompleted CampaignStatus = "completed"
)

// Valid reports whether s is a known campaign status
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignScheduled, CampaignSending, CampaignPaused, CampaignCompleted:
		return true
	}
	return false
}

// SendMode represents how a campaign is delivered
type SendMode string

const (
	// SendImmediate sends as soon as possible
	SendImmediate SendMode = "immediate"
	// SendQueued drains through the rate-limited queue
	SendQueued SendMode = "queued"
	// SendScheduled waits for the campaign's scheduled time
	SendScheduled SendMode = "scheduled"
)

// Valid reports whether m is a known send mode
func (m SendMode) Valid() bool {
	switch m {
	case SendImmediate, SendQueued, SendScheduled:
		return true
	}
	return false
}

// Segment selects the recipient population of a campaign
type Segment string

const (
	// SegmentAllActive targets every active subscriber
	SegmentAllActive Segment = "all_active"
	// SegmentUnreached targets active subscribers never sent to in any campaign
	SegmentUnreached Segment = "unreached"
	// SegmentReached targets active subscribers sent to in at least one campaign
	SegmentReached Segment = "reached"
	// SegmentCustom targets an explicit list of emails
	SegmentCustom Segment = "custom"
)

// Valid reports whether s is a known segment
func (s Segment) Valid() bool {
	switch s {
	case SegmentAllActive, SegmentUnreached, SegmentReached, SegmentCustom:
		return true
	}
	return false
}

// RecipientStatus represents the delivery state of a ledger entry
type RecipientStatus string

const (
	// RecipientPending has not been delivered yet
	RecipientPending RecipientStatus = "pending"
	// RecipientSent was delivered
	RecipientSent RecipientStatus = "sent"
	// RecipientFailed exhausted its attempts
	RecipientFailed RecipientStatus = "failed"
)

// QueueStatus represents the state of a queue item
type QueueStatus string

const (
	// QueueQueued is waiting to be claimed
	QueueQueued QueueStatus = "queued"
	// QueueClaimed is held by a processor invocation
	QueueClaimed QueueStatus = "claimed"
	// QueueRetryPending failed transiently and waits for its backoff
	QueueRetryPending QueueStatus = "retry_pending"
	// QueueSent was delivered
	QueueSent QueueStatus = "sent"
	// QueueFailed is terminal
	QueueFailed QueueStatus = "failed"
)

// CancelledByOperator is the error recorded on queue items failed by a pause.
// Resume re-queues exactly the items carrying this marker.
const CancelledByOperator = "cancelled by operator"

// Role identifies what a principal may do
type Role string

const (
	// RoleAdmin may run every control operation
	RoleAdmin Role = "admin"
	// RoleViewer may only read progress
	RoleViewer Role = "viewer"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// ControlResult is the outcome of a campaign control operation
type ControlResult struct {
	OK      bool        `json:"ok"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Accepted builds a successful control result
func Accepted(message string, data interface{}) *ControlResult {
	return &ControlResult{OK: true, Message: message, Data: data}
}

// Rejected builds a rejected control result
func Rejected(message string) *ControlResult {
	return &ControlResult{OK: false, Message: message}
}
