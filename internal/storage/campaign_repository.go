package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/campaign-sendqueue/internal/errors"
	"github.com/campaign-sendqueue/internal/models"
	"github.com/campaign-sendqueue/internal/types"
)

const campaignColumns = `
	c.id, c.name, c.status, c.send_mode, c.scheduled_at, c.subject, c.sender_name, c.sender_email,
	c.greeting, c.body, c.signature, c.html_template, c.attachments, c.include_all_active,
	c.segment, c.custom_emails, c.total_recipients, c.sent_count, c.failed_count,
	c.started_at, c.completed_at, c.created_at, c.updated_at`

// CampaignRepository handles campaign persistence
type CampaignRepository struct {
	db *PostgresDB
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *PostgresDB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// campaignScanTargets returns scan destinations matching campaignColumns
func campaignScanTargets(c *models.Campaign, attachments *[]byte) []any {
	return []any{
		&c.ID, &c.Name, &c.Status, &c.SendMode, &c.ScheduledAt, &c.Subject, &c.SenderName, &c.SenderEmail,
		&c.Greeting, &c.Body, &c.Signature, &c.HTMLTemplate, attachments, &c.IncludeAllActive,
		&c.Segment, &c.CustomEmails, &c.TotalRecipients, &c.SentCount, &c.FailedCount,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	}
}

func decodeAttachments(c *models.Campaign, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &c.Attachments); err != nil {
		return fmt.Errorf("failed to unmarshal attachments: %w", err)
	}
	return nil
}

// scanCampaign scans one row selected with campaignColumns
func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	var c models.Campaign
	var attachments []byte

	if err := row.Scan(campaignScanTargets(&c, &attachments)...); err != nil {
		return nil, err
	}
	if err := decodeAttachments(&c, attachments); err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a new campaign and fills its ID and timestamps
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	attachments := c.Attachments
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("failed to marshal attachments: %w", err)
	}
	custom := c.CustomEmails
	if custom == nil {
		custom = []string{}
	}

	query := `
		INSERT INTO campaigns (
			name, status, send_mode, scheduled_at, subject, sender_name, sender_email,
			greeting, body, signature, html_template, attachments, include_all_active,
			segment, custom_emails
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		c.Name,
		c.Status,
		c.SendMode,
		c.ScheduledAt,
		c.Subject,
		c.SenderName,
		c.SenderEmail,
		c.Greeting,
		c.Body,
		c.Signature,
		c.HTMLTemplate,
		attachmentsJSON,
		c.IncludeAllActive,
		c.Segment,
		custom,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	return nil
}

// GetByID retrieves a campaign by ID
func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns c WHERE c.id = $1`

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("campaign %d: %w", id, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

// getForUpdate locks the campaign row inside tx
func (r *CampaignRepository) getForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns c WHERE c.id = $1 FOR UPDATE`

	c, err := scanCampaign(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("campaign %d: %w", id, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock campaign: %w", err)
	}
	return c, nil
}

// transition moves a campaign from one of the from statuses to to, or returns ErrStatusChanged
func (r *CampaignRepository) transition(ctx context.Context, tx pgx.Tx, id int64, from []types.CampaignStatus, to types.CampaignStatus, now time.Time) error {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	query := `
		UPDATE campaigns
		SET status = $3,
			started_at = CASE WHEN $3 IN ('sending', 'scheduled') AND started_at IS NULL THEN $4 ELSE started_at END,
			completed_at = CASE WHEN $3 = 'completed' THEN $4 ELSE NULL END,
			updated_at = $4
		WHERE id = $1 AND status = ANY($2)
	`

	tag, err := tx.Exec(ctx, query, id, fromStrs, string(to), now)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %d: %w", id, apperrors.ErrStatusChanged)
	}
	return nil
}

// ListAutoMaterialize returns include-all-active campaigns whose queue is currently eligible
func (r *CampaignRepository) ListAutoMaterialize(ctx context.Context, now time.Time) ([]models.Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns c
		WHERE c.include_all_active
		  AND (c.status = 'sending' OR (c.status = 'scheduled' AND c.scheduled_at <= $1))
		ORDER BY c.id
	`

	rows, err := r.db.Pool().Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list auto-materialize campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating campaigns: %w", err)
	}

	return campaigns, nil
}

// Reconcile recomputes a campaign's counters from its ledger. A sending campaign, or a
// scheduled one whose time has come, completes once drained and otherwise is sending.
// A completed campaign that has pending entries again is revived.
func (r *CampaignRepository) Reconcile(ctx context.Context, campaignID int64, now time.Time) (*models.Aggregates, error) {
	query := `
		WITH agg AS (
			SELECT
				COUNT(*)                                   AS total,
				COUNT(*) FILTER (WHERE status = 'sent')    AS sent,
				COUNT(*) FILTER (WHERE status = 'failed')  AS failed,
				COUNT(*) FILTER (WHERE status = 'pending') AS pending
			FROM campaign_recipients
			WHERE campaign_id = $1
		)
		UPDATE campaigns c
		SET total_recipients = agg.total,
			sent_count = agg.sent,
			failed_count = agg.failed,
			status = CASE
				WHEN (c.status = 'sending' OR (c.status = 'scheduled' AND c.scheduled_at <= $2))
					AND agg.pending = 0 THEN 'completed'
				WHEN c.status = 'scheduled' AND c.scheduled_at <= $2 THEN 'sending'
				WHEN c.status = 'completed' AND agg.pending > 0 THEN 'sending'
				ELSE c.status
			END,
			completed_at = CASE
				WHEN (c.status = 'sending' OR (c.status = 'scheduled' AND c.scheduled_at <= $2))
					AND agg.pending = 0 THEN $2
				WHEN c.status = 'completed' AND agg.pending > 0 THEN NULL
				ELSE c.completed_at
			END,
			updated_at = $2
		FROM agg
		WHERE c.id = $1
		RETURNING agg.total, agg.sent, agg.failed, agg.pending
	`

	var a models.Aggregates
	err := r.db.Pool().QueryRow(ctx, query, campaignID, now).Scan(&a.Total, &a.Sent, &a.Failed, &a.Pending)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("campaign %d: %w", campaignID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to reconcile campaign: %w", err)
	}
	return &a, nil
}

// ReviveDrifted moves completed campaigns that still have pending ledger entries back to sending
func (r *CampaignRepository) ReviveDrifted(ctx context.Context, now time.Time) ([]int64, error) {
	query := `
		UPDATE campaigns c
		SET status = 'sending', completed_at = NULL, updated_at = $1
		WHERE c.status = 'completed'
		  AND EXISTS (
			SELECT 1 FROM campaign_recipients r
			WHERE r.campaign_id = c.id AND r.status = 'pending'
		  )
		RETURNING c.id
	`

	rows, err := r.db.Pool().Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to revive drifted campaigns: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan campaign id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetImmediateSending switches a started campaign to immediate mode and sending status
func (r *CampaignRepository) SetImmediateSending(ctx context.Context, id int64, now time.Time) error {
	query := `
		UPDATE campaigns
		SET send_mode = 'immediate', status = 'sending', completed_at = NULL,
			started_at = COALESCE(started_at, $2), updated_at = $2
		WHERE id = $1 AND status IN ('scheduled', 'sending', 'completed')
	`

	tag, err := r.db.Pool().Exec(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("failed to set campaign immediate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("campaign %d: %w", id, apperrors.ErrStatusChanged)
	}
	return nil
}
