package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	apperrors "github.com/campaign-sendqueue/internal/errors"
	"github.com/campaign-sendqueue/internal/models"
	"github.com/campaign-sendqueue/internal/types"
)

// RecipientRepository handles the per-campaign send ledger
type RecipientRepository struct {
	db *PostgresDB
}

// NewRecipientRepository creates a new recipient repository
func NewRecipientRepository(db *PostgresDB) *RecipientRepository {
	return &RecipientRepository{db: db}
}

// normalizeEmail lowercases and trims an address for ledger uniqueness
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// dedupeSubscribers drops repeated and empty emails, keeping the first occurrence
func dedupeSubscribers(subs []models.Subscriber) []models.Subscriber {
	seen := make(map[string]struct{}, len(subs))
	out := make([]models.Subscriber, 0, len(subs))
	for _, s := range subs {
		email := normalizeEmail(s.Email)
		if email == "" {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		s.Email = email
		out = append(out, s)
	}
	return out
}

// Materialize inserts ledger entries and queue items for subscribers not yet in the campaign
func (r *RecipientRepository) Materialize(ctx context.Context, campaignID int64, subs []models.Subscriber, maxAttempts int, now time.Time) (int, error) {
	var inserted int
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		n, err := r.materializeTx(ctx, tx, campaignID, subs, maxAttempts, now)
		inserted = n
		return err
	})
	return inserted, err
}

// materializeTx is idempotent: the (campaign_id, email) constraint skips existing entries
// and queue items are created only for entries inserted by this call.
func (r *RecipientRepository) materializeTx(ctx context.Context, tx pgx.Tx, campaignID int64, subs []models.Subscriber, maxAttempts int, now time.Time) (int, error) {
	subs = dedupeSubscribers(subs)
	if len(subs) == 0 {
		return 0, nil
	}

	emails := make([]string, len(subs))
	names := make([]string, len(subs))
	companies := make([]string, len(subs))
	trackingIDs := make([]string, len(subs))
	unsubTokens := make([]string, len(subs))
	for i, s := range subs {
		emails[i] = s.Email
		names[i] = s.Name
		companies[i] = s.Company
		trackingIDs[i] = uuid.New().String()
		unsubTokens[i] = uuid.New().String()
	}

	query := `
		WITH input AS (
			SELECT * FROM unnest($2::text[], $3::text[], $4::text[], $5::text[], $6::text[])
				AS t(email, name, company, tracking_id, unsubscribe_token)
		), inserted AS (
			INSERT INTO campaign_recipients (
				campaign_id, email, name, company, status, tracking_id, unsubscribe_token, created_at
			)
			SELECT $1, email, name, company, 'pending', tracking_id::uuid, unsubscribe_token::uuid, $7
			FROM input
			ON CONFLICT (campaign_id, email) DO NOTHING
			RETURNING id
		)
		INSERT INTO send_queue (recipient_id, campaign_id, status, attempts, max_attempts, created_at, updated_at)
		SELECT id, $1, 'queued', 0, $8, $7, $7 FROM inserted
	`

	tag, err := tx.Exec(ctx, query, campaignID, emails, names, companies, trackingIDs, unsubTokens, now, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to materialize recipients: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// GetProgress returns ledger counts for a campaign
func (r *RecipientRepository) GetProgress(ctx context.Context, campaignID int64) (*models.CampaignProgress, error) {
	query := `
		SELECT c.status,
			COUNT(r.id),
			COUNT(r.id) FILTER (WHERE r.status = 'sent'),
			COUNT(r.id) FILTER (WHERE r.status = 'failed'),
			COUNT(r.id) FILTER (WHERE r.status = 'pending')
		FROM campaigns c
		LEFT JOIN campaign_recipients r ON r.campaign_id = c.id
		WHERE c.id = $1
		GROUP BY c.id, c.status
	`

	p := models.CampaignProgress{CampaignID: campaignID}
	err := r.db.Pool().QueryRow(ctx, query, campaignID).Scan(&p.Status, &p.Total, &p.Sent, &p.Failed, &p.Outstanding)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("campaign %d: %w", campaignID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get campaign progress: %w", err)
	}
	return &p, nil
}

// ListFailures returns terminally failed queue items of a campaign, newest first
func (r *RecipientRepository) ListFailures(ctx context.Context, campaignID int64, limit int) ([]models.FailedItem, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT q.id, r.id, r.email, q.attempts, COALESCE(q.error_message, ''), q.updated_at
		FROM send_queue q
		JOIN campaign_recipients r ON r.id = q.recipient_id
		WHERE q.campaign_id = $1 AND q.status = 'failed'
		ORDER BY q.updated_at DESC, q.id DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	items := []models.FailedItem{}
	for rows.Next() {
		var f models.FailedItem
		if err := rows.Scan(&f.QueueItemID, &f.RecipientID, &f.Email, &f.Attempts, &f.ErrorMessage, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failed item: %w", err)
		}
		items = append(items, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failures: %w", err)
	}

	return items, nil
}

// MarkOpened records the first open of a delivered message
func (r *RecipientRepository) MarkOpened(ctx context.Context, trackingID string, now time.Time) error {
	return r.markEvent(ctx, "opened_at", trackingID, now)
}

// MarkClicked records the first click of a delivered message
func (r *RecipientRepository) MarkClicked(ctx context.Context, trackingID string, now time.Time) error {
	return r.markEvent(ctx, "clicked_at", trackingID, now)
}

func (r *RecipientRepository) markEvent(ctx context.Context, column, trackingID string, now time.Time) error {
	id, err := uuid.Parse(trackingID)
	if err != nil {
		return fmt.Errorf("tracking id %q: %w", trackingID, apperrors.ErrNotFound)
	}

	// column is one of two constants above
	query := fmt.Sprintf(`UPDATE campaign_recipients SET %[1]s = COALESCE(%[1]s, $2) WHERE tracking_id = $1::text::uuid`, column)

	tag, err := r.db.Pool().Exec(ctx, query, id.String(), now)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tracking id %q: %w", trackingID, apperrors.ErrNotFound)
	}
	return nil
}

// statusSet converts recipient statuses for ANY($n) parameters
func statusSet(statuses ...types.RecipientStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
