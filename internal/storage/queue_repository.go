package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/campaign-sendqueue/internal/errors"
	"github.com/campaign-sendqueue/internal/models"
	"github.com/campaign-sendqueue/internal/types"
)

// QueueRepository handles send queue persistence and the claiming protocol
type QueueRepository struct {
	db *PostgresDB
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(db *PostgresDB) *QueueRepository {
	return &QueueRepository{db: db}
}

const reclaimStaleQuery = `
	UPDATE send_queue
	SET status = 'queued', claim_token = NULL, claimed_at = NULL, updated_at = $2
	WHERE id IN (
		SELECT id FROM send_queue
		WHERE status = 'claimed' AND claimed_at < $1
		FOR UPDATE SKIP LOCKED
	)
`

// ReclaimStale returns claims older than staleBefore to the queue
func (r *QueueRepository) ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error) {
	tag, err := r.db.Pool().Exec(ctx, reclaimStaleQuery, staleBefore, now)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Claim atomically reclaims stale claims, selects up to Limit eligible items FIFO,
// and marks them claimed with the request token. Rows locked by a concurrent
// claimer are skipped, so no item is ever held by two claims.
func (r *QueueRepository) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	res := &ClaimResult{}

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, reclaimStaleQuery, req.StaleBefore, req.Now)
		if err != nil {
			return fmt.Errorf("failed to reclaim stale claims: %w", err)
		}
		res.Reclaimed = int(tag.RowsAffected())

		selectQuery := `
			SELECT q.id
			FROM send_queue q
			JOIN campaigns c ON c.id = q.campaign_id
			WHERE q.status IN ('queued', 'retry_pending')
			  AND q.attempts < q.max_attempts
			  AND (q.next_attempt_at IS NULL OR q.next_attempt_at <= $1)
			  AND (c.status = 'sending' OR (c.status = 'scheduled' AND c.scheduled_at <= $1))
			  AND ($2::bigint IS NULL OR q.campaign_id = $2::bigint)
			ORDER BY q.created_at, q.id
			LIMIT $3
			FOR UPDATE OF q SKIP LOCKED
		`

		rows, err := tx.Query(ctx, selectQuery, req.Now, req.CampaignID, req.Limit)
		if err != nil {
			return fmt.Errorf("failed to select eligible items: %w", err)
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("failed to scan eligible items: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE send_queue
			SET status = 'claimed', claim_token = $2::text::uuid, claimed_at = $3, updated_at = $3
			WHERE id = ANY($1)
		`, ids, req.Token, req.Now)
		if err != nil {
			return fmt.Errorf("failed to mark items claimed: %w", err)
		}

		items, err := r.loadClaimed(ctx, tx, req.Token)
		if err != nil {
			return err
		}
		res.Items = items
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// loadClaimed joins every item holding token with its ledger entry and campaign
func (r *QueueRepository) loadClaimed(ctx context.Context, tx pgx.Tx, token string) ([]models.ClaimedItem, error) {
	query := `
		SELECT q.id, q.recipient_id, q.campaign_id, q.status, q.attempts, q.max_attempts,
			q.claim_token::text, q.claimed_at, q.next_attempt_at, q.error_message, q.created_at, q.updated_at,
			r.id, r.campaign_id, r.email, r.name, r.company, r.status, r.tracking_id::text,
			r.unsubscribe_token::text, r.sent_at, r.opened_at, r.clicked_at, r.created_at,
			` + campaignColumns + `
		FROM send_queue q
		JOIN campaign_recipients r ON r.id = q.recipient_id
		JOIN campaigns c ON c.id = q.campaign_id
		WHERE q.claim_token = $1::text::uuid
		ORDER BY q.created_at, q.id
	`

	rows, err := tx.Query(ctx, query, token)
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed items: %w", err)
	}
	defer rows.Close()

	var items []models.ClaimedItem
	for rows.Next() {
		var ci models.ClaimedItem
		var attachments []byte
		q, rc := &ci.Item, &ci.Recipient

		targets := []any{
			&q.ID, &q.RecipientID, &q.CampaignID, &q.Status, &q.Attempts, &q.MaxAttempts,
			&q.ClaimToken, &q.ClaimedAt, &q.NextAttemptAt, &q.ErrorMessage, &q.CreatedAt, &q.UpdatedAt,
			&rc.ID, &rc.CampaignID, &rc.Email, &rc.Name, &rc.Company, &rc.Status, &rc.TrackingID,
			&rc.UnsubscribeToken, &rc.SentAt, &rc.OpenedAt, &rc.ClickedAt, &rc.CreatedAt,
		}
		targets = append(targets, campaignScanTargets(&ci.Campaign, &attachments)...)

		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan claimed item: %w", err)
		}
		if err := decodeAttachments(&ci.Campaign, attachments); err != nil {
			return nil, err
		}
		items = append(items, ci)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed items: %w", err)
	}
	return items, nil
}

// releaseClaim runs a conditional queue update and returns the item's recipient id,
// or ErrClaimLost when the item no longer holds token.
func releaseClaim(ctx context.Context, tx pgx.Tx, query string, args ...any) (int64, error) {
	var recipientID int64
	err := tx.QueryRow(ctx, query, args...).Scan(&recipientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.ErrClaimLost
		}
		return 0, err
	}
	return recipientID, nil
}

// CompleteSent marks a claimed item and its ledger entry sent
func (r *QueueRepository) CompleteSent(ctx context.Context, itemID int64, token string, now time.Time) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		recipientID, err := releaseClaim(ctx, tx, `
			UPDATE send_queue
			SET status = 'sent', attempts = attempts + 1, claim_token = NULL, claimed_at = NULL,
				next_attempt_at = NULL, error_message = NULL, updated_at = $3
			WHERE id = $1 AND status = 'claimed' AND claim_token = $2::text::uuid
			RETURNING recipient_id
		`, itemID, token, now)
		if err != nil {
			return fmt.Errorf("failed to complete queue item %d: %w", itemID, err)
		}

		_, err = tx.Exec(ctx, `UPDATE campaign_recipients SET status = 'sent', sent_at = $2 WHERE id = $1`, recipientID, now)
		if err != nil {
			return fmt.Errorf("failed to mark recipient sent: %w", err)
		}
		return nil
	})
}

// ScheduleRetry records a transient failure and makes the item eligible again at nextAttemptAt
func (r *QueueRepository) ScheduleRetry(ctx context.Context, itemID int64, token string, attempts int, nextAttemptAt time.Time, errMsg string, now time.Time) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		recipientID, err := releaseClaim(ctx, tx, `
			UPDATE send_queue
			SET status = 'retry_pending', attempts = $3, next_attempt_at = $4, error_message = $5,
				claim_token = NULL, claimed_at = NULL, updated_at = $6
			WHERE id = $1 AND status = 'claimed' AND claim_token = $2::text::uuid
			RETURNING recipient_id
		`, itemID, token, attempts, nextAttemptAt, errMsg, now)
		if err != nil {
			return fmt.Errorf("failed to schedule retry for queue item %d: %w", itemID, err)
		}

		_, err = tx.Exec(ctx, `UPDATE campaign_recipients SET status = 'pending' WHERE id = $1 AND status <> 'sent'`, recipientID)
		if err != nil {
			return fmt.Errorf("failed to keep recipient pending: %w", err)
		}
		return nil
	})
}

// FailPermanently marks a claimed item and its ledger entry failed
func (r *QueueRepository) FailPermanently(ctx context.Context, itemID int64, token string, attempts int, errMsg string, now time.Time) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		recipientID, err := releaseClaim(ctx, tx, `
			UPDATE send_queue
			SET status = 'failed', attempts = $3, next_attempt_at = NULL, error_message = $4,
				claim_token = NULL, claimed_at = NULL, updated_at = $5
			WHERE id = $1 AND status = 'claimed' AND claim_token = $2::text::uuid
			RETURNING recipient_id
		`, itemID, token, attempts, errMsg, now)
		if err != nil {
			return fmt.Errorf("failed to fail queue item %d: %w", itemID, err)
		}

		_, err = tx.Exec(ctx, `UPDATE campaign_recipients SET status = 'failed' WHERE id = $1 AND status <> 'sent'`, recipientID)
		if err != nil {
			return fmt.Errorf("failed to mark recipient failed: %w", err)
		}
		return nil
	})
}

// Defer returns a claimed item to the queue without consuming an attempt.
// A nil until keeps the item's current not-eligible-before time.
func (r *QueueRepository) Defer(ctx context.Context, itemID int64, token string, until *time.Time, now time.Time) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE send_queue
		SET status = CASE WHEN attempts > 0 THEN 'retry_pending' ELSE 'queued' END,
			next_attempt_at = COALESCE($3::timestamptz, next_attempt_at),
			claim_token = NULL, claimed_at = NULL, updated_at = $4
		WHERE id = $1 AND status = 'claimed' AND claim_token = $2::text::uuid
	`, itemID, token, until, now)
	if err != nil {
		return fmt.Errorf("failed to defer queue item %d: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to defer queue item %d: %w", itemID, apperrors.ErrClaimLost)
	}
	return nil
}

// cancelPendingTx fails every unclaimed live item of a campaign with the operator marker.
// In-flight claims are left to finish.
func (r *QueueRepository) cancelPendingTx(ctx context.Context, tx pgx.Tx, campaignID int64, now time.Time) (int, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE send_queue
		SET status = 'failed', error_message = $2, next_attempt_at = NULL, updated_at = $3
		WHERE campaign_id = $1 AND status IN ('queued', 'retry_pending')
	`, campaignID, types.CancelledByOperator, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel queue items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// restoreCancelledTx re-queues exactly the items failed by cancelPendingTx
func (r *QueueRepository) restoreCancelledTx(ctx context.Context, tx pgx.Tx, campaignID int64, now time.Time) (int, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE send_queue
		SET status = 'queued', attempts = 0, error_message = NULL, next_attempt_at = NULL, updated_at = $3
		WHERE campaign_id = $1 AND status = 'failed' AND error_message = $2
	`, campaignID, types.CancelledByOperator, now)
	if err != nil {
		return 0, fmt.Errorf("failed to restore cancelled queue items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueFailed resets terminally failed items to queued and their ledger entries to pending.
// Items cancelled by an operator are left for resume.
func (r *QueueRepository) RequeueFailed(ctx context.Context, campaignID int64, now time.Time) (int, error) {
	var count int
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE send_queue
			SET status = 'queued', attempts = 0, error_message = NULL, next_attempt_at = NULL, updated_at = $3
			WHERE campaign_id = $1 AND status = 'failed' AND error_message IS DISTINCT FROM $2
			RETURNING recipient_id
		`, campaignID, types.CancelledByOperator, now)
		if err != nil {
			return fmt.Errorf("failed to requeue failed items: %w", err)
		}
		recipientIDs, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("failed to scan requeued items: %w", err)
		}
		count = len(recipientIDs)
		if count == 0 {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE campaign_recipients SET status = 'pending'
			WHERE id = ANY($1) AND status = 'failed'
		`, recipientIDs)
		if err != nil {
			return fmt.Errorf("failed to reset recipients to pending: %w", err)
		}
		return nil
	})
	return count, err
}

// EnsureQueueItems creates a queue item for every pending or failed ledger entry that has none
func (r *QueueRepository) EnsureQueueItems(ctx context.Context, campaignID int64, maxAttempts int, now time.Time) (int, error) {
	var count int
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			INSERT INTO send_queue (recipient_id, campaign_id, status, attempts, max_attempts, created_at, updated_at)
			SELECT r.id, r.campaign_id, 'queued', 0, $2, $3, $3
			FROM campaign_recipients r
			WHERE r.campaign_id = $1
			  AND r.status = ANY($4)
			  AND NOT EXISTS (SELECT 1 FROM send_queue q WHERE q.recipient_id = r.id)
			RETURNING recipient_id
		`, campaignID, maxAttempts, now, statusSet(types.RecipientPending, types.RecipientFailed))
		if err != nil {
			return fmt.Errorf("failed to ensure queue items: %w", err)
		}
		recipientIDs, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("failed to scan ensured items: %w", err)
		}
		count = len(recipientIDs)
		if count == 0 {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE campaign_recipients SET status = 'pending'
			WHERE id = ANY($1) AND status = 'failed'
		`, recipientIDs)
		if err != nil {
			return fmt.Errorf("failed to reset recipients to pending: %w", err)
		}
		return nil
	})
	return count, err
}

// DedupeQueueItems keeps one queue item per ledger entry: the oldest claimed item when
// one exists, else the oldest item. Claimed items are never removed.
func (r *QueueRepository) DedupeQueueItems(ctx context.Context, campaignID int64) (int, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		DELETE FROM send_queue q
		USING (
			SELECT recipient_id,
				COALESCE(MIN(id) FILTER (WHERE status = 'claimed'), MIN(id)) AS keep_id
			FROM send_queue
			WHERE campaign_id = $1
			GROUP BY recipient_id
			HAVING COUNT(*) > 1
		) d
		WHERE q.campaign_id = $1
		  AND q.recipient_id = d.recipient_id
		  AND q.id <> d.keep_id
		  AND q.status <> 'claimed'
	`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to dedupe queue items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
