package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/campaign-sendqueue/internal/models"
)

// SubscriberRepository reads the subscriber directory
type SubscriberRepository struct {
	db *PostgresDB
}

// NewSubscriberRepository creates a new subscriber repository
func NewSubscriberRepository(db *PostgresDB) *SubscriberRepository {
	return &SubscriberRepository{db: db}
}

// Create inserts a subscriber
func (r *SubscriberRepository) Create(ctx context.Context, s *models.Subscriber) error {
	s.Email = normalizeEmail(s.Email)

	query := `
		INSERT INTO subscribers (email, name, company, active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, s.Email, s.Name, s.Company, s.Active).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscriber: %w", err)
	}
	return nil
}

func (r *SubscriberRepository) list(ctx context.Context, query string, args ...any) ([]models.Subscriber, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscribers: %w", err)
	}

	subs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Subscriber, error) {
		var s models.Subscriber
		err := row.Scan(&s.ID, &s.Email, &s.Name, &s.Company, &s.Active, &s.CreatedAt)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscribers: %w", err)
	}
	return subs, nil
}

// ListActive returns every active subscriber
func (r *SubscriberRepository) ListActive(ctx context.Context) ([]models.Subscriber, error) {
	return r.list(ctx, `
		SELECT id, email, name, company, active, created_at
		FROM subscribers
		WHERE active
		ORDER BY id
	`)
}

// FindNotInCampaign returns active subscribers without a ledger entry in the campaign
func (r *SubscriberRepository) FindNotInCampaign(ctx context.Context, campaignID int64) ([]models.Subscriber, error) {
	return r.list(ctx, `
		SELECT s.id, s.email, s.name, s.company, s.active, s.created_at
		FROM subscribers s
		WHERE s.active
		  AND NOT EXISTS (
			SELECT 1 FROM campaign_recipients r
			WHERE r.campaign_id = $1 AND r.email = s.email
		  )
		ORDER BY s.id
	`, campaignID)
}

// ListReachedEmails returns every email that was sent to in at least one campaign
func (r *SubscriberRepository) ListReachedEmails(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool().Query(ctx, `SELECT DISTINCT email FROM campaign_recipients WHERE status = 'sent'`)
	if err != nil {
		return nil, fmt.Errorf("failed to list reached emails: %w", err)
	}
	emails, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan reached emails: %w", err)
	}
	return emails, nil
}
