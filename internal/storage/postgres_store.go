package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/campaign-sendqueue/internal/models"
	"github.com/campaign-sendqueue/internal/types"
)

// PostgresStore implements Store on Postgres. The claim protocol relies on
// SELECT ... FOR UPDATE SKIP LOCKED, so any number of processors may share it.
type PostgresStore struct {
	db          *PostgresDB
	campaigns   *CampaignRepository
	recipients  *RecipientRepository
	queue       *QueueRepository
	rateLimits  *RateLimitRepository
	subscribers *SubscriberRepository
}

// NewPostgresStore wires every repository on one connection pool
func NewPostgresStore(db *PostgresDB) *PostgresStore {
	return &PostgresStore{
		db:          db,
		campaigns:   NewCampaignRepository(db),
		recipients:  NewRecipientRepository(db),
		queue:       NewQueueRepository(db),
		rateLimits:  NewRateLimitRepository(db),
		subscribers: NewSubscriberRepository(db),
	}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	return s.campaigns.Create(ctx, c)
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id int64) (*models.Campaign, error) {
	return s.campaigns.GetByID(ctx, id)
}

func (s *PostgresStore) ListAutoMaterializeCampaigns(ctx context.Context, now time.Time) ([]models.Campaign, error) {
	return s.campaigns.ListAutoMaterialize(ctx, now)
}

func (s *PostgresStore) Reconcile(ctx context.Context, campaignID int64, now time.Time) (*models.Aggregates, error) {
	return s.campaigns.Reconcile(ctx, campaignID, now)
}

func (s *PostgresStore) ReviveDrifted(ctx context.Context, now time.Time) ([]int64, error) {
	return s.campaigns.ReviveDrifted(ctx, now)
}

// StartCampaign moves a draft to `to` and materializes its recipients in one transaction
func (s *PostgresStore) StartCampaign(ctx context.Context, id int64, to types.CampaignStatus, subs []models.Subscriber, maxAttempts int, now time.Time) (int, error) {
	var queued int
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.campaigns.getForUpdate(ctx, tx, id); err != nil {
			return err
		}
		if err := s.campaigns.transition(ctx, tx, id, []types.CampaignStatus{types.CampaignDraft}, to, now); err != nil {
			return err
		}
		n, err := s.recipients.materializeTx(ctx, tx, id, subs, maxAttempts, now)
		if err != nil {
			return err
		}
		queued = n

		_, err = tx.Exec(ctx, `
			UPDATE campaigns
			SET total_recipients = (SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id = $1)
			WHERE id = $1
		`, id)
		if err != nil {
			return fmt.Errorf("failed to set recipient count: %w", err)
		}
		return nil
	})
	return queued, err
}

// PauseCampaign moves a sending or scheduled campaign to paused and cancels its unclaimed items
func (s *PostgresStore) PauseCampaign(ctx context.Context, id int64, now time.Time) (int, error) {
	var cancelled int
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		from := []types.CampaignStatus{types.CampaignSending, types.CampaignScheduled}
		if err := s.campaigns.transition(ctx, tx, id, from, types.CampaignPaused, now); err != nil {
			return err
		}
		n, err := s.queue.cancelPendingTx(ctx, tx, id, now)
		cancelled = n
		return err
	})
	return cancelled, err
}

// ResumeCampaign moves a paused campaign to `to` and re-queues the items the pause cancelled
func (s *PostgresStore) ResumeCampaign(ctx context.Context, id int64, to types.CampaignStatus, now time.Time) (int, error) {
	var restored int
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.campaigns.transition(ctx, tx, id, []types.CampaignStatus{types.CampaignPaused}, to, now); err != nil {
			return err
		}
		n, err := s.queue.restoreCancelledTx(ctx, tx, id, now)
		restored = n
		return err
	})
	return restored, err
}

func (s *PostgresStore) RequeueFailed(ctx context.Context, id int64, now time.Time) (int, error) {
	return s.queue.RequeueFailed(ctx, id, now)
}

func (s *PostgresStore) SetImmediateSending(ctx context.Context, id int64, now time.Time) error {
	return s.campaigns.SetImmediateSending(ctx, id, now)
}

func (s *PostgresStore) EnsureQueueItems(ctx context.Context, id int64, maxAttempts int, now time.Time) (int, error) {
	return s.queue.EnsureQueueItems(ctx, id, maxAttempts, now)
}

func (s *PostgresStore) DedupeQueueItems(ctx context.Context, id int64) (int, error) {
	return s.queue.DedupeQueueItems(ctx, id)
}

func (s *PostgresStore) MaterializeRecipients(ctx context.Context, campaignID int64, subs []models.Subscriber, maxAttempts int, now time.Time) (int, error) {
	return s.recipients.Materialize(ctx, campaignID, subs, maxAttempts, now)
}

func (s *PostgresStore) GetProgress(ctx context.Context, campaignID int64) (*models.CampaignProgress, error) {
	return s.recipients.GetProgress(ctx, campaignID)
}

func (s *PostgresStore) ListFailures(ctx context.Context, campaignID int64, limit int) ([]models.FailedItem, error) {
	return s.recipients.ListFailures(ctx, campaignID, limit)
}

func (s *PostgresStore) MarkOpened(ctx context.Context, trackingID string, now time.Time) error {
	return s.recipients.MarkOpened(ctx, trackingID, now)
}

func (s *PostgresStore) MarkClicked(ctx context.Context, trackingID string, now time.Time) error {
	return s.recipients.MarkClicked(ctx, trackingID, now)
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error) {
	return s.queue.ReclaimStale(ctx, staleBefore, now)
}

func (s *PostgresStore) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	return s.queue.Claim(ctx, req)
}

func (s *PostgresStore) CompleteSent(ctx context.Context, itemID int64, token string, now time.Time) error {
	return s.queue.CompleteSent(ctx, itemID, token, now)
}

func (s *PostgresStore) ScheduleRetry(ctx context.Context, itemID int64, token string, attempts int, nextAttemptAt time.Time, errMsg string, now time.Time) error {
	return s.queue.ScheduleRetry(ctx, itemID, token, attempts, nextAttemptAt, errMsg, now)
}

func (s *PostgresStore) FailPermanently(ctx context.Context, itemID int64, token string, attempts int, errMsg string, now time.Time) error {
	return s.queue.FailPermanently(ctx, itemID, token, attempts, errMsg, now)
}

func (s *PostgresStore) Defer(ctx context.Context, itemID int64, token string, until *time.Time, now time.Time) error {
	return s.queue.Defer(ctx, itemID, token, until, now)
}

func (s *PostgresStore) InsertRateLimitRecord(ctx context.Context, rec *models.RateLimitRecord) error {
	return s.rateLimits.Insert(ctx, rec)
}

func (s *PostgresStore) SumRateLimitSince(ctx context.Context, campaignID *int64, since time.Time) (int, error) {
	return s.rateLimits.SumSince(ctx, campaignID, since)
}

func (s *PostgresStore) CreateSubscriber(ctx context.Context, sub *models.Subscriber) error {
	return s.subscribers.Create(ctx, sub)
}

func (s *PostgresStore) ListActiveSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	return s.subscribers.ListActive(ctx)
}

func (s *PostgresStore) FindSubscribersNotInCampaign(ctx context.Context, campaignID int64) ([]models.Subscriber, error) {
	return s.subscribers.FindNotInCampaign(ctx, campaignID)
}

func (s *PostgresStore) ListReachedEmails(ctx context.Context) ([]string, error) {
	return s.subscribers.ListReachedEmails(ctx)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}
