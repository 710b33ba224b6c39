package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/campaign-sendqueue/internal/config"
	apperrors "github.com/campaign-sendqueue/internal/errors"
	"github.com/campaign-sendqueue/internal/models"
	"github.com/campaign-sendqueue/internal/types"
)

func testPostgresConfig() *config.PostgresConfig {
	cfg := &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "sendqueue_test",
		User:           "sendqueue",
		Password:       "sendqueue_dev_password",
		MaxConnections: 10,
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		cfg.Host = host
	}
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Password = pw
	}
	return cfg
}

// setupPostgresStore connects, migrates and truncates, or skips when Postgres is unavailable
func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(context.Background(), cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
		return nil
	}
	t.Cleanup(db.Close)

	require.NoError(t, RunMigrations(cfg, "../../migrations/postgres"))

	_, err = db.Pool().Exec(testContext(t),
		`TRUNCATE send_queue, campaign_recipients, rate_limit_records, campaigns, subscribers RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	return NewPostgresStore(db)
}

func TestNewPostgresDB(t *testing.T) {
	s := setupPostgresStore(t)
	assert.NoError(t, s.Ping(testContext(t)))
}

func TestPostgresStore_ClaimLifecycle(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := testContext(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	c := &models.Campaign{Name: "pg", Status: types.CampaignDraft, SendMode: types.SendQueued, Segment: types.SegmentAllActive,
		Subject: "hi", SenderName: "Team", SenderEmail: "team@example.com"}
	require.NoError(t, s.CreateCampaign(ctx, c))

	n, err := s.StartCampaign(ctx, c.ID, types.CampaignSending, subscribers(3), models.DefaultMaxAttempts, now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.MaterializeRecipients(ctx, c.ID, subscribers(3), models.DefaultMaxAttempts, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	token := uuid.NewString()
	res, err := s.Claim(ctx, ClaimRequest{Limit: 2, Now: now, StaleBefore: now.Add(-15 * time.Minute), Token: token})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "user0@example.com", res.Items[0].Recipient.Email)
	assert.Equal(t, "team@example.com", res.Items[0].Campaign.SenderEmail)

	first, second := res.Items[0].Item, res.Items[1].Item
	assert.ErrorIs(t, s.CompleteSent(ctx, first.ID, uuid.NewString(), now), apperrors.ErrClaimLost)
	require.NoError(t, s.CompleteSent(ctx, first.ID, token, now))
	require.NoError(t, s.ScheduleRetry(ctx, second.ID, token, 1, now.Add(time.Hour), "421 busy", now))

	progress, err := s.GetProgress(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, progress.Total)
	assert.Equal(t, 1, progress.Sent)
	assert.Equal(t, 2, progress.Outstanding)

	paused, err := s.PauseCampaign(ctx, c.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 2, paused)

	resumed, err := s.ResumeCampaign(ctx, c.ID, types.CampaignSending, now)
	require.NoError(t, err)
	assert.Equal(t, 2, resumed)

	agg, err := s.Reconcile(ctx, c.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 1, agg.Sent)
	assert.Equal(t, 2, agg.Pending)
}

func TestPostgresStore_ConcurrentClaimsAreDisjoint(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := testContext(t)
	now := time.Now().UTC()

	c := &models.Campaign{Name: "race", Status: types.CampaignDraft, SendMode: types.SendQueued, Segment: types.SegmentAllActive}
	require.NoError(t, s.CreateCampaign(ctx, c))
	_, err := s.StartCampaign(ctx, c.ID, types.CampaignSending, subscribers(100), models.DefaultMaxAttempts, now)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for {
				res, err := s.Claim(gctx, ClaimRequest{Limit: 9, Now: now, StaleBefore: now.Add(-time.Hour), Token: uuid.NewString()})
				if err != nil {
					return err
				}
				if len(res.Items) == 0 {
					return nil
				}
				mu.Lock()
				for _, it := range res.Items {
					seen[it.Item.ID]++
				}
				mu.Unlock()
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, seen, 100)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %d claimed more than once", id)
	}
}
