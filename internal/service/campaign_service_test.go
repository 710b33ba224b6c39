package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-sendqueue/internal/auth"
	apperrors "github.com/campaign-sendqueue/internal/errors"
	"github.com/campaign-sendqueue/internal/job"
	"github.com/campaign-sendqueue/internal/lock"
	"github.com/campaign-sendqueue/internal/mailer"
	"github.com/campaign-sendqueue/internal/models"
	"github.com/campaign-sendqueue/internal/ratelimit"
	"github.com/campaign-sendqueue/internal/storage"
	"github.com/campaign-sendqueue/internal/types"
)

var (
	t0     = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	admin  = auth.Principal{Subject: "ops", Role: types.RoleAdmin}
	viewer = auth.Principal{Subject: "analyst", Role: types.RoleViewer}
)

type fixture struct {
	store *storage.MemoryStore
	svc   *CampaignService
	guard *lock.LocalGuard
	mu    sync.Mutex
	now   time.Time
	fail  map[string]bool
	sent  []string
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) send(_ context.Context, msg *mailer.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[msg.To] {
		return apperrors.NewTransportError("smtp", true, errors.New("550 mailbox unavailable"))
	}
	f.sent = append(f.sent, msg.To)
	return nil
}

func newFixture(t *testing.T, subscribers int) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemoryStore(), guard: lock.NewLocalGuard(), now: t0, fail: map[string]bool{}}

	limiter, err := ratelimit.NewStoreLimiter(f.store, ratelimit.Config{HourlyLimit: 1000})
	require.NoError(t, err)
	limiter.WithClock(f.clock)

	opts := job.DefaultOptions()
	opts.MaxAttempts = 2
	processor := job.NewBatchProcessor(f.store, limiter, mailer.TransportFunc(f.send), nil, opts).WithClock(f.clock)
	f.svc = NewCampaignService(f.store, processor, f.guard, 100).WithClock(f.clock)

	ctx := context.Background()
	for i := 0; i < subscribers; i++ {
		sub := &models.Subscriber{Email: fmt.Sprintf("reader%d@example.com", i), Name: "Reader", Active: true}
		require.NoError(t, f.store.CreateSubscriber(ctx, sub))
	}
	return f
}

func (f *fixture) create(t *testing.T, mutate func(in *CreateCampaignInput)) int64 {
	t.Helper()
	in := CreateCampaignInput{
		Name:        "Spring launch",
		Subject:     "Hi {{first_name}}",
		SenderName:  "Team",
		SenderEmail: "team@example.com",
		Body:        "We shipped.",
	}
	if mutate != nil {
		mutate(&in)
	}
	c, err := f.svc.CreateCampaign(context.Background(), admin, in)
	require.NoError(t, err)
	return c.ID
}

func (f *fixture) status(t *testing.T, id int64) types.CampaignStatus {
	t.Helper()
	c, err := f.store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

func TestCreateCampaign(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	id := f.create(t, nil)
	c, err := f.svc.GetCampaign(ctx, viewer, id)
	require.NoError(t, err)
	assert.Equal(t, types.CampaignDraft, c.Status)
	assert.Equal(t, types.SendQueued, c.SendMode)
	assert.Equal(t, types.SegmentAllActive, c.Segment)

	_, err = f.svc.CreateCampaign(ctx, admin, CreateCampaignInput{Name: "x", Subject: "y", SenderName: "z", SenderEmail: "nope"})
	var catErr *apperrors.CategorizedError
	require.ErrorAs(t, err, &catErr)
	assert.Equal(t, "INVALID_PARAMETER", catErr.Code)

	_, err = f.svc.CreateCampaign(ctx, admin, CreateCampaignInput{
		Name: "x", Subject: "y", SenderName: "z", SenderEmail: "z@example.com", Segment: types.SegmentCustom,
	})
	require.Error(t, err)

	_, err = f.svc.CreateCampaign(ctx, viewer, CreateCampaignInput{})
	require.ErrorAs(t, err, &catErr)
	assert.Equal(t, "FORBIDDEN", catErr.Code)

	_, err = f.svc.GetCampaign(ctx, viewer, 999)
	require.ErrorAs(t, err, &catErr)
	assert.Equal(t, "NOT_FOUND", catErr.Code)
}

func TestStart(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	id := f.create(t, nil)

	res, err := f.svc.Start(ctx, admin, id)
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, types.CampaignSending, f.status(t, id))
	assert.Len(t, f.store.Recipients(id), 3)
	assert.Len(t, f.store.QueueItems(id), 3)

	// only drafts can be started
	res, err = f.svc.Start(ctx, admin, id)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "status sending")
	assert.Len(t, f.store.Recipients(id), 3)
}

func TestStartScheduled(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	future := t0.Add(2 * time.Hour)
	later := f.create(t, func(in *CreateCampaignInput) {
		in.SendMode = types.SendScheduled
		in.ScheduledAt = &future
	})
	res, err := f.svc.Start(ctx, admin, later)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, types.CampaignScheduled, f.status(t, later))

	past := t0.Add(-time.Minute)
	due := f.create(t, func(in *CreateCampaignInput) {
		in.SendMode = types.SendScheduled
		in.ScheduledAt = &past
	})
	res, err = f.svc.Start(ctx, admin, due)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, types.CampaignSending, f.status(t, due))
}

func TestStartSegments(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	// deliver to reader0 only
	first := f.create(t, func(in *CreateCampaignInput) {
		in.Segment = types.SegmentCustom
		in.CustomEmails = []string{"reader0@example.com", "bogus", "ghost@example.com"}
	})
	res, err := f.svc.Start(ctx, admin, first)
	require.NoError(t, err)
	require.True(t, res.OK)
	data := res.Data.(map[string]interface{})
	assert.Equal(t, 1, data["recipients"])
	assert.Equal(t, []string{"bogus", "ghost@example.com"}, data["invalid"])

	batch, err := f.svc.ProcessBatch(ctx, admin, job.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Sent)

	unreached := f.create(t, func(in *CreateCampaignInput) { in.Segment = types.SegmentUnreached })
	_, err = f.svc.Start(ctx, admin, unreached)
	require.NoError(t, err)
	assert.Len(t, f.store.Recipients(unreached), 2)

	reached := f.create(t, func(in *CreateCampaignInput) { in.Segment = types.SegmentReached })
	_, err = f.svc.Start(ctx, admin, reached)
	require.NoError(t, err)
	rcpts := f.store.Recipients(reached)
	require.Len(t, rcpts, 1)
	assert.Equal(t, "reader0@example.com", rcpts[0].Email)

	empty := f.create(t, func(in *CreateCampaignInput) {
		in.Segment = types.SegmentCustom
		in.CustomEmails = []string{"ghost@example.com"}
	})
	res, err = f.svc.Start(ctx, admin, empty)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, types.CampaignDraft, f.status(t, empty))
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	id := f.create(t, nil)

	res, err := f.svc.Pause(ctx, admin, id)
	require.NoError(t, err)
	assert.False(t, res.OK, "draft cannot be paused")

	_, err = f.svc.Start(ctx, admin, id)
	require.NoError(t, err)

	res, err = f.svc.Pause(ctx, admin, id)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, 4, res.Data.(map[string]interface{})["cancelled"])
	assert.Equal(t, types.CampaignPaused, f.status(t, id))
	for _, q := range f.store.QueueItems(id) {
		assert.Equal(t, types.QueueFailed, q.Status)
		assert.Equal(t, types.CancelledByOperator, *q.ErrorMessage)
	}
	for _, r := range f.store.Recipients(id) {
		assert.Equal(t, types.RecipientPending, r.Status)
	}

	// paused campaigns are never claimed
	batch, err := f.svc.ProcessBatch(ctx, admin, job.RunOptions{})
	require.NoError(t, err)
	assert.Zero(t, batch.Claimed)

	res, err = f.svc.Resume(ctx, admin, id)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, types.CampaignSending, f.status(t, id))
	for _, q := range f.store.QueueItems(id) {
		assert.Equal(t, types.QueueQueued, q.Status)
		assert.Zero(t, q.Attempts)
	}

	res, err = f.svc.Resume(ctx, admin, id)
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestRetryFailedReopensCompletedCampaign(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.fail["reader1@example.com"] = true
	id := f.create(t, nil)
	_, err := f.svc.Start(ctx, admin, id)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.svc.ProcessBatch(ctx, admin, job.RunOptions{})
		require.NoError(t, err)
		f.advance(2 * time.Hour)
	}
	assert.Equal(t, types.CampaignCompleted, f.status(t, id))

	failures, err := f.svc.Failures(ctx, viewer, id, 0)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "reader1@example.com", failures[0].Email)
	assert.Equal(t, 2, failures[0].Attempts)

	progress, err := f.svc.Progress(ctx, viewer, id)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 1, progress.Sent)
	assert.Equal(t, 1, progress.Failed)
	assert.Zero(t, progress.Outstanding)

	delete(f.fail, "reader1@example.com")
	res, err := f.svc.RetryFailed(ctx, admin, id)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, 1, res.Data.(map[string]interface{})["requeued"])
	assert.Equal(t, types.CampaignCompleted, f.status(t, id), "retry leaves status to the next batch")

	result, err := f.svc.ProcessBatch(ctx, admin, job.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, result.Revived)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, types.CampaignCompleted, f.status(t, id))
	assert.ElementsMatch(t, []string{"reader0@example.com", "reader1@example.com"}, f.sent)

	res, err = f.svc.RetryFailed(ctx, admin, id)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 0, res.Data.(map[string]interface{})["requeued"])
}

func TestSendNow(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	future := t0.Add(24 * time.Hour)
	id := f.create(t, func(in *CreateCampaignInput) {
		in.SendMode = types.SendScheduled
		in.ScheduledAt = &future
	})

	res, err := f.svc.SendNow(ctx, admin, id)
	require.NoError(t, err)
	assert.False(t, res.OK, "draft cannot be sent now")

	_, err = f.svc.Start(ctx, admin, id)
	require.NoError(t, err)
	require.Equal(t, types.CampaignScheduled, f.status(t, id))

	// drift: one ledger entry carries a duplicate queue item
	items := f.store.QueueItems(id)
	rcpts := f.store.Recipients(id)
	f.store.InsertQueueItem(models.QueueItem{
		RecipientID: rcpts[1].ID, CampaignID: id, Status: types.QueueQueued, MaxAttempts: 2,
		CreatedAt: items[len(items)-1].CreatedAt.Add(time.Second),
	})

	res, err = f.svc.SendNow(ctx, admin, id)
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	data := res.Data.(map[string]interface{})
	assert.Equal(t, 1, data["deduplicated"])

	c, err := f.store.GetCampaign(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.SendImmediate, c.SendMode)
	assert.Equal(t, types.CampaignCompleted, c.Status)
	assert.Len(t, f.sent, 3)
}

func TestSendNowRejectedWhenPaused(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := f.create(t, nil)
	_, err := f.svc.Start(ctx, admin, id)
	require.NoError(t, err)
	_, err = f.svc.Pause(ctx, admin, id)
	require.NoError(t, err)

	res, err := f.svc.SendNow(ctx, admin, id)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Empty(t, f.sent)
}

func TestControlGuardRejectsDuplicateSubmission(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := f.create(t, nil)

	release, err := f.guard.Acquire(ctx, lock.Key(OpStart, id))
	require.NoError(t, err)

	res, err := f.svc.Start(ctx, admin, id)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "already in progress")
	assert.Equal(t, types.CampaignDraft, f.status(t, id))

	release()
	res, err = f.svc.Start(ctx, admin, id)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestControlRequiresAdmin(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	id := f.create(t, nil)

	ops := map[string]func(context.Context, auth.Principal, int64) (*types.ControlResult, error){
		OpStart:       f.svc.Start,
		OpPause:       f.svc.Pause,
		OpResume:      f.svc.Resume,
		OpRetryFailed: f.svc.RetryFailed,
		OpSendNow:     f.svc.SendNow,
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			_, err := op(ctx, viewer, id)
			assert.Equal(t, 403, apperrors.GetHTTPStatusCode(err))
		})
	}

	_, err := f.svc.ProcessBatch(ctx, viewer, job.RunOptions{})
	assert.Error(t, err)
	_, err = f.svc.Progress(ctx, auth.Principal{}, id)
	assert.Error(t, err)
}

func TestControlUnknownCampaign(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.svc.Pause(ctx, admin, 404)
	assert.Equal(t, 404, apperrors.GetHTTPStatusCode(err))

	_, err = f.svc.Progress(ctx, viewer, 404)
	assert.Equal(t, 404, apperrors.GetHTTPStatusCode(err))

	missing := int64(404)
	_, err = f.svc.ProcessBatch(ctx, admin, job.RunOptions{CampaignID: &missing})
	assert.Equal(t, 404, apperrors.GetHTTPStatusCode(err))
}

type mapProgressCache struct {
	entries     map[int64]*models.CampaignProgress
	invalidated []int64
}

func (m *mapProgressCache) GetProgress(_ context.Context, id int64) (*models.CampaignProgress, error) {
	return m.entries[id], nil
}

func (m *mapProgressCache) SetProgress(_ context.Context, p *models.CampaignProgress) error {
	cp := *p
	m.entries[p.CampaignID] = &cp
	return nil
}

func (m *mapProgressCache) InvalidateProgress(_ context.Context, ids ...int64) error {
	for _, id := range ids {
		delete(m.entries, id)
	}
	m.invalidated = append(m.invalidated, ids...)
	return nil
}

func TestProgressServedFromCacheUntilControlOp(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	cache := &mapProgressCache{entries: map[int64]*models.CampaignProgress{}}
	f.svc.WithProgressCache(cache)
	id := f.create(t, nil)

	p, err := f.svc.Progress(ctx, viewer, id)
	require.NoError(t, err)
	assert.Equal(t, types.CampaignDraft, p.Status)
	require.Contains(t, cache.entries, id)

	// a stale entry is served while it lives
	cache.entries[id].Total = 99
	p, err = f.svc.Progress(ctx, viewer, id)
	require.NoError(t, err)
	assert.Equal(t, 99, p.Total)

	res, err := f.svc.Start(ctx, admin, id)
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, []int64{id}, cache.invalidated)

	p, err = f.svc.Progress(ctx, viewer, id)
	require.NoError(t, err)
	assert.Equal(t, types.CampaignSending, p.Status)
	assert.Equal(t, 2, p.Total)
}
