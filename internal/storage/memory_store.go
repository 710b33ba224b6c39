package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/campaign-sendqueue/internal/errors"
	"github.com/campaign-sendqueue/internal/models"
	"github.com/campaign-sendqueue/internal/types"
)

type recipientKey struct {
	campaignID int64
	email      string
}

// MemoryStore implements Store in process memory. A single mutex makes every
// operation atomic, so claims are exclusive among processors sharing the instance.
// Nothing survives a restart.
type MemoryStore struct {
	mu sync.Mutex

	nextCampaignID   int64
	nextRecipientID  int64
	nextQueueID      int64
	nextRateID       int64
	nextSubscriberID int64

	campaigns   map[int64]*models.Campaign
	recipients  map[int64]*models.Recipient
	byKey       map[recipientKey]int64
	queue       map[int64]*models.QueueItem
	rateRecords []models.RateLimitRecord
	subscribers map[int64]*models.Subscriber
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns:   make(map[int64]*models.Campaign),
		recipients:  make(map[int64]*models.Recipient),
		byKey:       make(map[recipientKey]int64),
		queue:       make(map[int64]*models.QueueItem),
		subscribers: make(map[int64]*models.Subscriber),
	}
}

var _ Store = (*MemoryStore)(nil)

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func copyCampaign(c *models.Campaign) models.Campaign {
	out := *c
	out.Attachments = append([]models.Attachment(nil), c.Attachments...)
	out.CustomEmails = append([]string(nil), c.CustomEmails...)
	return out
}

// sortedQueueIDs returns queue ids in FIFO order
func (s *MemoryStore) sortedQueueIDs() []int64 {
	ids := make([]int64, 0, len(s.queue))
	for id := range s.queue {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.queue[ids[i]], s.queue[ids[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return ids
}

func (s *MemoryStore) campaign(id int64) (*models.Campaign, error) {
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %d: %w", id, apperrors.ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) transition(id int64, from []types.CampaignStatus, to types.CampaignStatus, now time.Time) error {
	c, err := s.campaign(id)
	if err != nil {
		return err
	}
	allowed := false
	for _, f := range from {
		if c.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("campaign %d: %w", id, apperrors.ErrStatusChanged)
	}
	c.Status = to
	if (to == types.CampaignSending || to == types.CampaignScheduled) && c.StartedAt == nil {
		c.StartedAt = timePtr(now)
	}
	if to == types.CampaignCompleted {
		c.CompletedAt = timePtr(now)
	} else {
		c.CompletedAt = nil
	}
	c.UpdatedAt = now
	return nil
}

// CreateCampaign implements Store.
func (s *MemoryStore) CreateCampaign(ctx context.Context, c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextCampaignID++
	now := time.Now()
	c.ID = s.nextCampaignID
	c.CreatedAt = now
	c.UpdatedAt = now
	stored := copyCampaign(c)
	s.campaigns[c.ID] = &stored
	return nil
}

// GetCampaign implements Store.
func (s *MemoryStore) GetCampaign(ctx context.Context, id int64) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.campaign(id)
	if err != nil {
		return nil, err
	}
	out := copyCampaign(c)
	return &out, nil
}

// ListAutoMaterializeCampaigns implements Store.
func (s *MemoryStore) ListAutoMaterializeCampaigns(ctx context.Context, now time.Time) ([]models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Campaign
	for _, c := range s.campaigns {
		if c.IncludeAllActive && c.Eligible(now) {
			out = append(out, copyCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) aggregates(campaignID int64) models.Aggregates {
	var a models.Aggregates
	for _, r := range s.recipients {
		if r.CampaignID != campaignID {
			continue
		}
		a.Total++
		switch r.Status {
		case types.RecipientSent:
			a.Sent++
		case types.RecipientFailed:
			a.Failed++
		default:
			a.Pending++
		}
	}
	return a
}

// Reconcile implements Store.
func (s *MemoryStore) Reconcile(ctx context.Context, campaignID int64, now time.Time) (*models.Aggregates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.campaign(campaignID)
	if err != nil {
		return nil, err
	}
	a := s.aggregates(campaignID)
	c.TotalRecipients = a.Total
	c.SentCount = a.Sent
	c.FailedCount = a.Failed
	switch {
	case c.Eligible(now) && a.Pending == 0:
		c.Status = types.CampaignCompleted
		c.CompletedAt = timePtr(now)
	case c.Status == types.CampaignScheduled && c.Eligible(now):
		c.Status = types.CampaignSending
	case c.Status == types.CampaignCompleted && a.Pending > 0:
		c.Status = types.CampaignSending
		c.CompletedAt = nil
	}
	c.UpdatedAt = now
	return &a, nil
}

// ReviveDrifted implements Store.
func (s *MemoryStore) ReviveDrifted(ctx context.Context, now time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for id, c := range s.campaigns {
		if c.Status != types.CampaignCompleted {
			continue
		}
		if s.aggregates(id).Pending > 0 {
			c.Status = types.CampaignSending
			c.CompletedAt = nil
			c.UpdatedAt = now
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) newQueueItem(recipientID, campaignID int64, maxAttempts int, now time.Time) {
	s.nextQueueID++
	s.queue[s.nextQueueID] = &models.QueueItem{
		ID:          s.nextQueueID,
		RecipientID: recipientID,
		CampaignID:  campaignID,
		Status:      types.QueueQueued,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (s *MemoryStore) materialize(campaignID int64, subs []models.Subscriber, maxAttempts int, now time.Time) int {
	inserted := 0
	for _, sub := range dedupeSubscribers(subs) {
		key := recipientKey{campaignID: campaignID, email: sub.Email}
		if _, exists := s.byKey[key]; exists {
			continue
		}
		s.nextRecipientID++
		s.recipients[s.nextRecipientID] = &models.Recipient{
			ID:               s.nextRecipientID,
			CampaignID:       campaignID,
			Email:            sub.Email,
			Name:             sub.Name,
			Company:          sub.Company,
			Status:           types.RecipientPending,
			TrackingID:       uuid.New().String(),
			UnsubscribeToken: uuid.New().String(),
			CreatedAt:        now,
		}
		s.byKey[key] = s.nextRecipientID
		s.newQueueItem(s.nextRecipientID, campaignID, maxAttempts, now)
		inserted++
	}
	return inserted
}

// StartCampaign implements Store.
func (s *MemoryStore) StartCampaign(ctx context.Context, id int64, to types.CampaignStatus, subs []models.Subscriber, maxAttempts int, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transition(id, []types.CampaignStatus{types.CampaignDraft}, to, now); err != nil {
		return 0, err
	}
	n := s.materialize(id, subs, maxAttempts, now)
	s.campaigns[id].TotalRecipients = s.aggregates(id).Total
	return n, nil
}

// PauseCampaign implements Store.
func (s *MemoryStore) PauseCampaign(ctx context.Context, id int64, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := []types.CampaignStatus{types.CampaignSending, types.CampaignScheduled}
	if err := s.transition(id, from, types.CampaignPaused, now); err != nil {
		return 0, err
	}
	cancelled := 0
	for _, q := range s.queue {
		if q.CampaignID != id || (q.Status != types.QueueQueued && q.Status != types.QueueRetryPending) {
			continue
		}
		q.Status = types.QueueFailed
		q.ErrorMessage = strPtr(types.CancelledByOperator)
		q.NextAttemptAt = nil
		q.UpdatedAt = now
		cancelled++
	}
	return cancelled, nil
}

func isCancelled(q *models.QueueItem) bool {
	return q.Status == types.QueueFailed && q.ErrorMessage != nil && *q.ErrorMessage == types.CancelledByOperator
}

func requeue(q *models.QueueItem, now time.Time) {
	q.Status = types.QueueQueued
	q.Attempts = 0
	q.ErrorMessage = nil
	q.NextAttemptAt = nil
	q.UpdatedAt = now
}

// ResumeCampaign implements Store.
func (s *MemoryStore) ResumeCampaign(ctx context.Context, id int64, to types.CampaignStatus, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transition(id, []types.CampaignStatus{types.CampaignPaused}, to, now); err != nil {
		return 0, err
	}
	restored := 0
	for _, q := range s.queue {
		if q.CampaignID == id && isCancelled(q) {
			requeue(q, now)
			restored++
		}
	}
	return restored, nil
}

// RequeueFailed implements Store.
func (s *MemoryStore) RequeueFailed(ctx context.Context, id int64, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.campaign(id); err != nil {
		return 0, err
	}
	count := 0
	for _, q := range s.queue {
		if q.CampaignID != id || q.Status != types.QueueFailed || isCancelled(q) {
			continue
		}
		requeue(q, now)
		if r := s.recipients[q.RecipientID]; r != nil && r.Status == types.RecipientFailed {
			r.Status = types.RecipientPending
		}
		count++
	}
	return count, nil
}

// SetImmediateSending implements Store.
func (s *MemoryStore) SetImmediateSending(ctx context.Context, id int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := []types.CampaignStatus{types.CampaignScheduled, types.CampaignSending, types.CampaignCompleted}
	if err := s.transition(id, from, types.CampaignSending, now); err != nil {
		return err
	}
	s.campaigns[id].SendMode = types.SendImmediate
	return nil
}

// EnsureQueueItems implements Store.
func (s *MemoryStore) EnsureQueueItems(ctx context.Context, id int64, maxAttempts int, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hasItem := make(map[int64]bool)
	for _, q := range s.queue {
		hasItem[q.RecipientID] = true
	}

	rids := make([]int64, 0)
	for rid, r := range s.recipients {
		if r.CampaignID == id && r.Status != types.RecipientSent && !hasItem[rid] {
			rids = append(rids, rid)
		}
	}
	sort.Slice(rids, func(i, j int) bool { return rids[i] < rids[j] })

	for _, rid := range rids {
		s.newQueueItem(rid, id, maxAttempts, now)
		s.recipients[rid].Status = types.RecipientPending
	}
	return len(rids), nil
}

// DedupeQueueItems implements Store.
func (s *MemoryStore) DedupeQueueItems(ctx context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := make(map[int64]int64)
	for _, qid := range s.sortedQueueIDs() {
		q := s.queue[qid]
		if q.CampaignID != id {
			continue
		}
		cur, ok := keep[q.RecipientID]
		if !ok || (q.Status == types.QueueClaimed && s.queue[cur].Status != types.QueueClaimed) {
			keep[q.RecipientID] = qid
		}
	}

	removed := 0
	for qid, q := range s.queue {
		if q.CampaignID != id || keep[q.RecipientID] == qid || q.Status == types.QueueClaimed {
			continue
		}
		delete(s.queue, qid)
		removed++
	}
	return removed, nil
}

// MaterializeRecipients implements Store.
func (s *MemoryStore) MaterializeRecipients(ctx context.Context, campaignID int64, subs []models.Subscriber, maxAttempts int, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.campaign(campaignID); err != nil {
		return 0, err
	}
	return s.materialize(campaignID, subs, maxAttempts, now), nil
}

// GetProgress implements Store.
func (s *MemoryStore) GetProgress(ctx context.Context, campaignID int64) (*models.CampaignProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.campaign(campaignID)
	if err != nil {
		return nil, err
	}
	a := s.aggregates(campaignID)
	return &models.CampaignProgress{
		CampaignID:  campaignID,
		Status:      c.Status,
		Total:       a.Total,
		Sent:        a.Sent,
		Failed:      a.Failed,
		Outstanding: a.Pending,
	}, nil
}

// ListFailures implements Store.
func (s *MemoryStore) ListFailures(ctx context.Context, campaignID int64, limit int) ([]models.FailedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	items := []models.FailedItem{}
	for _, q := range s.queue {
		if q.CampaignID != campaignID || q.Status != types.QueueFailed {
			continue
		}
		f := models.FailedItem{
			QueueItemID: q.ID,
			RecipientID: q.RecipientID,
			Attempts:    q.Attempts,
			UpdatedAt:   q.UpdatedAt,
		}
		if r := s.recipients[q.RecipientID]; r != nil {
			f.Email = r.Email
		}
		if q.ErrorMessage != nil {
			f.ErrorMessage = *q.ErrorMessage
		}
		items = append(items, f)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].QueueItemID > items[j].QueueItemID
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) markEvent(trackingID string, now time.Time, clicked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.recipients {
		if r.TrackingID != trackingID {
			continue
		}
		if clicked {
			if r.ClickedAt == nil {
				r.ClickedAt = timePtr(now)
			}
		} else if r.OpenedAt == nil {
			r.OpenedAt = timePtr(now)
		}
		return nil
	}
	return fmt.Errorf("tracking id %q: %w", trackingID, apperrors.ErrNotFound)
}

// MarkOpened implements Store.
func (s *MemoryStore) MarkOpened(ctx context.Context, trackingID string, now time.Time) error {
	return s.markEvent(trackingID, now, false)
}

// MarkClicked implements Store.
func (s *MemoryStore) MarkClicked(ctx context.Context, trackingID string, now time.Time) error {
	return s.markEvent(trackingID, now, true)
}

func (s *MemoryStore) reclaimStale(staleBefore, now time.Time) int {
	n := 0
	for _, q := range s.queue {
		if q.Status == types.QueueClaimed && q.ClaimedAt != nil && q.ClaimedAt.Before(staleBefore) {
			q.Status = types.QueueQueued
			q.ClaimToken = nil
			q.ClaimedAt = nil
			q.UpdatedAt = now
			n++
		}
	}
	return n
}

// ReclaimStale implements Store.
func (s *MemoryStore) ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reclaimStale(staleBefore, now), nil
}

// Claim implements Store.
func (s *MemoryStore) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := &ClaimResult{Reclaimed: s.reclaimStale(req.StaleBefore, req.Now)}

	for _, qid := range s.sortedQueueIDs() {
		if len(res.Items) >= req.Limit {
			break
		}
		q := s.queue[qid]
		if q.Status != types.QueueQueued && q.Status != types.QueueRetryPending {
			continue
		}
		if q.Attempts >= q.MaxAttempts {
			continue
		}
		if q.NextAttemptAt != nil && q.NextAttemptAt.After(req.Now) {
			continue
		}
		if req.CampaignID != nil && q.CampaignID != *req.CampaignID {
			continue
		}
		c := s.campaigns[q.CampaignID]
		if c == nil || !c.Eligible(req.Now) {
			continue
		}

		q.Status = types.QueueClaimed
		q.ClaimToken = strPtr(req.Token)
		q.ClaimedAt = timePtr(req.Now)
		q.UpdatedAt = req.Now

		res.Items = append(res.Items, models.ClaimedItem{
			Item:      *q,
			Recipient: *s.recipients[q.RecipientID],
			Campaign:  copyCampaign(c),
		})
	}
	return res, nil
}

// claimed returns the item if it still holds token
func (s *MemoryStore) claimed(itemID int64, token string) (*models.QueueItem, error) {
	q, ok := s.queue[itemID]
	if !ok || q.Status != types.QueueClaimed || q.ClaimToken == nil || *q.ClaimToken != token {
		return nil, fmt.Errorf("queue item %d: %w", itemID, apperrors.ErrClaimLost)
	}
	return q, nil
}

func clearClaim(q *models.QueueItem, now time.Time) {
	q.ClaimToken = nil
	q.ClaimedAt = nil
	q.UpdatedAt = now
}

// CompleteSent implements Store.
func (s *MemoryStore) CompleteSent(ctx context.Context, itemID int64, token string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.claimed(itemID, token)
	if err != nil {
		return err
	}
	q.Status = types.QueueSent
	q.Attempts++
	q.NextAttemptAt = nil
	q.ErrorMessage = nil
	clearClaim(q, now)

	r := s.recipients[q.RecipientID]
	r.Status = types.RecipientSent
	r.SentAt = timePtr(now)
	return nil
}

// ScheduleRetry implements Store.
func (s *MemoryStore) ScheduleRetry(ctx context.Context, itemID int64, token string, attempts int, nextAttemptAt time.Time, errMsg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.claimed(itemID, token)
	if err != nil {
		return err
	}
	q.Status = types.QueueRetryPending
	q.Attempts = attempts
	q.NextAttemptAt = timePtr(nextAttemptAt)
	q.ErrorMessage = strPtr(errMsg)
	clearClaim(q, now)

	if r := s.recipients[q.RecipientID]; r.Status != types.RecipientSent {
		r.Status = types.RecipientPending
	}
	return nil
}

// FailPermanently implements Store.
func (s *MemoryStore) FailPermanently(ctx context.Context, itemID int64, token string, attempts int, errMsg string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.claimed(itemID, token)
	if err != nil {
		return err
	}
	q.Status = types.QueueFailed
	q.Attempts = attempts
	q.NextAttemptAt = nil
	q.ErrorMessage = strPtr(errMsg)
	clearClaim(q, now)

	if r := s.recipients[q.RecipientID]; r.Status != types.RecipientSent {
		r.Status = types.RecipientFailed
	}
	return nil
}

// Defer implements Store.
func (s *MemoryStore) Defer(ctx context.Context, itemID int64, token string, until *time.Time, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, err := s.claimed(itemID, token)
	if err != nil {
		return err
	}
	if q.Attempts > 0 {
		q.Status = types.QueueRetryPending
	} else {
		q.Status = types.QueueQueued
	}
	if until != nil {
		q.NextAttemptAt = timePtr(*until)
	}
	clearClaim(q, now)
	return nil
}

// InsertRateLimitRecord implements Store.
func (s *MemoryStore) InsertRateLimitRecord(ctx context.Context, rec *models.RateLimitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRateID++
	rec.ID = s.nextRateID
	s.rateRecords = append(s.rateRecords, *rec)
	return nil
}

// SumRateLimitSince implements Store.
func (s *MemoryStore) SumRateLimitSince(ctx context.Context, campaignID *int64, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, r := range s.rateRecords {
		if campaignID != nil && r.CampaignID != *campaignID {
			continue
		}
		if r.RecordedAt.Before(since) {
			continue
		}
		total += r.Count
	}
	return total, nil
}

// CreateSubscriber implements Store.
func (s *MemoryStore) CreateSubscriber(ctx context.Context, sub *models.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub.Email = normalizeEmail(sub.Email)
	for _, existing := range s.subscribers {
		if existing.Email == sub.Email {
			return fmt.Errorf("failed to create subscriber: duplicate email %s", sub.Email)
		}
	}
	s.nextSubscriberID++
	sub.ID = s.nextSubscriberID
	sub.CreatedAt = time.Now()
	stored := *sub
	s.subscribers[sub.ID] = &stored
	return nil
}

func (s *MemoryStore) activeSubscribers(skip func(*models.Subscriber) bool) []models.Subscriber {
	out := []models.Subscriber{}
	for _, sub := range s.subscribers {
		if !sub.Active || (skip != nil && skip(sub)) {
			continue
		}
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListActiveSubscribers implements Store.
func (s *MemoryStore) ListActiveSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.activeSubscribers(nil), nil
}

// FindSubscribersNotInCampaign implements Store.
func (s *MemoryStore) FindSubscribersNotInCampaign(ctx context.Context, campaignID int64) ([]models.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.activeSubscribers(func(sub *models.Subscriber) bool {
		_, in := s.byKey[recipientKey{campaignID: campaignID, email: sub.Email}]
		return in
	}), nil
}

// ListReachedEmails implements Store.
func (s *MemoryStore) ListReachedEmails(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	emails := []string{}
	for _, r := range s.recipients {
		if r.Status != types.RecipientSent {
			continue
		}
		if _, ok := seen[r.Email]; ok {
			continue
		}
		seen[r.Email] = struct{}{}
		emails = append(emails, r.Email)
	}
	sort.Strings(emails)
	return emails, nil
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() {}

// Recipients returns a snapshot of a campaign's ledger ordered by id
func (s *MemoryStore) Recipients(campaignID int64) []models.Recipient {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.Recipient{}
	for _, r := range s.recipients {
		if r.CampaignID == campaignID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// QueueItems returns a snapshot of a campaign's queue in FIFO order
func (s *MemoryStore) QueueItems(campaignID int64) []models.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.QueueItem{}
	for _, qid := range s.sortedQueueIDs() {
		if q := s.queue[qid]; q.CampaignID == campaignID {
			out = append(out, *q)
		}
	}
	return out
}

// InsertQueueItem adds a raw queue item, used to reproduce drift such as duplicate items
func (s *MemoryStore) InsertQueueItem(item models.QueueItem) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextQueueID++
	item.ID = s.nextQueueID
	stored := item
	s.queue[item.ID] = &stored
	return item.ID
}

// SetRecipientStatus overwrites a ledger entry's status, used to reproduce drift
func (s *MemoryStore) SetRecipientStatus(recipientID int64, status types.RecipientStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r := s.recipients[recipientID]; r != nil {
		r.Status = status
	}
}
