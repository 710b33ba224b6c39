// Package job runs bounded send-queue processor invocations.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	apperrors "github.com/campaign-sendqueue/internal/errors"
	"github.com/campaign-sendqueue/internal/logging"
	"github.com/campaign-sendqueue/internal/mailer"
	"github.com/campaign-sendqueue/internal/metrics"
	"github.com/campaign-sendqueue/internal/models"
	"github.com/campaign-sendqueue/internal/ratelimit"
	"github.com/campaign-sendqueue/internal/render"
	"github.com/campaign-sendqueue/internal/retry"
	"github.com/campaign-sendqueue/internal/storage"
)

const maxErrorMessageLen = 1000

// Options configures a BatchProcessor
type Options struct {
	BatchSize        int
	MaxAttempts      int // attempt budget of materialized queue items
	StaleThreshold   time.Duration
	DeferWindow      time.Duration
	TransportTimeout time.Duration
	Backoff          retry.BackoffPolicy
}

// DefaultOptions returns the processor defaults
func DefaultOptions() Options {
	return Options{
		BatchSize:        50,
		MaxAttempts:      models.DefaultMaxAttempts,
		StaleThreshold:   15 * time.Minute,
		DeferWindow:      time.Hour,
		TransportTimeout: 30 * time.Second,
		Backoff:          retry.DefaultBackoffPolicy(),
	}
}

// RunOptions are the inputs of one invocation
type RunOptions struct {
	BatchSize       int    `json:"batchSize"`
	CampaignID      *int64 `json:"campaignId,omitempty"`
	AutoMaterialize bool   `json:"autoMaterialize"`
}

// BatchResult summarizes one invocation
type BatchResult struct {
	ClaimToken   string   `json:"claimToken"`
	Claimed      int      `json:"claimed"`
	Sent         int      `json:"sent"`
	Retried      int      `json:"retried"`
	Failed       int      `json:"failed"`
	Deferred     int      `json:"deferred"`
	Released     int      `json:"released"`
	Reclaimed    int      `json:"reclaimed"`
	Materialized int      `json:"materialized"`
	Revived      []int64  `json:"revived,omitempty"`
	Campaigns    []int64  `json:"campaigns"`
	Errors       []string `json:"errors,omitempty"`

	// Err aggregates per-item write-back and post-batch errors; none of them abort the invocation.
	Err error `json:"-"`
}

// BatchProcessor claims, sends and writes back one batch per Run call
type BatchProcessor struct {
	store     storage.Store
	limiter   ratelimit.Limiter
	transport mailer.Transport
	renderer  *render.Renderer
	opts      Options
	metrics   *metrics.Metrics
	now       func() time.Time
	newToken  func() string
}

// NewBatchProcessor creates a new batch processor
func NewBatchProcessor(store storage.Store, limiter ratelimit.Limiter, transport mailer.Transport, renderer *render.Renderer, opts Options) *BatchProcessor {
	if renderer == nil {
		renderer = render.NewRenderer("")
	}
	defaults := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = defaults.StaleThreshold
	}
	if opts.DeferWindow <= 0 {
		opts.DeferWindow = defaults.DeferWindow
	}
	if opts.TransportTimeout <= 0 {
		opts.TransportTimeout = defaults.TransportTimeout
	}
	if opts.Backoff.Base <= 0 || opts.Backoff.Max <= 0 {
		opts.Backoff = defaults.Backoff
	}
	return &BatchProcessor{
		store:     store,
		limiter:   limiter,
		transport: transport,
		renderer:  renderer,
		opts:      opts,
		metrics:   metrics.GetMetrics(),
		now:       time.Now,
		newToken:  uuid.NewString,
	}
}

// WithClock replaces the processor's time source
func (p *BatchProcessor) WithClock(now func() time.Time) *BatchProcessor {
	p.now = now
	return p
}

// MaxAttempts returns the attempt budget given to new queue items
func (p *BatchProcessor) MaxAttempts() int {
	return p.opts.MaxAttempts
}

// batch tracks per-campaign state of one invocation
type batch struct {
	result    *BatchResult
	errs      *multierror.Error
	budgets   map[int64]int
	attempts  map[int64]int
	campaigns map[int64]struct{}
	order     []int64
}

func (b *batch) touch(campaignID int64) {
	if _, ok := b.campaigns[campaignID]; !ok {
		b.campaigns[campaignID] = struct{}{}
		b.order = append(b.order, campaignID)
	}
}

func (b *batch) fail(err error) {
	b.errs = multierror.Append(b.errs, err)
}

// Run executes one bounded invocation. It returns an error only when the claim itself
// fails, in which case nothing was claimed.
func (p *BatchProcessor) Run(ctx context.Context, in RunOptions) (*BatchResult, error) {
	start := time.Now()
	if in.BatchSize <= 0 {
		in.BatchSize = p.opts.BatchSize
	}

	token := p.newToken()
	fields := map[string]interface{}{
		"batch_size":  in.BatchSize,
		"claim_token": token,
	}
	if in.CampaignID != nil {
		fields["campaign_id"] = *in.CampaignID
	}
	logger := logging.FromContext(ctx).WithFields(fields)
	ctx = logging.WithLogger(ctx, logger)

	b := &batch{
		result:    &BatchResult{ClaimToken: token, Campaigns: []int64{}},
		budgets:   make(map[int64]int),
		attempts:  make(map[int64]int),
		campaigns: make(map[int64]struct{}),
	}

	if in.AutoMaterialize {
		p.materialize(ctx, in.CampaignID, b)
	}

	revived, err := p.store.ReviveDrifted(ctx, p.now())
	if err != nil {
		b.fail(fmt.Errorf("failed to revive drifted campaigns: %w", err))
	}
	b.result.Revived = revived

	now := p.now()
	claim, err := p.store.Claim(ctx, storage.ClaimRequest{
		Limit:       in.BatchSize,
		CampaignID:  in.CampaignID,
		Now:         now,
		StaleBefore: now.Add(-p.opts.StaleThreshold),
		Token:       token,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to claim batch")
		p.metrics.BatchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}

	b.result.Claimed = len(claim.Items)
	b.result.Reclaimed = claim.Reclaimed
	p.metrics.ClaimedItems.Add(float64(len(claim.Items)))
	p.metrics.ReclaimedItems.Add(float64(claim.Reclaimed))
	if claim.Reclaimed > 0 {
		logger.WithField("reclaimed", claim.Reclaimed).Warn("Reclaimed stale claims")
	}

	for i, item := range claim.Items {
		if ctx.Err() != nil {
			p.release(ctx, claim.Items[i:], b)
			break
		}
		b.touch(item.Item.CampaignID)
		p.processItem(ctx, item, b)
	}

	p.finish(ctx, in.CampaignID, b)

	b.result.Err = b.errs.ErrorOrNil()
	if b.errs != nil {
		for _, e := range b.errs.Errors {
			b.result.Errors = append(b.result.Errors, e.Error())
		}
	}

	p.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	p.metrics.BatchesTotal.WithLabelValues("ok").Inc()
	logger.WithFields(map[string]interface{}{
		"claimed":  b.result.Claimed,
		"sent":     b.result.Sent,
		"retried":  b.result.Retried,
		"failed":   b.result.Failed,
		"deferred": b.result.Deferred,
		"duration": time.Since(start).String(),
	}).Info("Batch processed")

	return b.result, nil
}

// materialize creates ledger entries and queue items for active subscribers missing
// from eligible include-all-active campaigns
func (p *BatchProcessor) materialize(ctx context.Context, only *int64, b *batch) {
	logger := logging.FromContext(ctx)

	campaigns, err := p.store.ListAutoMaterializeCampaigns(ctx, p.now())
	if err != nil {
		b.fail(fmt.Errorf("failed to list auto-materialize campaigns: %w", err))
		logger.WithError(err).Warn("Auto-materialization skipped")
		return
	}

	for _, c := range campaigns {
		if only != nil && c.ID != *only {
			continue
		}
		subs, err := p.store.FindSubscribersNotInCampaign(ctx, c.ID)
		if err != nil {
			b.fail(fmt.Errorf("campaign %d: failed to find new subscribers: %w", c.ID, err))
			continue
		}
		if len(subs) == 0 {
			continue
		}
		n, err := p.store.MaterializeRecipients(ctx, c.ID, subs, p.opts.MaxAttempts, p.now())
		if err != nil {
			b.fail(fmt.Errorf("campaign %d: failed to materialize recipients: %w", c.ID, err))
			continue
		}
		if n > 0 {
			b.result.Materialized += n
			b.touch(c.ID)
			p.metrics.Materialized.Add(float64(n))
			logger.WithFields(map[string]interface{}{
				"campaign_id": c.ID,
				"inserted":    n,
			}).Info("Materialized new recipients")
		}
	}
}

func (p *BatchProcessor) processItem(ctx context.Context, item models.ClaimedItem, b *batch) {
	q := item.Item
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"queue_item_id": q.ID,
		"campaign_id":   q.CampaignID,
	})
	// write-backs must land even if the invocation is cancelled mid-send
	wctx := context.WithoutCancel(ctx)

	if !p.reserve(ctx, q.CampaignID, b) {
		until := p.now().Add(p.opts.DeferWindow)
		if err := p.store.Defer(wctx, q.ID, *q.ClaimToken, &until, p.now()); err != nil {
			b.fail(fmt.Errorf("queue item %d: failed to defer: %w", q.ID, err))
			return
		}
		b.result.Deferred++
		p.metrics.SendAttempts.WithLabelValues(metrics.OutcomeDeferred).Inc()
		return
	}

	sendStart := time.Now()
	sendErr := p.deliver(ctx, item)
	p.metrics.SendDuration.Observe(time.Since(sendStart).Seconds())

	now := p.now()
	attempts := q.Attempts + 1

	if sendErr == nil {
		if err := p.store.CompleteSent(wctx, q.ID, *q.ClaimToken, now); err != nil {
			p.writeBackFailed(logger, b, q.ID, err)
			return
		}
		b.result.Sent++
		p.metrics.SendAttempts.WithLabelValues(metrics.OutcomeSent).Inc()
		return
	}

	if apperrors.IsPermanentTransportError(sendErr) {
		p.metrics.PermanentErrors.Inc()
	}
	msg := truncate(sendErr.Error(), maxErrorMessageLen)

	if attempts >= q.MaxAttempts {
		if err := p.store.FailPermanently(wctx, q.ID, *q.ClaimToken, attempts, msg, now); err != nil {
			p.writeBackFailed(logger, b, q.ID, err)
			return
		}
		b.result.Failed++
		p.metrics.SendAttempts.WithLabelValues(metrics.OutcomeFailed).Inc()
		logger.WithError(sendErr).WithField("attempts", attempts).Warn("Send failed permanently")
		return
	}

	next := now.Add(p.opts.Backoff.Delay(attempts))
	if err := p.store.ScheduleRetry(wctx, q.ID, *q.ClaimToken, attempts, next, msg, now); err != nil {
		p.writeBackFailed(logger, b, q.ID, err)
		return
	}
	b.result.Retried++
	p.metrics.SendAttempts.WithLabelValues(metrics.OutcomeRetry).Inc()
	logger.WithError(sendErr).WithFields(map[string]interface{}{
		"attempts":        attempts,
		"next_attempt_at": next,
	}).Info("Send failed, retry scheduled")
}

// reserve takes one attempt from the campaign's budget, reading the limiter on first use
func (p *BatchProcessor) reserve(ctx context.Context, campaignID int64, b *batch) bool {
	budget, ok := b.budgets[campaignID]
	if !ok {
		remaining, err := p.limiter.Remaining(ctx, campaignID)
		if err != nil {
			b.fail(fmt.Errorf("campaign %d: failed to read rate limit: %w", campaignID, err))
			logging.FromContext(ctx).WithError(err).WithField("campaign_id", campaignID).
				Warn("Rate limiter unavailable, deferring campaign items")
			remaining = 0
		}
		budget = remaining
	}
	if budget <= 0 {
		b.budgets[campaignID] = 0
		return false
	}
	b.budgets[campaignID] = budget - 1
	b.attempts[campaignID]++
	return true
}

// deliver renders and sends one item under the per-attempt timeout. In-flight sends are
// not interrupted by cancellation of ctx, only by the timeout.
// On timeout the send goroutine is left running; the transport's own dial timeout bounds it.
func (p *BatchProcessor) deliver(ctx context.Context, item models.ClaimedItem) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.TransportTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("transport panic: %v", r)
			}
		}()
		msg := p.renderer.Render(&item.Campaign, &item.Recipient)
		done <- p.transport.Send(sendCtx, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-sendCtx.Done():
		return apperrors.NewTransportTimeoutError(fmt.Sprintf("after %s", p.opts.TransportTimeout))
	}
}

// release hands unprocessed claims back without consuming an attempt
func (p *BatchProcessor) release(ctx context.Context, items []models.ClaimedItem, b *batch) {
	bg := context.WithoutCancel(ctx)
	for _, item := range items {
		q := item.Item
		if err := p.store.Defer(bg, q.ID, *q.ClaimToken, nil, p.now()); err != nil {
			b.fail(fmt.Errorf("queue item %d: failed to release: %w", q.ID, err))
			continue
		}
		b.result.Released++
	}
	logging.FromContext(ctx).WithField("released", len(items)).Warn("Invocation cancelled, released remaining claims")
}

func (p *BatchProcessor) writeBackFailed(logger *logging.Logger, b *batch, itemID int64, err error) {
	b.fail(fmt.Errorf("queue item %d: %w", itemID, err))
	if errors.Is(err, apperrors.ErrClaimLost) {
		logger.WithError(err).Warn("Claim lost before write-back")
		return
	}
	logger.WithError(err).Error("Failed to write back send result")
}

// finish records rate usage and reconciles every touched campaign
func (p *BatchProcessor) finish(ctx context.Context, only *int64, b *batch) {
	bg := context.WithoutCancel(ctx)
	logger := logging.FromContext(ctx)

	for _, id := range b.order {
		if n := b.attempts[id]; n > 0 {
			if err := p.limiter.Record(bg, id, n); err != nil {
				b.fail(fmt.Errorf("campaign %d: failed to record rate usage: %w", id, err))
				logger.WithError(err).WithField("campaign_id", id).Warn("Failed to record rate usage")
			}
		}
	}

	if only != nil {
		b.touch(*only)
	}
	for _, id := range b.order {
		if _, err := p.store.Reconcile(bg, id, p.now()); err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				continue
			}
			b.fail(fmt.Errorf("campaign %d: failed to reconcile: %w", id, err))
			logger.WithError(err).WithField("campaign_id", id).Warn("Failed to reconcile campaign")
			continue
		}
		b.result.Campaigns = append(b.result.Campaigns, id)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
