// Package service implements the campaign control operations on top of the store and the batch processor.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/campaign-sendqueue/internal/auth"
	apperrors "github.com/campaign-sendqueue/internal/errors"
	"github.com/campaign-sendqueue/internal/job"
	"github.com/campaign-sendqueue/internal/lock"
	"github.com/campaign-sendqueue/internal/logging"
	"github.com/campaign-sendqueue/internal/metrics"
	"github.com/campaign-sendqueue/internal/models"
	"github.com/campaign-sendqueue/internal/storage"
	"github.com/campaign-sendqueue/internal/types"
)

// Control operation names, used for guard keys, metrics and logs
const (
	OpStart       = "start"
	OpPause       = "pause"
	OpResume      = "resume"
	OpRetryFailed = "retry_failed"
	OpSendNow     = "send_now"
)

const defaultFailuresLimit = 100

// CreateCampaignInput is an operator request for a new draft campaign
type CreateCampaignInput struct {
	Name             string              `json:"name" validate:"required,max=200"`
	Subject          string              `json:"subject" validate:"required,max=500"`
	SenderName       string              `json:"senderName" validate:"required"`
	SenderEmail      string              `json:"senderEmail" validate:"required,email"`
	SendMode         types.SendMode      `json:"sendMode" validate:"omitempty,oneof=immediate queued scheduled"`
	ScheduledAt      *time.Time          `json:"scheduledAt,omitempty" validate:"required_if=SendMode scheduled"`
	Greeting         string              `json:"greeting,omitempty"`
	Body             string              `json:"body,omitempty"`
	Signature        string              `json:"signature,omitempty"`
	HTMLTemplate     string              `json:"htmlTemplate,omitempty"`
	Attachments      []models.Attachment `json:"attachments,omitempty" validate:"omitempty,dive"`
	IncludeAllActive bool                `json:"includeAllActive"`
	Segment          types.Segment       `json:"segment" validate:"omitempty,oneof=all_active unreached reached custom"`
	CustomEmails     []string            `json:"customEmails,omitempty" validate:"required_if=Segment custom"`
}

// CampaignService runs control operations for authenticated principals
type CampaignService struct {
	store     storage.Store
	processor *job.BatchProcessor
	guard     lock.Guard
	validate  *validator.Validate
	metrics   *metrics.Metrics
	batchSize int
	now       func() time.Time
	progress  ProgressCache
}

// ProgressCache holds short-lived progress snapshots
type ProgressCache interface {
	GetProgress(ctx context.Context, campaignID int64) (*models.CampaignProgress, error)
	SetProgress(ctx context.Context, p *models.CampaignProgress) error
	InvalidateProgress(ctx context.Context, campaignIDs ...int64) error
}

// NewCampaignService creates a new campaign service. batchSize bounds the send_now invocation.
func NewCampaignService(store storage.Store, processor *job.BatchProcessor, guard lock.Guard, batchSize int) *CampaignService {
	if guard == nil {
		guard = lock.NewLocalGuard()
	}
	if batchSize <= 0 {
		batchSize = job.DefaultOptions().BatchSize
	}
	return &CampaignService{
		store:     store,
		processor: processor,
		guard:     guard,
		validate:  validator.New(),
		metrics:   metrics.GetMetrics(),
		batchSize: batchSize,
		now:       time.Now,
	}
}

// WithClock replaces the service's time source
func (s *CampaignService) WithClock(now func() time.Time) *CampaignService {
	s.now = now
	return s
}

// WithProgressCache serves Progress reads through cache
func (s *CampaignService) WithProgressCache(cache ProgressCache) *CampaignService {
	s.progress = cache
	return s
}

// CreateCampaign stores a new draft campaign
func (s *CampaignService) CreateCampaign(ctx context.Context, p auth.Principal, in CreateCampaignInput) (*models.Campaign, error) {
	if !p.CanControl() {
		return nil, apperrors.NewForbiddenError("creating campaigns requires the admin role")
	}
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, apperrors.NewInvalidParameterError(verrs[0].Field(), verrs[0].Tag())
		}
		return nil, apperrors.NewInvalidParameterError("campaign", err.Error())
	}
	if in.SendMode == "" {
		in.SendMode = types.SendQueued
	}
	if in.Segment == "" {
		in.Segment = types.SegmentAllActive
	}

	c := &models.Campaign{
		Name:             in.Name,
		Status:           types.CampaignDraft,
		SendMode:         in.SendMode,
		ScheduledAt:      in.ScheduledAt,
		Subject:          in.Subject,
		SenderName:       in.SenderName,
		SenderEmail:      in.SenderEmail,
		Greeting:         in.Greeting,
		Body:             in.Body,
		Signature:        in.Signature,
		HTMLTemplate:     in.HTMLTemplate,
		Attachments:      in.Attachments,
		IncludeAllActive: in.IncludeAllActive,
		Segment:          in.Segment,
		CustomEmails:     in.CustomEmails,
	}
	if err := s.store.CreateCampaign(ctx, c); err != nil {
		return nil, apperrors.NewDatabaseError("create campaign", err)
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"campaign_id": c.ID,
		"subject":     p.Subject,
	}).Info("Campaign created")
	return c, nil
}

// GetCampaign returns a campaign
func (s *CampaignService) GetCampaign(ctx context.Context, p auth.Principal, id int64) (*models.Campaign, error) {
	if !p.CanView() {
		return nil, apperrors.NewForbiddenError("reading campaigns requires the viewer role")
	}
	return s.lookup(ctx, id)
}

func (s *CampaignService) lookup(ctx context.Context, id int64) (*models.Campaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.NewNotFoundError("campaign", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get campaign", err)
	}
	return c, nil
}

// control runs fn under the operation's guard once the principal and campaign check out
func (s *CampaignService) control(ctx context.Context, p auth.Principal, op string, id int64, fn func(ctx context.Context, c *models.Campaign) (*types.ControlResult, error)) (*types.ControlResult, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"operation":   op,
		"campaign_id": id,
		"subject":     p.Subject,
	})
	ctx = logging.WithLogger(ctx, logger)

	result, err := s.runControl(ctx, p, op, id, fn)
	switch {
	case err != nil:
		s.metrics.ControlOps.WithLabelValues(op, "error").Inc()
		logger.WithError(err).Error("Control operation failed")
	case !result.OK:
		s.metrics.ControlOps.WithLabelValues(op, "rejected").Inc()
		logger.WithField("reason", result.Message).Warn("Control operation rejected")
	default:
		s.metrics.ControlOps.WithLabelValues(op, "accepted").Inc()
		logger.Info(result.Message)
		if s.progress != nil {
			if cerr := s.progress.InvalidateProgress(ctx, id); cerr != nil {
				logger.WithError(cerr).Warn("Failed to invalidate cached progress")
			}
		}
	}
	return result, err
}

func (s *CampaignService) runControl(ctx context.Context, p auth.Principal, op string, id int64, fn func(ctx context.Context, c *models.Campaign) (*types.ControlResult, error)) (*types.ControlResult, error) {
	if !p.CanControl() {
		return nil, apperrors.NewForbiddenError(fmt.Sprintf("%s requires the admin role", op))
	}

	release, err := s.guard.Acquire(ctx, lock.Key(op, id))
	if errors.Is(err, lock.ErrHeld) {
		return types.Rejected(fmt.Sprintf("%s already in progress for campaign %d", op, id)), nil
	}
	if err != nil {
		unavailable := apperrors.NewServiceUnavailableError("operation guard")
		unavailable.Cause = err
		return nil, unavailable
	}
	defer release()

	c, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	result, err := fn(ctx, c)
	if errors.Is(err, apperrors.ErrStatusChanged) {
		return types.Rejected(fmt.Sprintf("campaign %d changed status concurrently, retry the operation", id)), nil
	}
	return result, err
}

func statusRejection(op string, c *models.Campaign, allowed ...types.CampaignStatus) *types.ControlResult {
	return &types.ControlResult{
		OK:      false,
		Message: fmt.Sprintf("cannot %s campaign in status %s", op, c.Status),
		Data:    map[string]interface{}{"status": c.Status, "allowed": allowed},
	}
}

// activeStatus is the status a started or resumed campaign enters
func (s *CampaignService) activeStatus(c *models.Campaign) types.CampaignStatus {
	if c.SendMode == types.SendScheduled && c.ScheduledAt != nil && c.ScheduledAt.After(s.now()) {
		return types.CampaignScheduled
	}
	return types.CampaignSending
}

// ResolveSegment builds the recipient population of the campaign from the subscriber directory
func (s *CampaignService) ResolveSegment(ctx context.Context, c *models.Campaign) (SegmentValidation, error) {
	active, err := s.store.ListActiveSubscribers(ctx)
	if err != nil {
		return SegmentValidation{}, apperrors.NewDatabaseError("list active subscribers", err)
	}

	segment := c.Segment
	if segment == "" {
		segment = types.SegmentAllActive
	}
	var reached []string
	if segment == types.SegmentReached || segment == types.SegmentUnreached {
		if reached, err = s.store.ListReachedEmails(ctx); err != nil {
			return SegmentValidation{}, apperrors.NewDatabaseError("list reached emails", err)
		}
	}
	return BuildSegment(segment, active, reached, c.CustomEmails), nil
}

// Start materializes the ledger and queue of a draft campaign and activates it
func (s *CampaignService) Start(ctx context.Context, p auth.Principal, id int64) (*types.ControlResult, error) {
	return s.control(ctx, p, OpStart, id, func(ctx context.Context, c *models.Campaign) (*types.ControlResult, error) {
		if c.Status != types.CampaignDraft {
			return statusRejection("start", c, types.CampaignDraft), nil
		}

		seg, err := s.ResolveSegment(ctx, c)
		if err != nil {
			return nil, err
		}
		if len(seg.Valid) == 0 {
			return &types.ControlResult{
				OK:      false,
				Message: fmt.Sprintf("segment %s has no deliverable recipients", c.Segment),
				Data:    seg,
			}, nil
		}

		to := s.activeStatus(c)
		n, err := s.store.StartCampaign(ctx, id, to, seg.Valid, s.processor.MaxAttempts(), s.now())
		if err != nil {
			if errors.Is(err, apperrors.ErrStatusChanged) {
				return nil, err
			}
			return nil, apperrors.NewDatabaseError("start campaign", err)
		}

		return types.Accepted(fmt.Sprintf("campaign %d started with %d recipients", id, n), map[string]interface{}{
			"status":      to,
			"recipients":  n,
			"invalid":     seg.Invalid,
			"skipReasons": seg.SkipReasons,
		}), nil
	})
}

// Pause cancels outstanding queue items of a sending or scheduled campaign
func (s *CampaignService) Pause(ctx context.Context, p auth.Principal, id int64) (*types.ControlResult, error) {
	return s.control(ctx, p, OpPause, id, func(ctx context.Context, c *models.Campaign) (*types.ControlResult, error) {
		if c.Status != types.CampaignSending && c.Status != types.CampaignScheduled {
			return statusRejection("pause", c, types.CampaignSending, types.CampaignScheduled), nil
		}

		n, err := s.store.PauseCampaign(ctx, id, s.now())
		if err != nil {
			if errors.Is(err, apperrors.ErrStatusChanged) {
				return nil, err
			}
			return nil, apperrors.NewDatabaseError("pause campaign", err)
		}
		return types.Accepted(fmt.Sprintf("campaign %d paused, %d queue items cancelled", id, n), map[string]interface{}{
			"status":    types.CampaignPaused,
			"cancelled": n,
		}), nil
	})
}

// Resume restores the items cancelled by Pause
func (s *CampaignService) Resume(ctx context.Context, p auth.Principal, id int64) (*types.ControlResult, error) {
	return s.control(ctx, p, OpResume, id, func(ctx context.Context, c *models.Campaign) (*types.ControlResult, error) {
		if c.Status != types.CampaignPaused {
			return statusRejection("resume", c, types.CampaignPaused), nil
		}

		to := s.activeStatus(c)
		n, err := s.store.ResumeCampaign(ctx, id, to, s.now())
		if err != nil {
			if errors.Is(err, apperrors.ErrStatusChanged) {
				return nil, err
			}
			return nil, apperrors.NewDatabaseError("resume campaign", err)
		}
		return types.Accepted(fmt.Sprintf("campaign %d resumed, %d queue items restored", id, n), map[string]interface{}{
			"status":   to,
			"restored": n,
		}), nil
	})
}

// RetryFailed re-queues terminally failed items with a fresh attempt budget
func (s *CampaignService) RetryFailed(ctx context.Context, p auth.Principal, id int64) (*types.ControlResult, error) {
	return s.control(ctx, p, OpRetryFailed, id, func(ctx context.Context, c *models.Campaign) (*types.ControlResult, error) {
		now := s.now()
		n, err := s.store.RequeueFailed(ctx, id, now)
		if err != nil {
			return nil, apperrors.NewDatabaseError("requeue failed items", err)
		}
		if n == 0 {
			return types.Accepted(fmt.Sprintf("campaign %d has no failed items to retry", id), map[string]interface{}{
				"requeued": 0,
			}), nil
		}

		// status is left alone; the next batch run revives a completed campaign
		return types.Accepted(fmt.Sprintf("campaign %d: %d failed items re-queued", id, n), map[string]interface{}{
			"requeued": n,
		}), nil
	})
}

// SendNow switches the campaign to immediate delivery, repairs its queue and runs one batch
func (s *CampaignService) SendNow(ctx context.Context, p auth.Principal, id int64) (*types.ControlResult, error) {
	return s.control(ctx, p, OpSendNow, id, func(ctx context.Context, c *models.Campaign) (*types.ControlResult, error) {
		if c.Status == types.CampaignDraft || c.Status == types.CampaignPaused {
			return statusRejection("send now", c, types.CampaignScheduled, types.CampaignSending, types.CampaignCompleted), nil
		}

		now := s.now()
		if err := s.store.SetImmediateSending(ctx, id, now); err != nil {
			if errors.Is(err, apperrors.ErrStatusChanged) {
				return nil, err
			}
			return nil, apperrors.NewDatabaseError("set immediate sending", err)
		}
		ensured, err := s.store.EnsureQueueItems(ctx, id, s.processor.MaxAttempts(), now)
		if err != nil {
			return nil, apperrors.NewDatabaseError("ensure queue items", err)
		}
		removed, err := s.store.DedupeQueueItems(ctx, id)
		if err != nil {
			return nil, apperrors.NewDatabaseError("dedupe queue items", err)
		}

		res, err := s.processor.Run(ctx, job.RunOptions{BatchSize: s.batchSize, CampaignID: &id})
		if err != nil {
			return nil, apperrors.NewInternalError("send batch failed", err)
		}

		return types.Accepted(fmt.Sprintf("campaign %d: sent %d of %d claimed", id, res.Sent, res.Claimed), map[string]interface{}{
			"ensured":      ensured,
			"deduplicated": removed,
			"batch":        res,
		}), nil
	})
}

// Progress returns the delivery counters of a campaign
func (s *CampaignService) Progress(ctx context.Context, p auth.Principal, id int64) (*models.CampaignProgress, error) {
	if !p.CanView() {
		return nil, apperrors.NewForbiddenError("reading progress requires the viewer role")
	}
	if s.progress != nil {
		cached, err := s.progress.GetProgress(ctx, id)
		if err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Progress cache read failed")
		} else if cached != nil {
			return cached, nil
		}
	}
	progress, err := s.store.GetProgress(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.NewNotFoundError("campaign", strconv.FormatInt(id, 10))
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get progress", err)
	}
	if s.progress != nil {
		if err := s.progress.SetProgress(ctx, progress); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Progress cache write failed")
		}
	}
	return progress, nil
}

// Failures lists terminally failed queue items with their last error
func (s *CampaignService) Failures(ctx context.Context, p auth.Principal, id int64, limit int) ([]models.FailedItem, error) {
	if !p.CanView() {
		return nil, apperrors.NewForbiddenError("reading failures requires the viewer role")
	}
	if _, err := s.lookup(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = defaultFailuresLimit
	}
	items, err := s.store.ListFailures(ctx, id, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list failures", err)
	}
	if items == nil {
		items = []models.FailedItem{}
	}
	return items, nil
}

// ProcessBatch runs one processor invocation on demand
func (s *CampaignService) ProcessBatch(ctx context.Context, p auth.Principal, in job.RunOptions) (*job.BatchResult, error) {
	if !p.CanControl() {
		return nil, apperrors.NewForbiddenError("processing batches requires the admin role")
	}
	if in.BatchSize < 0 || in.BatchSize > 1000 {
		return nil, apperrors.NewInvalidParameterError("batchSize", "must be between 1 and 1000")
	}
	if in.CampaignID != nil {
		if _, err := s.lookup(ctx, *in.CampaignID); err != nil {
			return nil, err
		}
	}

	res, err := s.processor.Run(ctx, in)
	if err != nil {
		return nil, apperrors.NewInternalError("batch processing failed", err)
	}
	return res, nil
}
