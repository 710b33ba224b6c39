package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/campaign-sendqueue/internal/mailer"
	"github.com/campaign-sendqueue/internal/models"
	"github.com/campaign-sendqueue/internal/types"
)

// drain runs the processor until nothing is claimable, jumping past every backoff.
// It reports false if attempts ever decrease or the queue does not converge.
func drain(t *testing.T, h *harness, p *BatchProcessor) bool {
	ctx := context.Background()
	prev := map[int64]int{}
	for i := 0; i < 3*models.DefaultMaxAttempts; i++ {
		res, err := p.Run(ctx, RunOptions{BatchSize: 4})
		if err != nil {
			t.Logf("run failed: %v", err)
			return false
		}
		for _, q := range h.store.QueueItems(h.campaign) {
			if q.Attempts < prev[q.ID] {
				t.Logf("attempts of item %d decreased", q.ID)
				return false
			}
			prev[q.ID] = q.Attempts
		}
		if res.Claimed == 0 {
			return true
		}
		h.clock.Advance(25 * time.Hour)
	}
	return false
}

func TestAttemptConvergenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	// Property: under any outcome sequence every item ends sent or failed, attempts never
	// exceed the budget, and only exhausted items fail
	properties.Property("queue items converge to a terminal state", prop.ForAll(
		func(recipients int, outcomes []bool) bool {
			transport := newFakeTransport(func(call int, _ *mailer.Message) error {
				if len(outcomes) > 0 && !outcomes[(call-1)%len(outcomes)] {
					return errors.New("421 busy")
				}
				return nil
			})
			h := newHarness(t, recipients, 1000, transport)
			if !drain(t, h, h.processor(DefaultOptions())) {
				return false
			}

			for _, q := range h.store.QueueItems(h.campaign) {
				switch q.Status {
				case types.QueueSent:
					if q.Attempts < 1 || q.Attempts > q.MaxAttempts {
						return false
					}
				case types.QueueFailed:
					if q.Attempts != q.MaxAttempts {
						return false
					}
				default:
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 6),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestAggregateCorrectnessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	// Property: after every batch the campaign counters equal the ledger counts
	properties.Property("counters match the ledger", prop.ForAll(
		func(recipients int, outcomes []bool, batches int) bool {
			transport := newFakeTransport(func(call int, _ *mailer.Message) error {
				if len(outcomes) > 0 && !outcomes[(call-1)%len(outcomes)] {
					return errors.New("550 rejected")
				}
				return nil
			})
			h := newHarness(t, recipients, 1000, transport)
			p := h.processor(DefaultOptions())
			ctx := context.Background()

			for i := 0; i < batches; i++ {
				if _, err := p.Run(ctx, RunOptions{BatchSize: 3}); err != nil {
					return false
				}
				h.clock.Advance(25 * time.Hour)

				var sent, failed, pending int
				for _, r := range h.store.Recipients(h.campaign) {
					switch r.Status {
					case types.RecipientSent:
						sent++
					case types.RecipientFailed:
						failed++
					default:
						pending++
					}
				}
				c, err := h.store.GetCampaign(ctx, h.campaign)
				if err != nil {
					return false
				}
				if c.SentCount != sent || c.FailedCount != failed || c.TotalRecipients != recipients {
					return false
				}
				if (pending == 0) != (c.Status == types.CampaignCompleted) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.SliceOf(gen.Bool()),
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}
