package job

import (
	"context"
	"fmt"
	"time"

	"github.com/campaign-sendqueue/internal/logging"
	"github.com/campaign-sendqueue/internal/metrics"
	"github.com/campaign-sendqueue/internal/storage"
)

// Sweeper returns claims older than the staleness threshold to the queue.
// Claim already does this inside its transaction; the sweeper covers idle periods.
type Sweeper struct {
	store     storage.Store
	threshold time.Duration
	now       func() time.Time
}

// NewSweeper creates a recovery sweeper
func NewSweeper(store storage.Store, threshold time.Duration) *Sweeper {
	if threshold <= 0 {
		threshold = DefaultOptions().StaleThreshold
	}
	return &Sweeper{store: store, threshold: threshold, now: time.Now}
}

// WithClock replaces the sweeper's time source
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Sweep reclaims stale claims and returns how many were reclaimed
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	n, err := s.store.ReclaimStale(ctx, now.Add(-s.threshold), now)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale claims: %w", err)
	}
	if n > 0 {
		metrics.GetMetrics().ReclaimedItems.Add(float64(n))
		logging.FromContext(ctx).WithField("reclaimed", n).Warn("Reclaimed stale claims")
	}
	return n, nil
}
