// Package worker drives processor invocations from a periodic trigger.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/campaign-sendqueue/internal/job"
	"github.com/campaign-sendqueue/internal/logging"
)

// Runner runs one bounded processor invocation
type Runner interface {
	Run(ctx context.Context, in job.RunOptions) (*job.BatchResult, error)
}

// Sweeper returns stale claims to the queue
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// SendWorker runs one processor invocation per tick
type SendWorker struct {
	runner          Runner
	sweeper         Sweeper
	pollInterval    time.Duration
	batchSize       int
	autoMaterialize bool
	sweepEvery      int

	mu        sync.RWMutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	ticks     int
	status    SendWorkerStatus
	lastError error
}

// SendWorkerConfig holds configuration for a send worker
type SendWorkerConfig struct {
	Runner          Runner
	Sweeper         Sweeper // optional
	PollInterval    time.Duration
	BatchSize       int
	AutoMaterialize bool
	SweepEvery      int // run the sweeper every N ticks (default: 10)
}

// SendWorkerStatus is a snapshot of the worker's progress
type SendWorkerStatus struct {
	Running        bool      `json:"running"`
	PollInterval   string    `json:"pollInterval"`
	LastRunAt      time.Time `json:"lastRunAt"`
	LastClaimToken string    `json:"lastClaimToken,omitempty"`
	Invocations    int       `json:"invocations"`
	Failures       int       `json:"failures"`
	Sent           int       `json:"sent"`
	Retried        int       `json:"retried"`
	Failed         int       `json:"failed"`
	Deferred       int       `json:"deferred"`
	Reclaimed      int       `json:"reclaimed"`
	LastError      string    `json:"lastError,omitempty"`
}

// NewSendWorker creates a new send worker
func NewSendWorker(cfg *SendWorkerConfig) (*SendWorker, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}

	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 30 * time.Second
	}
	if pollInterval < time.Second {
		return nil, fmt.Errorf("poll interval must be at least 1s, got %v", pollInterval)
	}

	sweepEvery := cfg.SweepEvery
	if sweepEvery <= 0 {
		sweepEvery = 10
	}

	return &SendWorker{
		runner:          cfg.Runner,
		sweeper:         cfg.Sweeper,
		pollInterval:    pollInterval,
		batchSize:       cfg.BatchSize,
		autoMaterialize: cfg.AutoMaterialize,
		sweepEvery:      sweepEvery,
	}, nil
}

// Start begins the polling loop
func (w *SendWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("send worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	logging.FromContext(ctx).WithField("poll_interval", w.pollInterval.String()).Info("Starting send worker")

	go w.pollLoop(ctx, w.stopCh, w.doneCh)
	return nil
}

// Stop signals the loop to exit and waits for the in-flight invocation
func (w *SendWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("send worker is not running")
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		logging.Info("Send worker stopped gracefully")
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

func (w *SendWorker) pollLoop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.FromContext(ctx).Info("Send worker context cancelled")
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil {
				// Continue polling despite errors
				logging.FromContext(ctx).WithError(err).Error("Send worker tick failed")
			}
		}
	}
}

// Tick runs one invocation, preceded by a sweep every sweepEvery ticks
func (w *SendWorker) Tick(ctx context.Context) (*job.BatchResult, error) {
	w.mu.Lock()
	w.ticks++
	sweep := w.sweeper != nil && w.ticks%w.sweepEvery == 0
	w.mu.Unlock()

	reclaimed := 0
	if sweep {
		n, err := w.sweeper.Sweep(ctx)
		if err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Sweep failed")
		}
		reclaimed = n
	}

	res, err := w.runner.Run(ctx, job.RunOptions{BatchSize: w.batchSize, AutoMaterialize: w.autoMaterialize})

	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.LastRunAt = time.Now()
	w.status.Invocations++
	w.status.Reclaimed += reclaimed
	if err != nil {
		w.status.Failures++
		w.lastError = err
		return nil, err
	}
	w.lastError = res.Err
	w.status.LastClaimToken = res.ClaimToken
	w.status.Sent += res.Sent
	w.status.Retried += res.Retried
	w.status.Failed += res.Failed
	w.status.Deferred += res.Deferred
	w.status.Reclaimed += res.Reclaimed
	return res, nil
}

// GetStatus returns the current status of the worker
func (w *SendWorker) GetStatus() *SendWorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status := w.status
	status.Running = w.running
	status.PollInterval = w.pollInterval.String()
	if w.lastError != nil {
		status.LastError = w.lastError.Error()
	}
	return &status
}
