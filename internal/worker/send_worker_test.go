package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-sendqueue/internal/job"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []job.RunOptions
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, in job.RunOptions) (*job.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	return &job.BatchResult{ClaimToken: "tok", Claimed: 3, Sent: 2, Retried: 1}, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSweeper struct{ sweeps int }

func (f *fakeSweeper) Sweep(ctx context.Context) (int, error) {
	f.sweeps++
	return 4, nil
}

func TestNewSendWorker(t *testing.T) {
	_, err := NewSendWorker(&SendWorkerConfig{})
	assert.Error(t, err)

	_, err = NewSendWorker(&SendWorkerConfig{Runner: &fakeRunner{}, PollInterval: time.Millisecond})
	assert.Error(t, err)

	w, err := NewSendWorker(&SendWorkerConfig{Runner: &fakeRunner{}})
	require.NoError(t, err)
	assert.Equal(t, "30s", w.GetStatus().PollInterval)
}

func TestTickRunsOneInvocation(t *testing.T) {
	runner := &fakeRunner{}
	sweeper := &fakeSweeper{}
	w, err := NewSendWorker(&SendWorkerConfig{
		Runner:          runner,
		Sweeper:         sweeper,
		BatchSize:       25,
		AutoMaterialize: true,
		SweepEvery:      2,
	})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		res, err := w.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, res.Sent)
	}

	assert.Equal(t, 4, runner.count())
	assert.Equal(t, job.RunOptions{BatchSize: 25, AutoMaterialize: true}, runner.calls[0])
	assert.Equal(t, 2, sweeper.sweeps)

	status := w.GetStatus()
	assert.Equal(t, 4, status.Invocations)
	assert.Equal(t, 8, status.Sent)
	assert.Equal(t, 4, status.Retried)
	assert.Equal(t, 8, status.Reclaimed)
	assert.Equal(t, "tok", status.LastClaimToken)
	assert.Empty(t, status.LastError)
}

func TestTickRecordsFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("claim failed")}
	w, err := NewSendWorker(&SendWorkerConfig{Runner: runner})
	require.NoError(t, err)

	_, err = w.Tick(context.Background())
	require.Error(t, err)

	status := w.GetStatus()
	assert.Equal(t, 1, status.Failures)
	assert.Equal(t, "claim failed", status.LastError)
}

func TestStartStop(t *testing.T) {
	runner := &fakeRunner{}
	w, err := NewSendWorker(&SendWorkerConfig{Runner: runner, PollInterval: time.Second})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	assert.Error(t, w.Start(ctx))
	assert.True(t, w.GetStatus().Running)

	assert.Eventually(t, func() bool { return runner.count() >= 1 }, 3*time.Second, 50*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
	assert.False(t, w.GetStatus().Running)
	assert.Error(t, w.Stop(stopCtx))

	// restartable after a stop
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Stop(stopCtx))
}
