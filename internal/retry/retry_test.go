package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestBackoffPolicyDelay(t *testing.T) {
	p := DefaultBackoffPolicy()
	want := []time.Duration{1 * time.Hour, 2 * time.Hour, 4 * time.Hour, 8 * time.Hour, 16 * time.Hour, 24 * time.Hour, 24 * time.Hour}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i+1), "attempts=%d", i+1)
	}
	assert.Equal(t, 24*time.Hour, p.Delay(500))
}

func TestBackoffPolicyProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	p := DefaultBackoffPolicy()

	properties.Property("delay is min(24h, 1h*2^(n-1))", prop.ForAll(
		func(n int) bool {
			want := 24 * time.Hour
			if n <= 5 {
				want = time.Hour << uint(n-1)
			}
			return p.Delay(n) == want
		},
		gen.IntRange(1, 200),
	))

	properties.Property("delay is non-decreasing", prop.ForAll(
		func(n int) bool {
			return p.Delay(n) <= p.Delay(n+1)
		},
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}

func TestWithExponentialBackoffSucceedsAfterRetry(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	calls := 0
	res := WithExponentialBackoff(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("connection refused")
		}
		return nil
	})
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Attempts)
	assert.NoError(t, res.LastError)
	assert.Equal(t, 2, calls)
}

func TestWithExponentialBackoffStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("bad credentials")
	cfg := &RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   2,
		ShouldRetry:  func(err error) bool { return !errors.Is(err, permanent) },
	}
	res := WithExponentialBackoff(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		return permanent
	})
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.LastError, permanent)
}

func TestWithExponentialBackoffContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}
	res := WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("down")
	})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.LastError, context.Canceled)
}
