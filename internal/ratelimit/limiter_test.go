package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campaign-sendqueue/internal/models"
)

type fakeRecordStore struct {
	mu      sync.Mutex
	records []models.RateLimitRecord
	err     error
}

func (f *fakeRecordStore) InsertRateLimitRecord(ctx context.Context, rec *models.RateLimitRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, *rec)
	return nil
}

func (f *fakeRecordStore) SumRateLimitSince(ctx context.Context, campaignID *int64, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	total := 0
	for _, r := range f.records {
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

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults", *NewConfig(), false},
		{"zero limit", Config{HourlyLimit: 0, Window: time.Hour}, true},
		{"negative global", Config{HourlyLimit: 10, GlobalHourlyLimit: -1, Window: time.Hour}, true},
		{"zero window", Config{HourlyLimit: 10}, true},
		{"global cap", Config{HourlyLimit: 10, GlobalHourlyLimit: 50, Window: time.Hour}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStoreLimiterTrailingWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeRecordStore{}
	l, err := NewStoreLimiter(store, Config{HourlyLimit: 10})
	require.NoError(t, err)
	l.WithClock(func() time.Time { return now })

	ctx := context.Background()
	left, err := l.Remaining(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, left)

	require.NoError(t, l.Record(ctx, 1, 4))
	require.NoError(t, l.Record(ctx, 2, 9))

	left, err = l.Remaining(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, left)

	// records older than the window stop counting
	now = now.Add(61 * time.Minute)
	left, err = l.Remaining(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, left)
}

func TestStoreLimiterFloorsAtZero(t *testing.T) {
	now := time.Now()
	store := &fakeRecordStore{records: []models.RateLimitRecord{{CampaignID: 3, Count: 140, RecordedAt: now}}}
	l, err := NewStoreLimiter(store, Config{HourlyLimit: 100})
	require.NoError(t, err)

	left, err := l.Remaining(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 0, left)
}

func TestStoreLimiterGlobalCap(t *testing.T) {
	now := time.Now()
	store := &fakeRecordStore{records: []models.RateLimitRecord{
		{CampaignID: 1, Count: 30, RecordedAt: now},
		{CampaignID: 2, Count: 15, RecordedAt: now},
	}}
	l, err := NewStoreLimiter(store, Config{HourlyLimit: 100, GlobalHourlyLimit: 50})
	require.NoError(t, err)

	left, err := l.Remaining(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 5, left)
}

func TestStoreLimiterRecordSkipsZero(t *testing.T) {
	store := &fakeRecordStore{}
	l, err := NewStoreLimiter(store, Config{})
	require.NoError(t, err)

	require.NoError(t, l.Record(context.Background(), 1, 0))
	assert.Empty(t, store.records)
}

func TestStoreLimiterPropagatesErrors(t *testing.T) {
	store := &fakeRecordStore{err: errors.New("connection refused")}
	l, err := NewStoreLimiter(store, Config{})
	require.NoError(t, err)

	_, err = l.Remaining(context.Background(), 1)
	assert.Error(t, err)
	assert.Error(t, l.Record(context.Background(), 1, 2))
}
