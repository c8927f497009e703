package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sift-analytics/sift/internal/domain"
	"github.com/sift-analytics/sift/internal/store"
)

func putCapsule(t *testing.T, s *store.MemoryCapsuleStore, runID string, age time.Duration) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), &domain.Capsule{
		RunID:     runID,
		CreatedAt: time.Now().Add(-age),
		DatasetID: "support",
		Status:    domain.RunStatusSucceeded,
	}))
}

func TestSweep_DeletesExpiredOnly(t *testing.T) {
	capsules := store.NewMemoryCapsuleStore()
	putCapsule(t, capsules, "old", 40*24*time.Hour)
	putCapsule(t, capsules, "recent", 2*24*time.Hour)

	r, err := New(capsules, Config{RetentionDays: 30})
	require.NoError(t, err)

	deleted := r.Sweep(context.Background())
	assert.Equal(t, int64(1), deleted)

	old, _ := capsules.Get(context.Background(), "old")
	assert.Nil(t, old)
	recent, _ := capsules.Get(context.Background(), "recent")
	assert.NotNil(t, recent)
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New(store.NewMemoryCapsuleStore(), Config{RetentionDays: 30, Schedule: "not a cron"})
	require.Error(t, err)
}

func TestNew_DefaultSchedule(t *testing.T) {
	r, err := New(store.NewMemoryCapsuleStore(), Config{RetentionDays: 30})
	require.NoError(t, err)

	// 03:00 daily: from 01:00 the next fire is 03:00 the same day.
	from := time.Date(2026, 8, 24, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC), r.sched.Next(from))
}

func TestStartStop_DisabledIsNoop(t *testing.T) {
	r, err := New(store.NewMemoryCapsuleStore(), Config{RetentionDays: 0})
	require.NoError(t, err)
	assert.False(t, r.Enabled())
	r.Start(context.Background())
	r.Stop() // must not hang with no goroutine running
}

func TestStartStop_Lifecycle(t *testing.T) {
	r, err := New(store.NewMemoryCapsuleStore(), Config{RetentionDays: 30})
	require.NoError(t, err)
	r.Start(context.Background())
	r.Stop()
}
