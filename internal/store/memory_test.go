package store

import (
	"context"
	"testing"
	"time"

	"github.com/sift-analytics/sift/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capsule(runID, threadID string, status domain.RunStatus, age time.Duration) *domain.Capsule {
	return &domain.Capsule{
		RunID:     runID,
		ThreadID:  threadID,
		DatasetID: "support",
		CreatedAt: time.Now().UTC().Add(-age),
		QueryMode: domain.QueryModeSQL,
		Status:    status,
	}
}

func TestCapsulePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCapsuleStore()

	c := capsule("run-1", "t-1", domain.RunStatusSucceeded, 0)
	c.CompiledSQL = "SELECT COUNT(*) AS n FROM tickets"
	require.NoError(t, s.Put(ctx, c))

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *c, *got)
}

func TestCapsulePut_RejectsDuplicateRunID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCapsuleStore()

	first := capsule("run-1", "t-1", domain.RunStatusSucceeded, 0)
	require.NoError(t, s.Put(ctx, first))

	err := s.Put(ctx, capsule("run-1", "t-1", domain.RunStatusFailed, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run-1")

	got, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.RunStatusSucceeded, got.Status, "stored capsule must stay untouched")
}

func TestCapsuleGet_MissingReturnsNilNil(t *testing.T) {
	got, err := NewMemoryCapsuleStore().Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCapsuleList_NewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCapsuleStore()
	require.NoError(t, s.Put(ctx, capsule("a", "t", domain.RunStatusSucceeded, 3*time.Hour)))
	require.NoError(t, s.Put(ctx, capsule("b", "t", domain.RunStatusFailed, 2*time.Hour)))
	require.NoError(t, s.Put(ctx, capsule("c", "t", domain.RunStatusSucceeded, time.Hour)))

	got, err := s.List(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].RunID)
	assert.Equal(t, "b", got[1].RunID)

	page2, err := s.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "a", page2[0].RunID)
}

func TestLatestSuccessful(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCapsuleStore()
	require.NoError(t, s.Put(ctx, capsule("a", "t-1", domain.RunStatusSucceeded, 3*time.Hour)))
	require.NoError(t, s.Put(ctx, capsule("b", "t-1", domain.RunStatusSucceeded, 2*time.Hour)))
	require.NoError(t, s.Put(ctx, capsule("c", "t-1", domain.RunStatusFailed, time.Hour)))
	require.NoError(t, s.Put(ctx, capsule("d", "t-2", domain.RunStatusSucceeded, time.Minute)))

	got, err := s.LatestSuccessful(ctx, "t-1", "support")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b", got.RunID)

	none, err := s.LatestSuccessful(ctx, "t-1", "other-dataset")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryCapsuleStore()
	require.NoError(t, s.Put(ctx, capsule("old", "t", domain.RunStatusSucceeded, 48*time.Hour)))
	require.NoError(t, s.Put(ctx, capsule("new", "t", domain.RunStatusSucceeded, time.Hour)))

	n, err := s.DeleteOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, got)

	kept, err := s.Get(ctx, "new")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestMessageAppendAndWindow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMessageStore()

	for i := 0; i < 5; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		require.NoError(t, s.Append(ctx, &domain.ThreadMessage{ThreadID: "t-1", Role: role, Content: string(rune('a' + i))}))
	}

	got, err := s.ListRecent(ctx, "t-1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// chronological order, last three
	assert.Equal(t, "c", got[0].Content)
	assert.Equal(t, "e", got[2].Content)
	assert.True(t, got[0].ID < got[1].ID && got[1].ID < got[2].ID)
}

func TestMessageListRecent_EmptyThread(t *testing.T) {
	got, err := NewMemoryMessageStore().ListRecent(context.Background(), "none", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
