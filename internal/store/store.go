// Package store defines the persistence interfaces for run capsules and
// thread messages, plus in-memory implementations used when no database
// is configured and by tests.
package store

import (
	"context"
	"time"

	"github.com/sift-analytics/sift/internal/domain"
)

// CapsuleStore persists run capsules. Capsules are append-only: Put is
// called exactly once per accepted submission and implementations must
// make the write durable before returning. Get returns (nil, nil) when
// no capsule exists for the id.
type CapsuleStore interface {
	Put(ctx context.Context, c *domain.Capsule) error
	Get(ctx context.Context, runID string) (*domain.Capsule, error)
	// List returns capsules newest first.
	List(ctx context.Context, limit, offset int) ([]domain.Capsule, error)
	// LatestSuccessful returns the most recent succeeded capsule for the
	// thread/dataset pair, or (nil, nil).
	LatestSuccessful(ctx context.Context, threadID, datasetID string) (*domain.Capsule, error)
	// DeleteOlderThan removes capsules created before cutoff. Used only
	// by the retention reaper, never by the run pipeline.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MessageStore is the append-only thread history log.
type MessageStore interface {
	Append(ctx context.Context, m *domain.ThreadMessage) error
	// ListRecent returns the last n messages of the thread in
	// chronological order.
	ListRecent(ctx context.Context, threadID string, n int) ([]domain.ThreadMessage, error)
}
