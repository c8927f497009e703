package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sift-analytics/sift/internal/domain"
)

// MemoryCapsuleStore is a process-local CapsuleStore. Suitable for tests
// and for running without a configured database; capsules do not survive
// a restart.
type MemoryCapsuleStore struct {
	mu       sync.RWMutex
	byID     map[string]*domain.Capsule
	ordered  []string // insertion order, oldest first
}

// NewMemoryCapsuleStore creates an empty in-memory capsule store.
func NewMemoryCapsuleStore() *MemoryCapsuleStore {
	return &MemoryCapsuleStore{byID: make(map[string]*domain.Capsule)}
}

// Put inserts a capsule. Capsules are append-only; inserting an existing
// run_id is an error.
func (s *MemoryCapsuleStore) Put(_ context.Context, c *domain.Capsule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[c.RunID]; exists {
		return fmt.Errorf("insert capsule: run_id %s already exists", c.RunID)
	}
	cp := *c
	s.ordered = append(s.ordered, c.RunID)
	s.byID[c.RunID] = &cp
	return nil
}

func (s *MemoryCapsuleStore) Get(_ context.Context, runID string) (*domain.Capsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[runID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryCapsuleStore) List(_ context.Context, limit, offset int) ([]domain.Capsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Capsule, 0, limit)
	// newest first
	for i := len(s.ordered) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.byID[s.ordered[i]])
	}
	return out, nil
}

func (s *MemoryCapsuleStore) LatestSuccessful(_ context.Context, threadID, datasetID string) (*domain.Capsule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.ordered) - 1; i >= 0; i-- {
		c := s.byID[s.ordered[i]]
		if c.ThreadID == threadID && c.DatasetID == datasetID && c.Status == domain.RunStatusSucceeded {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryCapsuleStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []string
	var removed int64
	for _, id := range s.ordered {
		if s.byID[id].CreatedAt.Before(cutoff) {
			delete(s.byID, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.ordered = kept
	return removed, nil
}

// MemoryMessageStore is a process-local MessageStore.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	nextID   int64
	byThread map[string][]domain.ThreadMessage
}

// NewMemoryMessageStore creates an empty in-memory message store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{byThread: make(map[string][]domain.ThreadMessage)}
}

func (s *MemoryMessageStore) Append(_ context.Context, m *domain.ThreadMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *m
	cp.ID = s.nextID
	if cp.TS.IsZero() {
		cp.TS = time.Now().UTC()
	}
	s.byThread[m.ThreadID] = append(s.byThread[m.ThreadID], cp)
	m.ID = cp.ID
	return nil
}

func (s *MemoryMessageStore) ListRecent(_ context.Context, threadID string, n int) ([]domain.ThreadMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.byThread[threadID]
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]domain.ThreadMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}
