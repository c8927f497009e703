package executor

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/sift-analytics/sift/internal/domain"
	"github.com/sift-analytics/sift/internal/runner"
)

// Gate bounds concurrent sandbox submissions across all requests with a
// weighted semaphore. Waiters queue in FIFO order; a waiter whose
// context expires before a slot frees gets a BACKEND_UNAVAILABLE result.
type Gate struct {
	inner Executor
	sem   *semaphore.Weighted

	// OnInflightChange, when set, observes the in-flight submission
	// count (for a metrics gauge).
	OnInflightChange func(delta int)
}

// NewGate wraps inner with a concurrency cap of max submissions.
func NewGate(inner Executor, max int64) *Gate {
	if max <= 0 {
		max = 1
	}
	return &Gate{inner: inner, sem: semaphore.NewWeighted(max)}
}

func (g *Gate) Name() string { return g.inner.Name() }

func (g *Gate) Execute(ctx context.Context, req *runner.Request) (*runner.Result, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return runner.ErrorResult(domain.ErrBackendUnavailable,
			fmt.Sprintf("no sandbox slot available: %v", err)), nil
	}
	defer g.sem.Release(1)

	if g.OnInflightChange != nil {
		g.OnInflightChange(1)
		defer g.OnInflightChange(-1)
	}
	return g.inner.Execute(ctx, req)
}

func (g *Gate) Status(runID string) domain.RunStatus   { return g.inner.Status(runID) }
func (g *Gate) Result(runID string) *runner.Result     { return g.inner.Result(runID) }
func (g *Gate) Cancel(ctx context.Context, runID string) error { return g.inner.Cancel(ctx, runID) }
func (g *Gate) Cleanup(runID string)                   { g.inner.Cleanup(runID) }
