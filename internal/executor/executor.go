// Package executor runs sandboxed submissions. Three backends implement
// the same contract: a local container per run, a remote sandbox
// service, and a cluster job. Every backend normalizes every outcome —
// success, failure, timeout, transport error — into the runner result
// shape before returning, so upstream code is backend-agnostic.
package executor

import (
	"context"
	"sync"

	"github.com/sift-analytics/sift/internal/domain"
	"github.com/sift-analytics/sift/internal/runner"
)

// Executor is the uniform sandbox contract. Execute is synchronous with
// respect to completion: it returns once the run reaches a terminal
// state (the returned error is reserved for programming errors; sandbox
// failures come back inside the Result).
type Executor interface {
	Name() string
	Execute(ctx context.Context, req *runner.Request) (*runner.Result, error)
	// Status reports the lifecycle state for a run id, or pending when
	// the id is unknown.
	Status(runID string) domain.RunStatus
	// Result returns the normalized response for a terminal run, else nil.
	Result(runID string) *runner.Result
	// Cancel terminates a running sandbox, best-effort and idempotent.
	Cancel(ctx context.Context, runID string) error
	// Cleanup releases residual per-run state. Idempotent; called from
	// both success and failure paths.
	Cleanup(runID string)
}

// tracker holds per-run status, result, and cancellation state shared by
// all backends. Entries are keyed by run id and removed on Cleanup.
type tracker struct {
	mu      sync.Mutex
	status  map[string]domain.RunStatus
	results map[string]*runner.Result
	cancels map[string]context.CancelFunc
}

func newTracker() *tracker {
	return &tracker{
		status:  make(map[string]domain.RunStatus),
		results: make(map[string]*runner.Result),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (t *tracker) start(runID string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[runID] = domain.RunStatusRunning
	t.cancels[runID] = cancel
}

func (t *tracker) finish(runID string, res *runner.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	// A cancelled run keeps its cancelled status even though a result is
	// synthesized for it.
	if t.status[runID] != domain.RunStatusCancelled {
		t.status[runID] = res.RunStatus()
	}
	t.results[runID] = res
	delete(t.cancels, runID)
}

// cancel invokes the stored cancel func if the run is still live.
// Cancelling a terminal or unknown run is a no-op.
func (t *tracker) cancel(runID string) {
	t.mu.Lock()
	cancel := t.cancels[runID]
	if cancel != nil {
		t.status[runID] = domain.RunStatusCancelled
		delete(t.cancels, runID)
	}
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *tracker) getStatus(runID string) domain.RunStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.status[runID]; ok {
		return s
	}
	return domain.RunStatusPending
}

func (t *tracker) getResult(runID string) *runner.Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.results[runID]
}

func (t *tracker) cleanup(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.status, runID)
	delete(t.results, runID)
	delete(t.cancels, runID)
}

// cancelled reports whether the run was cancelled, so backends can keep
// the cancelled status instead of overwriting it with the synthesized
// result's status.
func (t *tracker) cancelled(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status[runID] == domain.RunStatusCancelled
}
