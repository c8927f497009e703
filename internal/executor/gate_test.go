package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sift-analytics/sift/internal/domain"
	"github.com/sift-analytics/sift/internal/runner"
)

// blockingExecutor holds every Execute call until released.
type blockingExecutor struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingExecutor) Name() string { return "blocking" }

func (b *blockingExecutor) Execute(ctx context.Context, _ *runner.Request) (*runner.Result, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return &runner.Result{Status: runner.StatusSuccess}, nil
}

func (b *blockingExecutor) Status(string) domain.RunStatus      { return domain.RunStatusRunning }
func (b *blockingExecutor) Result(string) *runner.Result        { return nil }
func (b *blockingExecutor) Cancel(context.Context, string) error { return nil }
func (b *blockingExecutor) Cleanup(string)                      {}

func TestGate_CapEnforced(t *testing.T) {
	inner := newBlockingExecutor()
	g := NewGate(inner, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = g.Execute(context.Background(), testRequest())
	}()
	<-inner.entered // first submission holds the only slot

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := g.Execute(ctx, testRequest())
	require.NoError(t, err)
	require.NotNil(t, res.Error)
	assert.Equal(t, string(domain.ErrBackendUnavailable), res.Error.Type)

	close(inner.release)
	wg.Wait()
}

func TestGate_SlotFreedAfterRun(t *testing.T) {
	inner := newBlockingExecutor()
	close(inner.release) // runs complete immediately
	g := NewGate(inner, 1)

	for i := 0; i < 3; i++ {
		res, err := g.Execute(context.Background(), testRequest())
		require.NoError(t, err)
		assert.Equal(t, runner.StatusSuccess, res.Status)
	}
}

func TestGate_InflightObserver(t *testing.T) {
	inner := newBlockingExecutor()
	close(inner.release)
	g := NewGate(inner, 2)

	var mu sync.Mutex
	var deltas []int
	g.OnInflightChange = func(delta int) {
		mu.Lock()
		deltas = append(deltas, delta)
		mu.Unlock()
	}

	_, err := g.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, []int{1, -1}, deltas)
}
