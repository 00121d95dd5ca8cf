package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
	"github.com/xkilldash9x/scalpel-hitl/internal/mocks"
)

type executorFunc func(ctx context.Context, runID string) error

func (f executorFunc) Execute(ctx context.Context, runID string) error { return f(ctx, runID) }

func newEngine(t *testing.T, cfg config.EngineConfig) *TaskEngine {
	t.Helper()
	mockCfg := new(mocks.MockConfig)
	mockCfg.On("Engine").Return(cfg)
	e, err := New(mockCfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(nil, zaptest.NewLogger(t))
	assert.Error(t, err)
	_, err = New(new(mocks.MockConfig), nil)
	assert.Error(t, err)
}

func TestTaskEngine_ProcessesEveryRun(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEngine(t, config.EngineConfig{QueueSize: 16, WorkerConcurrency: 3, AttemptTimeout: time.Second})

	var mu sync.Mutex
	seen := make(map[string]int)
	e.Start(context.Background(), executorFunc(func(ctx context.Context, runID string) error {
		mu.Lock()
		seen[runID]++
		mu.Unlock()
		return nil
	}))

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, e.Dispatch(id))
	}
	e.Stop()

	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1, "d": 1, "e": 1}, seen)
	assert.ErrorIs(t, e.Dispatch("late"), ErrStopped)
}

func TestTaskEngine_DispatchNeverBlocks(t *testing.T) {
	e := newEngine(t, config.EngineConfig{QueueSize: 2, WorkerConcurrency: 1})

	require.NoError(t, e.Dispatch("a"))
	require.NoError(t, e.Dispatch("b"))
	err := e.Dispatch("c")
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, schemas.ErrConflict)
	assert.Equal(t, 2, e.QueueDepth())
	e.Stop()
}

func TestTaskEngine_AppliesAttemptTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEngine(t, config.EngineConfig{QueueSize: 1, WorkerConcurrency: 1, AttemptTimeout: 20 * time.Millisecond})

	deadlines := make(chan bool, 1)
	e.Start(context.Background(), executorFunc(func(ctx context.Context, runID string) error {
		_, ok := ctx.Deadline()
		deadlines <- ok
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, e.Dispatch("slow"))

	select {
	case ok := <-deadlines:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("executor never ran")
	}
	e.Stop()
}

func TestTaskEngine_ContextCancelStopsWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEngine(t, config.EngineConfig{QueueSize: 4, WorkerConcurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx, executorFunc(func(ctx context.Context, runID string) error { return nil }))
	// A second start is ignored.
	e.Start(ctx, executorFunc(func(ctx context.Context, runID string) error { return nil }))
	cancel()
	e.Stop()
}

func TestTaskEngine_DispatchSkipsRunsAlreadyQueued(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := newEngine(t, config.EngineConfig{QueueSize: 1, WorkerConcurrency: 1, AttemptTimeout: time.Second})

	require.NoError(t, e.Dispatch("a"))
	require.NoError(t, e.Dispatch("a"), "a queued run is accepted again without a second entry")
	assert.Equal(t, 1, e.QueueDepth())
	assert.ErrorIs(t, e.Dispatch("b"), ErrQueueFull)

	processed := make(chan string, 4)
	e.Start(context.Background(), executorFunc(func(_ context.Context, runID string) error {
		processed <- runID
		return nil
	}))

	next := func() string {
		select {
		case id := <-processed:
			return id
		case <-time.After(time.Second):
			t.Fatal("executor never ran")
			return ""
		}
	}
	assert.Equal(t, "a", next())

	// A rejected run is not left marked, and a picked-up run may be queued again.
	require.NoError(t, e.Dispatch("b"))
	assert.Equal(t, "b", next())
	require.NoError(t, e.Dispatch("a"))
	assert.Equal(t, "a", next())

	e.Stop()
	assert.Empty(t, processed)
}
