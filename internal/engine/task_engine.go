// Package engine runs queued runs on a bounded pool of workers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
)

var (
	// ErrQueueFull is returned by Dispatch when the queue has no room. It is a
	// conflict: the caller may retry later.
	ErrQueueFull = fmt.Errorf("run queue full: %w", schemas.ErrConflict)
	// ErrStopped is returned by Dispatch once the engine is stopping.
	ErrStopped = errors.New("task engine stopped")
)

// Executor performs one attempt of a run.
type Executor interface {
	Execute(ctx context.Context, runID string) error
}

// TaskEngine manages the in-process distribution of run ids to a pool of workers.
type TaskEngine struct {
	cfg    config.Interface
	logger *zap.Logger
	queue  chan string
	wg     sync.WaitGroup

	// queuedMu protects queued, the run ids waiting in queue.
	queuedMu sync.Mutex
	queued   map[string]struct{}

	// stateLock protects the running and closed flags.
	stateLock sync.RWMutex
	isRunning bool
	closed    bool
}

var _ schemas.Dispatcher = (*TaskEngine)(nil)

// New creates a TaskEngine with a queue sized from configuration.
func New(cfg config.Interface, logger *zap.Logger) (*TaskEngine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	size := cfg.Engine().QueueSize
	if size <= 0 {
		size = 1000
	}
	return &TaskEngine{
		cfg:    cfg,
		logger: observability.Component(logger, "task_engine"),
		queue:  make(chan string, size),
		queued: make(map[string]struct{}),
	}, nil
}

// Dispatch enqueues a run id without blocking. A run id that is already
// waiting in the queue is not queued again.
func (e *TaskEngine) Dispatch(runID string) error {
	e.stateLock.RLock()
	defer e.stateLock.RUnlock()
	if e.closed {
		return ErrStopped
	}

	e.queuedMu.Lock()
	if _, ok := e.queued[runID]; ok {
		e.queuedMu.Unlock()
		e.logger.Debug("Run already queued.", observability.RunID(runID))
		return nil
	}
	e.queued[runID] = struct{}{}
	e.queuedMu.Unlock()

	select {
	case e.queue <- runID:
		return nil
	default:
		e.dequeued(runID)
		e.logger.Warn("Run queue full, dispatch rejected.", observability.RunID(runID), zap.Int("capacity", cap(e.queue)))
		return ErrQueueFull
	}
}

func (e *TaskEngine) dequeued(runID string) {
	e.queuedMu.Lock()
	delete(e.queued, runID)
	e.queuedMu.Unlock()
}

// QueueDepth reports how many run ids are waiting for a worker.
func (e *TaskEngine) QueueDepth() int {
	return len(e.queue)
}

// Start launches the worker pool. Workers exit when ctx is cancelled or
// Stop drains the queue.
func (e *TaskEngine) Start(ctx context.Context, executor Executor) {
	e.stateLock.Lock()
	if e.isRunning || e.closed {
		e.stateLock.Unlock()
		e.logger.Warn("TaskEngine.Start called, but engine is already running or stopped.")
		return
	}
	e.isRunning = true
	e.stateLock.Unlock()

	concurrency := e.cfg.Engine().WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	e.logger.Info("Starting task engine worker pool", zap.Int("concurrency", concurrency))
	for i := 0; i < concurrency; i++ {
		e.wg.Add(1)
		go e.runWorker(ctx, i+1, executor)
	}
}

// Stop closes the queue and waits for the workers to finish what they hold.
func (e *TaskEngine) Stop() {
	e.stateLock.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.stateLock.Unlock()

	e.logger.Info("Stopping task engine... waiting for workers to finish.")
	e.wg.Wait()

	e.stateLock.Lock()
	e.isRunning = false
	e.stateLock.Unlock()
	e.logger.Info("Task engine stopped gracefully.")
}

func (e *TaskEngine) runWorker(ctx context.Context, workerID int, executor Executor) {
	defer e.wg.Done()
	logger := e.logger.With(zap.Int("worker_id", workerID))
	logger.Debug("Worker goroutine started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Context cancelled, worker shutting down.", zap.Error(ctx.Err()))
			return
		case runID, ok := <-e.queue:
			if !ok {
				logger.Debug("Run queue closed and drained, worker shutting down.")
				return
			}
			e.dequeued(runID)
			e.process(ctx, runID, executor, logger)
		}
	}
}

func (e *TaskEngine) process(ctx context.Context, runID string, executor Executor, logger *zap.Logger) {
	if ctx.Err() != nil {
		logger.Warn("Context cancelled before run processing started", observability.RunID(runID))
		return
	}

	timeout := e.cfg.Engine().AttemptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := executor.Execute(attemptCtx, runID)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("Run attempt timed out", observability.RunID(runID), zap.Duration("timeout", timeout), zap.Error(err))
	case errors.Is(err, context.Canceled):
		logger.Warn("Run attempt was cancelled", observability.RunID(runID), zap.Error(err))
	default:
		logger.Error("Run attempt failed with unexpected error", observability.RunID(runID), zap.Error(err))
	}
}
