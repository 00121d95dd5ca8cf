package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
)

func (h *harness) domainAttempts(t *testing.T, domain string) int64 {
	t.Helper()
	cfg, err := h.learning.Get(context.Background(), domain)
	if errors.Is(err, schemas.ErrNotFound) {
		return 0
	}
	require.NoError(t, err)
	return cfg.TotalAttempts
}

func TestAttemptTimeoutCountsTowardRetryCeiling(t *testing.T) {
	h := newHarness(t, config.RunsConfig{MaxAttempts: 2})
	target := "https://slow.example/"
	run := h.startRun(t, target)
	h.engine.On("Attempt", mock.Anything, target, mock.Anything).
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return(nil, context.DeadlineExceeded).
		Twice()

	execute := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		return h.machine.Execute(ctx, run.ID)
	}

	require.NoError(t, execute())
	got := h.requireInvariant(t, run.ID)
	assert.Equal(t, schemas.RunRunning, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "attempt timed out", got.LastError)
	// Start plus the retry.
	h.dispatcher.AssertNumberOfCalls(t, "Dispatch", 2)
	assert.EqualValues(t, 1, h.domainAttempts(t, "slow.example"))

	require.NoError(t, execute())
	failed := h.requireInvariant(t, run.ID)
	assert.Equal(t, schemas.RunFailed, failed.Status)
	assert.Equal(t, 2, failed.AttemptCount)
	assert.Contains(t, failed.LastError, "max attempts")
	h.dispatcher.AssertNumberOfCalls(t, "Dispatch", 2)
}

func TestAttemptCancelledLeavesRunForRecovery(t *testing.T) {
	h := newHarness(t, config.RunsConfig{MaxAttempts: 3})
	target := "https://shutdown.example/"
	run := h.startRun(t, target)

	ctx, cancel := context.WithCancel(context.Background())
	h.engine.On("Attempt", mock.Anything, target, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled).
		Once()

	err := h.machine.Execute(ctx, run.ID)
	require.ErrorIs(t, err, context.Canceled)

	got := h.requireInvariant(t, run.ID)
	assert.Equal(t, schemas.RunRunning, got.Status)
	assert.Zero(t, got.AttemptCount)
	assert.Contains(t, got.LastError, "attempt interrupted")

	n, err := h.machine.Requeue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.dispatcher.AssertNumberOfCalls(t, "Dispatch", 2)
}

func TestOutcomeRecordFailureIsVisibleAndRecoverable(t *testing.T) {
	h := newHarness(t, config.RunsConfig{MaxAttempts: 3})
	target := "https://shop.example/p/2"
	run := h.startRun(t, target)
	h.respond(target, 200, "<html><body>price: 12</body></html>")
	h.runs.mu.Lock()
	h.runs.failWhen = func(r *schemas.Run) bool { return r.Status == schemas.RunCompleted }
	h.runs.mu.Unlock()

	err := h.machine.Execute(context.Background(), run.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recording outcome")

	got := h.requireInvariant(t, run.ID)
	assert.Equal(t, schemas.RunRunning, got.Status)
	assert.Contains(t, got.LastError, "recording outcome failed")
	assert.Zero(t, h.domainAttempts(t, "shop.example"), "learning only moves with an applied transition")
	assert.Zero(t, h.events.Count(schemas.EventRunCompleted))

	h.runs.mu.Lock()
	h.runs.failWhen = nil
	h.runs.mu.Unlock()
	n, err := h.machine.Requeue(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.dispatcher.AssertNumberOfCalls(t, "Dispatch", 2)
}

func TestOutcomeWaitsOutBriefTransitionLock(t *testing.T) {
	h := newHarness(t, config.RunsConfig{MaxAttempts: 3})
	target := "https://shop.example/p/3"
	run := h.startRun(t, target)
	h.respond(target, 200, "<html><body>price: 7</body></html>")

	require.True(t, h.machine.locks.TryLock(run.ID))
	release := time.AfterFunc(30*time.Millisecond, func() { h.machine.locks.Unlock(run.ID) })
	defer release.Stop()

	require.NoError(t, h.machine.Execute(context.Background(), run.ID))
	done := h.requireInvariant(t, run.ID)
	assert.Equal(t, schemas.RunCompleted, done.Status)
	assert.Equal(t, 1, done.AttemptCount)
}

func TestRetryRequeueFailureIsRecorded(t *testing.T) {
	h := newHarness(t, config.RunsConfig{MaxAttempts: 3})
	ctx := context.Background()
	target := "https://flaky.example/queue"
	run, err := h.machine.Create(ctx, CreateRequest{JobID: "job-1", Target: target})
	require.NoError(t, err)
	h.dispatcher.On("Dispatch", run.ID).Return(nil).Once()
	h.dispatcher.On("Dispatch", run.ID).Return(errors.New("queue full")).Once()
	_, err = h.machine.Start(ctx, run.ID)
	require.NoError(t, err)
	h.respond(target, 502, "<html>bad gateway</html>")

	err = h.machine.Execute(ctx, run.ID)
	require.ErrorContains(t, err, "re-queuing")

	got := h.requireInvariant(t, run.ID)
	assert.Equal(t, schemas.RunRunning, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Contains(t, got.LastError, "re-queue failed")
	assert.Contains(t, got.LastError, "queue full")
}

func TestRequeueSelectsStalledRunningRuns(t *testing.T) {
	h := newHarness(t, config.RunsConfig{})
	ctx := context.Background()
	running := h.startRun(t, "https://a.example/")
	_, err := h.machine.Create(ctx, CreateRequest{JobID: "job-1", Target: "https://b.example/"})
	require.NoError(t, err)

	n, err := h.machine.Requeue(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "recently updated runs are left alone")

	h.machine.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = h.machine.Requeue(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "pending runs are not re-queued")
	h.dispatcher.AssertNumberOfCalls(t, "Dispatch", 2)
	h.dispatcher.AssertCalled(t, "Dispatch", running.ID)
}

func TestDuplicateExecuteIsDropped(t *testing.T) {
	h := newHarness(t, config.RunsConfig{MaxAttempts: 3})
	ctx := context.Background()
	target := "https://dup.example/"
	run := h.startRun(t, target)

	require.True(t, h.machine.attempts.TryLock(run.ID))
	require.NoError(t, h.machine.Execute(ctx, run.ID))
	h.engine.AssertNotCalled(t, "Attempt", mock.Anything, mock.Anything, mock.Anything)
	h.machine.attempts.Unlock(run.ID)

	h.respond(target, 200, "<html><body>price: 3</body></html>")
	require.NoError(t, h.machine.Execute(ctx, run.ID))
	assert.Equal(t, schemas.RunCompleted, h.requireInvariant(t, run.ID).Status)
}

func TestResolveWhileRunBusyCanBeRetried(t *testing.T) {
	h := newHarness(t, config.RunsConfig{MaxAttempts: 3})
	ctx := context.Background()
	target := "https://example.com/busy"
	run := h.startRun(t, target)
	h.respond(target, 403, "<html><body>Forbidden</body></html>")
	require.NoError(t, h.machine.Execute(ctx, run.ID))
	waiting := h.requireInvariant(t, run.ID)
	require.Equal(t, schemas.RunWaitingForHuman, waiting.Status)
	taskID := *waiting.InterventionID

	resolution := schemas.ResolutionBody{Resolution: json.RawMessage(`{"action":"manual_completion"}`), ResolvedBy: "user"}

	require.True(t, h.machine.locks.TryLock(run.ID))
	_, err := h.broker.Resolve(ctx, taskID, resolution)
	h.machine.locks.Unlock(run.ID)
	require.ErrorIs(t, err, schemas.ErrResumeFailed)

	stuck := h.requireInvariant(t, run.ID)
	assert.Equal(t, schemas.RunWaitingForHuman, stuck.Status)
	assert.Contains(t, stuck.LastError, "resume failed")

	_, err = h.broker.Resolve(ctx, taskID, resolution)
	require.ErrorIs(t, err, schemas.ErrAlreadyResolved)
	assert.NotErrorIs(t, err, schemas.ErrResumeFailed)

	resumed := h.requireInvariant(t, run.ID)
	assert.Equal(t, schemas.RunRunning, resumed.Status)
	assert.Nil(t, resumed.InterventionID)
	assert.Equal(t, 1, h.events.Count(schemas.EventRunResumed))
	assert.Equal(t, 1, h.events.Count(schemas.EventInterventionResolved))
}

func TestUnknownOutcomeKindLeavesLearningUntouched(t *testing.T) {
	h := newHarness(t, config.RunsConfig{})
	run := h.startRun(t, "https://odd.example/")

	_, err := h.machine.RecordAttemptOutcome(context.Background(), run.ID, schemas.AttemptOutcome{Kind: "exploded", Engine: "http"})
	require.ErrorIs(t, err, schemas.ErrValidation)
	assert.Zero(t, h.domainAttempts(t, "odd.example"))
	assert.Equal(t, schemas.RunRunning, h.requireInvariant(t, run.ID).Status)
}
