package maintenance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSweeper struct {
	calls atomic.Int32
	n     int
	err   error
}

func (f *fakeSweeper) SweepExpired(context.Context) (int, error) {
	f.calls.Add(1)
	return f.n, f.err
}

type fakeRuns struct {
	mu        sync.Mutex
	runs      []*schemas.Run
	abandoned map[string]string
	failWith  map[string]error
	listErr   error

	requeueN   int
	requeueErr error
	requeuedAt []time.Duration
}

func (f *fakeRuns) Requeue(_ context.Context, olderThan time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeuedAt = append(f.requeuedAt, olderThan)
	return f.requeueN, f.requeueErr
}

func (f *fakeRuns) List(_ context.Context, filter schemas.RunFilter) ([]*schemas.Run, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*schemas.Run
	for _, r := range f.runs {
		if filter.Status == "" || r.Status == filter.Status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuns) Abandon(_ context.Context, runID, reason string) (*schemas.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failWith[runID]; err != nil {
		return nil, err
	}
	if f.abandoned == nil {
		f.abandoned = make(map[string]string)
	}
	f.abandoned[runID] = reason
	return &schemas.Run{ID: runID, Status: schemas.RunFailed}, nil
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newScheduler(t *testing.T, wait time.Duration, sweeper SessionSweeper, runs RunMaintainer) *Scheduler {
	t.Helper()
	s, err := New(config.MaintenanceConfig{Enabled: true, Schedule: "*/5 * * * *"}, wait, sweeper, runs, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	return s
}

func TestNewValidatesSchedule(t *testing.T) {
	_, err := New(config.MaintenanceConfig{Schedule: "every tuesday"}, 0, &fakeSweeper{}, &fakeRuns{}, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "invalid maintenance schedule")

	_, err = New(config.MaintenanceConfig{Schedule: "@hourly"}, 0, nil, &fakeRuns{}, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = ParseSchedule("0 3 * * *")
	assert.NoError(t, err)
}

func TestSweepAbandonsOnlyStaleWaitingRuns(t *testing.T) {
	runs := &fakeRuns{runs: []*schemas.Run{
		{ID: "stale", Status: schemas.RunWaitingForHuman, UpdatedAt: now.Add(-25 * time.Hour)},
		{ID: "fresh", Status: schemas.RunWaitingForHuman, UpdatedAt: now.Add(-time.Hour)},
		{ID: "running", Status: schemas.RunRunning, UpdatedAt: now.Add(-48 * time.Hour)},
	}}
	sweeper := &fakeSweeper{n: 2}

	report, err := newScheduler(t, 24*time.Hour, sweeper, runs).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{SessionsExpired: 2, RunsAbandoned: 1}, report)
	assert.Empty(t, runs.requeuedAt, "re-queuing is off without requeue_after")
	assert.Equal(t, map[string]string{"stale": "abandoned: waited longer than 24h0m0s for a human"}, runs.abandoned)
}

func TestSweepWithoutWaitTimeoutKeepsRuns(t *testing.T) {
	runs := &fakeRuns{runs: []*schemas.Run{
		{ID: "old", Status: schemas.RunWaitingForHuman, UpdatedAt: now.Add(-1000 * time.Hour)},
	}}
	report, err := newScheduler(t, 0, &fakeSweeper{}, runs).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.RunsAbandoned)
	assert.Empty(t, runs.abandoned)
}

func TestSweepToleratesRacesAndJoinsErrors(t *testing.T) {
	boom := errors.New("db down")
	runs := &fakeRuns{
		runs: []*schemas.Run{
			{ID: "resolved-meanwhile", Status: schemas.RunWaitingForHuman, UpdatedAt: now.Add(-48 * time.Hour)},
			{ID: "busy", Status: schemas.RunWaitingForHuman, UpdatedAt: now.Add(-48 * time.Hour)},
			{ID: "broken", Status: schemas.RunWaitingForHuman, UpdatedAt: now.Add(-48 * time.Hour)},
			{ID: "ok", Status: schemas.RunWaitingForHuman, UpdatedAt: now.Add(-48 * time.Hour)},
		},
		failWith: map[string]error{
			"resolved-meanwhile": schemas.ErrInvalidTransition,
			"busy":               schemas.ErrRunBusy,
			"broken":             boom,
		},
	}
	sweeper := &fakeSweeper{err: errors.New("vault unavailable")}

	report, err := newScheduler(t, time.Hour, sweeper, runs).Sweep(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "vault unavailable")
	assert.Equal(t, 1, report.RunsAbandoned, "session failures do not stop the run sweep")
}

func TestSweepRequeuesStalledRuns(t *testing.T) {
	runs := &fakeRuns{requeueN: 2}
	s, err := New(config.MaintenanceConfig{Enabled: true, Schedule: "@hourly", RequeueAfter: 10 * time.Minute}, 0, &fakeSweeper{}, runs, zaptest.NewLogger(t))
	require.NoError(t, err)

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.RunsRequeued)
	assert.Equal(t, []time.Duration{10 * time.Minute}, runs.requeuedAt)
}

func TestSweepRequeueFailureDoesNotStopSweep(t *testing.T) {
	runs := &fakeRuns{
		requeueErr: errors.New("queue full"),
		runs:       []*schemas.Run{{ID: "stale", Status: schemas.RunWaitingForHuman, UpdatedAt: now.Add(-48 * time.Hour)}},
	}
	s, err := New(config.MaintenanceConfig{Enabled: true, Schedule: "@hourly", RequeueAfter: time.Minute}, time.Hour, &fakeSweeper{}, runs, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.now = func() time.Time { return now }

	report, err := s.Sweep(context.Background())
	assert.ErrorContains(t, err, "re-queuing stalled runs")
	assert.Equal(t, 1, report.RunsAbandoned)
}

func TestSweepListFailure(t *testing.T) {
	runs := &fakeRuns{listErr: errors.New("timeout")}
	_, err := newScheduler(t, time.Hour, &fakeSweeper{}, runs).Sweep(context.Background())
	assert.ErrorContains(t, err, "listing waiting runs")
}

func TestRunTriggersOnScheduleAndStops(t *testing.T) {
	sweeper := &fakeSweeper{}
	s, err := New(config.MaintenanceConfig{Enabled: true, Schedule: "@every 1s"}, 0, sweeper, &fakeRuns{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return sweeper.calls.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
