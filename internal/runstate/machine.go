// Package runstate owns the lifecycle of a run:
//
//	pending -> running -> completed | failed | waiting_for_human
//	waiting_for_human -> running
//
// Every transition holds the run exclusively; a second transition attempted
// meanwhile fails with schemas.ErrRunBusy instead of queueing.
package runstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
)

// Broker is the part of the intervention broker the machine drives.
type Broker interface {
	Open(ctx context.Context, req schemas.InterventionRequest) (*schemas.InterventionTask, error)
	ResolveSystem(ctx context.Context, id, reason string) (*schemas.InterventionTask, error)
	Get(ctx context.Context, id string) (*schemas.InterventionTask, error)
}

// Learner is the domain learning store as seen by the machine.
type Learner interface {
	RecordOutcome(ctx context.Context, domain string, outcome schemas.AttemptOutcome) (*schemas.DomainConfig, error)
	Recommend(ctx context.Context, domain string) (*schemas.Recommendation, error)
}

// Sessions is the session vault as seen by the machine.
type Sessions interface {
	Get(ctx context.Context, domain string) (*schemas.SessionVaultEntry, error)
	RecordValidation(ctx context.Context, domain string, outcome schemas.ValidationOutcome, detail string) (*schemas.SessionVaultEntry, error)
}

// Classifier turns a raw engine result into an attempt outcome.
type Classifier interface {
	Classify(target string, res *schemas.EngineResult) schemas.AttemptOutcome
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Runs      schemas.RunRepository
	Broker    Broker
	Learning  Learner
	Sessions  Sessions
	Detector  Classifier
	Engines   []schemas.Engine
	Publisher schemas.EventPublisher
}

// CreateRequest describes a new run.
type CreateRequest struct {
	JobID  string `json:"job_id"`
	Target string `json:"target"`
}

// Machine is the run state machine.
type Machine struct {
	runs       schemas.RunRepository
	broker     Broker
	learning   Learner
	sessions   Sessions
	detector   Classifier
	engines    map[string]schemas.Engine
	engineList []string
	publisher  schemas.EventPublisher
	dispatcher schemas.Dispatcher
	cfg        config.RunsConfig
	locks      *runLocks
	attempts   *runLocks
	logger     *zap.Logger
	now        func() time.Time
}

var _ schemas.Resumer = (*Machine)(nil)

// New builds a machine. The dispatcher is attached with SetDispatcher once
// the worker pool exists.
func New(deps Deps, cfg config.RunsConfig, logger *zap.Logger) *Machine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	m := &Machine{
		runs:      deps.Runs,
		broker:    deps.Broker,
		learning:  deps.Learning,
		sessions:  deps.Sessions,
		detector:  deps.Detector,
		engines:   make(map[string]schemas.Engine, len(deps.Engines)),
		publisher: deps.Publisher,
		cfg:       cfg,
		locks:     newRunLocks(),
		attempts:  newRunLocks(),
		logger:    observability.Component(logger, "run_state"),
		now:       time.Now,
	}
	for _, e := range deps.Engines {
		m.engines[e.Name()] = e
		m.engineList = append(m.engineList, e.Name())
	}
	return m
}

// SetDispatcher attaches the queue runs are handed to when they need an attempt.
func (m *Machine) SetDispatcher(d schemas.Dispatcher) { m.dispatcher = d }

// Create persists a pending run.
func (m *Machine) Create(ctx context.Context, req CreateRequest) (*schemas.Run, error) {
	if schemas.DomainOf(req.Target) == "" {
		return nil, schemas.NewValidationError("target", "must be a URL with a host")
	}
	now := m.now().UTC()
	run := &schemas.Run{
		ID:        uuid.NewString(),
		JobID:     req.JobID,
		Target:    req.Target,
		Status:    schemas.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	m.logger.Info("Run created.", observability.RunID(run.ID), observability.JobID(run.JobID), observability.Domain(run.Domain()))
	return run, nil
}

// Start moves a pending run to running and queues its first attempt. If the
// queue rejects it the run goes back to pending.
func (m *Machine) Start(ctx context.Context, runID string) (*schemas.Run, error) {
	unlock, err := m.lock(runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	run, err := m.transition(ctx, runID, func(r *schemas.Run) error {
		if r.Status != schemas.RunPending {
			return invalid(r, schemas.RunRunning)
		}
		r.Status = schemas.RunRunning
		r.LastError = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.dispatch(runID); err != nil {
		if _, rbErr := m.transition(ctx, runID, func(r *schemas.Run) error {
			r.Status = schemas.RunPending
			r.LastError = "dispatch failed: " + err.Error()
			return nil
		}); rbErr != nil {
			m.logger.Error("Failed to roll back run start.", observability.RunID(runID), zap.Error(rbErr))
		}
		return nil, fmt.Errorf("starting run %s: %w", runID, err)
	}

	m.logger.Info("Run started.", observability.RunID(runID))
	m.publisher.Publish(schemas.NewRunEvent(schemas.EventRunStarted, run, m.now()))
	return run, nil
}

// RecordAttemptOutcome applies the outcome of one attempt to a running run.
// Learning is updated once the transition has been applied, and a learning
// failure never fails the transition.
func (m *Machine) RecordAttemptOutcome(ctx context.Context, runID string, outcome schemas.AttemptOutcome) (*schemas.Run, error) {
	if !outcome.Kind.Valid() {
		return nil, schemas.NewValidationError("kind", fmt.Sprintf("unknown outcome kind %q", outcome.Kind))
	}
	unlock, err := m.lock(runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if current.Status != schemas.RunRunning {
		return nil, invalid(current, "")
	}

	var run *schemas.Run
	switch outcome.Kind {
	case schemas.OutcomeSuccess:
		run, err = m.finish(ctx, runID, schemas.RunCompleted, "")
	case schemas.OutcomeHardFailure:
		run, err = m.finish(ctx, runID, schemas.RunFailed, outcome.Reason)
	case schemas.OutcomeSoftFailure:
		run, err = m.softFail(ctx, runID, outcome.Reason)
	case schemas.OutcomeBlocked:
		run, err = m.pause(ctx, current, outcome)
	}
	if err != nil {
		return nil, err
	}

	if _, err := m.learning.RecordOutcome(ctx, current.Domain(), outcome); err != nil {
		m.logger.Warn("Failed to record attempt outcome for learning.", observability.RunID(runID), observability.Domain(current.Domain()), zap.Error(err))
	}
	return run, nil
}

func (m *Machine) finish(ctx context.Context, runID string, status schemas.RunStatus, reason string) (*schemas.Run, error) {
	run, err := m.transition(ctx, runID, func(r *schemas.Run) error {
		if r.Status != schemas.RunRunning {
			return invalid(r, status)
		}
		r.Status = status
		r.AttemptCount++
		r.LastError = reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	evt := schemas.EventRunCompleted
	if status == schemas.RunFailed {
		evt = schemas.EventRunFailed
		m.logger.Warn("Run failed.", observability.RunID(runID), zap.String("reason", reason), zap.Int("attempts", run.AttemptCount))
	} else {
		m.logger.Info("Run completed.", observability.RunID(runID), zap.Int("attempts", run.AttemptCount))
	}
	m.publisher.Publish(schemas.NewRunEvent(evt, run, m.now()))
	return run, nil
}

// softFail counts the attempt and fails the run once the ceiling is reached.
func (m *Machine) softFail(ctx context.Context, runID, reason string) (*schemas.Run, error) {
	var exhausted bool
	run, err := m.transition(ctx, runID, func(r *schemas.Run) error {
		if r.Status != schemas.RunRunning {
			return invalid(r, schemas.RunRunning)
		}
		r.AttemptCount++
		r.LastError = reason
		if r.AttemptCount >= m.cfg.MaxAttempts {
			r.Status = schemas.RunFailed
			r.LastError = fmt.Sprintf("max attempts (%d) reached: %s", m.cfg.MaxAttempts, reason)
			exhausted = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if exhausted {
		m.logger.Warn("Run failed after exhausting retries.", observability.RunID(runID), zap.Int("attempts", run.AttemptCount))
		m.publisher.Publish(schemas.NewRunEvent(schemas.EventRunFailed, run, m.now()))
		return run, nil
	}
	m.logger.Info("Attempt failed, will retry.", observability.RunID(runID), zap.String("reason", reason), zap.Int("attempt", run.AttemptCount))
	return run, nil
}

// pause opens an intervention and parks the run on it. If the run cannot be
// parked the intervention is closed again so no orphan task stays open.
func (m *Machine) pause(ctx context.Context, current *schemas.Run, outcome schemas.AttemptOutcome) (*schemas.Run, error) {
	task, err := m.broker.Open(ctx, schemas.InterventionRequest{
		RunID:    current.ID,
		Type:     outcome.InterventionType,
		Reason:   outcome.Reason,
		Priority: outcome.Priority,
		Payload:  outcome.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("pausing run %s: %w", current.ID, err)
	}

	run, err := m.transition(ctx, current.ID, func(r *schemas.Run) error {
		if r.Status != schemas.RunRunning {
			return invalid(r, schemas.RunWaitingForHuman)
		}
		id := task.ID
		r.Status = schemas.RunWaitingForHuman
		r.InterventionID = &id
		r.AttemptCount++
		r.LastError = ""
		return nil
	})
	if err != nil {
		if _, rbErr := m.broker.ResolveSystem(context.WithoutCancel(ctx), task.ID, "rollback: "+err.Error()); rbErr != nil {
			m.logger.Error("Failed to roll back intervention after pause failed.",
				observability.RunID(current.ID), observability.InterventionID(task.ID), zap.Error(rbErr))
		}
		return nil, err
	}

	m.logger.Info("Run waiting for human.", observability.RunID(run.ID), observability.InterventionID(task.ID), zap.String("reason", outcome.Reason))
	return run, nil
}

// Resume moves a waiting run back to running once its intervention is
// resolved and queues the next attempt. On failure the run keeps waiting and
// the failure is recorded in last_error.
func (m *Machine) Resume(ctx context.Context, runID, interventionID string) error {
	unlock, err := m.lock(runID)
	if err != nil {
		return err
	}
	defer unlock()

	run, err := m.resumeLocked(ctx, runID, interventionID)
	if err != nil {
		if !errors.Is(err, schemas.ErrNotFound) {
			m.recordWaitingError(ctx, runID, err)
		}
		return err
	}
	m.logger.Info("Run resumed.", observability.RunID(runID), observability.InterventionID(interventionID))
	m.publisher.Publish(schemas.NewRunEvent(schemas.EventRunResumed, run, m.now()))
	return nil
}

func (m *Machine) resumeLocked(ctx context.Context, runID, interventionID string) (*schemas.Run, error) {
	task, err := m.broker.Get(ctx, interventionID)
	if err != nil {
		return nil, err
	}
	if task.RunID != runID {
		return nil, schemas.NewValidationError("intervention_id", fmt.Sprintf("belongs to run %s", task.RunID))
	}
	if task.Status != schemas.InterventionResolved {
		return nil, fmt.Errorf("intervention %s is still open: %w", interventionID, schemas.ErrInvalidTransition)
	}

	run, err := m.transition(ctx, runID, func(r *schemas.Run) error {
		if r.Status != schemas.RunWaitingForHuman {
			return invalid(r, schemas.RunRunning)
		}
		if r.InterventionID == nil || *r.InterventionID != interventionID {
			return fmt.Errorf("run %s waits on a different intervention: %w", runID, schemas.ErrInvalidTransition)
		}
		r.Status = schemas.RunRunning
		r.InterventionID = nil
		r.LastError = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.dispatch(runID); err != nil {
		if _, rbErr := m.transition(ctx, runID, func(r *schemas.Run) error {
			id := interventionID
			r.Status = schemas.RunWaitingForHuman
			r.InterventionID = &id
			return nil
		}); rbErr != nil {
			m.logger.Error("Failed to roll back resume.", observability.RunID(runID), zap.Error(rbErr))
		}
		return nil, fmt.Errorf("dispatching resumed run %s: %w", runID, err)
	}
	return run, nil
}

// recordRunningError notes why a running run's next attempt may not happen.
// The run stays running so Requeue can pick it up again.
func (m *Machine) recordRunningError(ctx context.Context, runID, msg string) {
	_, err := m.runs.UpdateRun(context.WithoutCancel(ctx), runID, func(r *schemas.Run) error {
		if r.Status != schemas.RunRunning {
			return errSkip
		}
		r.LastError = msg
		r.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		m.logger.Warn("Failed to record run error.", observability.RunID(runID), zap.String("error_message", msg), zap.Error(err))
	}
}

func (m *Machine) recordWaitingError(ctx context.Context, runID string, cause error) {
	_, err := m.runs.UpdateRun(context.WithoutCancel(ctx), runID, func(r *schemas.Run) error {
		if r.Status != schemas.RunWaitingForHuman {
			return errSkip
		}
		r.LastError = "resume failed: " + cause.Error()
		r.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		m.logger.Warn("Failed to record resume error.", observability.RunID(runID), zap.Error(err))
	}
}

// Abandon forces a running or waiting run to failed, closing its open
// intervention if it has one.
func (m *Machine) Abandon(ctx context.Context, runID, reason string) (*schemas.Run, error) {
	unlock, err := m.lock(runID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if reason == "" {
		reason = "abandoned"
	}
	current, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if current.Status != schemas.RunRunning && current.Status != schemas.RunWaitingForHuman {
		return nil, invalid(current, schemas.RunFailed)
	}

	run, err := m.transition(ctx, runID, func(r *schemas.Run) error {
		if r.Status != schemas.RunRunning && r.Status != schemas.RunWaitingForHuman {
			return invalid(r, schemas.RunFailed)
		}
		r.Status = schemas.RunFailed
		r.InterventionID = nil
		r.LastError = reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	if current.InterventionID != nil {
		_, err := m.broker.ResolveSystem(ctx, *current.InterventionID, reason)
		if err != nil && !errors.Is(err, schemas.ErrAlreadyResolved) {
			m.logger.Error("Run abandoned but its intervention could not be closed.",
				observability.RunID(runID), observability.InterventionID(*current.InterventionID), zap.Error(err))
		}
	}

	m.logger.Warn("Run abandoned.", observability.RunID(runID), zap.String("reason", reason))
	m.publisher.Publish(schemas.NewRunEvent(schemas.EventRunFailed, run, m.now()))
	return run, nil
}

// Requeue dispatches every running run not updated for at least olderThan.
// It recovers runs whose next attempt was lost to a restart, a full queue or
// an outcome that could not be recorded. A run already queued or mid-attempt
// is not attempted twice.
func (m *Machine) Requeue(ctx context.Context, olderThan time.Duration) (int, error) {
	running, err := m.runs.ListRuns(ctx, schemas.RunFilter{Status: schemas.RunRunning})
	if err != nil {
		return 0, fmt.Errorf("listing running runs: %w", err)
	}
	cutoff := m.now().Add(-olderThan)
	var (
		count int
		errs  []error
	)
	for _, run := range running {
		if run.UpdatedAt.After(cutoff) {
			continue
		}
		if err := m.dispatch(run.ID); err != nil {
			errs = append(errs, fmt.Errorf("re-queuing run %s: %w", run.ID, err))
			continue
		}
		count++
	}
	if count > 0 {
		m.logger.Info("Re-queued running runs.", zap.Int("count", count), zap.Duration("older_than", olderThan))
	}
	return count, errors.Join(errs...)
}

// Get returns a run by id.
func (m *Machine) Get(ctx context.Context, runID string) (*schemas.Run, error) {
	return m.runs.GetRun(ctx, runID)
}

// List returns runs matching filter.
func (m *Machine) List(ctx context.Context, filter schemas.RunFilter) ([]*schemas.Run, error) {
	return m.runs.ListRuns(ctx, filter)
}

var errSkip = errors.New("skip")

// transition applies fn atomically and refuses to persist a run that
// breaks the intervention invariant or leaves a terminal state.
func (m *Machine) transition(ctx context.Context, runID string, fn func(*schemas.Run) error) (*schemas.Run, error) {
	return m.runs.UpdateRun(ctx, runID, func(r *schemas.Run) error {
		if r.Status.IsTerminal() {
			return invalid(r, "")
		}
		if err := fn(r); err != nil {
			return err
		}
		if !r.CheckInvariant() {
			return fmt.Errorf("run %s: status %s with intervention %v: %w", r.ID, r.Status, r.InterventionID, schemas.ErrInvalidTransition)
		}
		r.UpdatedAt = m.now().UTC()
		return nil
	})
}

func (m *Machine) dispatch(runID string) error {
	if m.dispatcher == nil {
		return errors.New("no dispatcher configured")
	}
	return m.dispatcher.Dispatch(runID)
}

func (m *Machine) lock(runID string) (func(), error) {
	if !m.locks.TryLock(runID) {
		return nil, fmt.Errorf("run %s: %w", runID, schemas.ErrRunBusy)
	}
	return func() { m.locks.Unlock(runID) }, nil
}

func invalid(r *schemas.Run, to schemas.RunStatus) error {
	if to == "" {
		return fmt.Errorf("run %s is %s: %w", r.ID, r.Status, schemas.ErrInvalidTransition)
	}
	return fmt.Errorf("run %s: %s -> %s: %w", r.ID, r.Status, to, schemas.ErrInvalidTransition)
}

// runLocks tracks which runs have a transition in flight.
type runLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newRunLocks() *runLocks {
	return &runLocks{held: make(map[string]struct{})}
}

func (l *runLocks) TryLock(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *runLocks) Unlock(id string) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}
