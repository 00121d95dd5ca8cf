// Package intervention implements the broker that opens and resolves the
// tasks a human has to complete before a paused run may continue.
package intervention

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
	"github.com/xkilldash9x/scalpel-hitl/internal/vault"
)

// SystemResolver is the resolved_by value recorded when the system closes a
// task on its own (rollback or abandonment).
const SystemResolver = "system"

var errNotWaiting = errors.New("run is not waiting on this intervention")

const (
	resumeAttempts = 3
	resumeBackoff  = 100 * time.Millisecond
)

// SessionSink receives session material supplied with a resolution.
type SessionSink interface {
	Put(ctx context.Context, req vault.PutRequest) (*schemas.SessionVaultEntry, error)
}

// Broker is the only component that opens or resolves intervention tasks.
type Broker struct {
	tasks     schemas.InterventionRepository
	runs      schemas.RunRepository
	sessions  SessionSink
	publisher schemas.EventPublisher
	resumer   schemas.Resumer
	locks     *keyedMutex
	logger    *zap.Logger
	now       func() time.Time
}

// NewBroker wires the broker to its stores. The resumer is set later with
// SetResumer since the run state machine itself depends on the broker.
func NewBroker(tasks schemas.InterventionRepository, runs schemas.RunRepository, sessions SessionSink, publisher schemas.EventPublisher, logger *zap.Logger) *Broker {
	return &Broker{
		tasks:     tasks,
		runs:      runs,
		sessions:  sessions,
		publisher: publisher,
		locks:     newKeyedMutex(),
		logger:    observability.Component(logger, "intervention_broker"),
		now:       time.Now,
	}
}

// SetResumer sets the component asked to continue runs after resolution.
func (b *Broker) SetResumer(r schemas.Resumer) { b.resumer = r }

// Open creates the single open task for a run. It fails with ErrConflict if
// the run already has one.
func (b *Broker) Open(ctx context.Context, req schemas.InterventionRequest) (*schemas.InterventionTask, error) {
	if req.RunID == "" {
		return nil, schemas.NewValidationError("run_id", "must not be empty")
	}
	if req.Type == "" {
		req.Type = schemas.InterventionManualCompletion
	}
	if req.Priority == "" {
		req.Priority = schemas.PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, schemas.NewValidationError("priority", fmt.Sprintf("unknown value %q", req.Priority))
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, schemas.NewValidationError("payload", "is not valid JSON")
	}

	unlock := b.locks.Lock(req.RunID)
	defer unlock()

	existing, err := b.tasks.GetOpenInterventionForRun(ctx, req.RunID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("run %s already has open intervention %s: %w", req.RunID, existing.ID, schemas.ErrConflict)
	case !errors.Is(err, schemas.ErrNotFound):
		return nil, fmt.Errorf("checking open interventions for run %s: %w", req.RunID, err)
	}

	task := &schemas.InterventionTask{
		ID:        uuid.NewString(),
		RunID:     req.RunID,
		Type:      req.Type,
		Reason:    req.Reason,
		Priority:  req.Priority,
		Payload:   req.Payload,
		Status:    schemas.InterventionOpen,
		CreatedAt: b.now().UTC(),
	}
	if err := b.tasks.CreateIntervention(ctx, task); err != nil {
		return nil, fmt.Errorf("creating intervention for run %s: %w", req.RunID, err)
	}

	b.logger.Info("Intervention opened.",
		observability.RunID(task.RunID),
		observability.InterventionID(task.ID),
		zap.String("type", string(task.Type)),
		zap.String("priority", string(task.Priority)),
		zap.String("reason", task.Reason))
	b.publisher.Publish(schemas.NewInterventionCreatedEvent(task))
	return task, nil
}

// Resolve closes an open task with the operator's resolution, stores any
// session material it carries and asks for the run to be resumed.
//
// The task is marked resolved before its session material is stored, and is
// reopened if the vault rejects the material, so neither write is left
// behind alone.
//
// Resolving an already resolved task returns the stored task together with
// ErrAlreadyResolved and changes nothing, except that a run still parked on
// the task is asked to resume again. If the run could not be resumed, the
// resolved task is returned with an error wrapping ErrResumeFailed and the
// failure is recorded as the run's last error.
func (b *Broker) Resolve(ctx context.Context, id string, body schemas.ResolutionBody) (*schemas.InterventionTask, error) {
	if body.ResolvedBy == "" {
		return nil, schemas.NewValidationError("resolved_by", "must not be empty")
	}
	trimmed := bytes.TrimSpace(body.Resolution)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, schemas.NewValidationError("resolution", "must be a JSON object")
	}
	var interpreted schemas.ResolutionPayload
	if err := json.Unmarshal(trimmed, &interpreted); err != nil {
		return nil, schemas.NewValidationError("resolution", err.Error())
	}

	task, err := b.tasks.GetIntervention(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolving intervention %s: %w", id, err)
	}

	resolved, err := b.resolveLocked(ctx, task.RunID, id, body.ResolvedBy, trimmed, &interpreted)
	if errors.Is(err, schemas.ErrAlreadyResolved) && resolved != nil {
		return resolved, b.resumeStranded(ctx, resolved, err)
	}
	if err != nil {
		return resolved, err
	}

	if err := b.resume(ctx, resolved); err != nil {
		return resolved, b.resumeFailed(ctx, resolved, err)
	}
	return resolved, nil
}

// resumeStranded retries the resume of a run that is still parked on an
// already resolved task, so a repeated resolution can unstick it. The stored
// resolution is never changed.
func (b *Broker) resumeStranded(ctx context.Context, task *schemas.InterventionTask, alreadyErr error) error {
	if task.Resolution != nil && task.Resolution.ResolvedBy == SystemResolver {
		return alreadyErr
	}
	run, err := b.runs.GetRun(ctx, task.RunID)
	if err != nil || !waitingOn(run, task.ID) {
		return alreadyErr
	}
	b.logger.Info("Retrying resume of a run parked on a resolved intervention.",
		observability.RunID(task.RunID),
		observability.InterventionID(task.ID))
	if err := b.resume(ctx, task); err != nil {
		return fmt.Errorf("%w; %w", alreadyErr, b.resumeFailed(ctx, task, err))
	}
	return alreadyErr
}

// resumeFailed records the failure on the run so it shows up in last_error
// even when the state machine never saw the attempt.
func (b *Broker) resumeFailed(ctx context.Context, task *schemas.InterventionTask, cause error) error {
	b.logger.Error("Intervention resolved but run could not be resumed.",
		observability.RunID(task.RunID),
		observability.InterventionID(task.ID),
		zap.Error(cause))
	_, err := b.runs.UpdateRun(context.WithoutCancel(ctx), task.RunID, func(r *schemas.Run) error {
		if !waitingOn(r, task.ID) {
			return errNotWaiting
		}
		r.LastError = "resume failed: " + cause.Error()
		r.UpdatedAt = b.now().UTC()
		return nil
	})
	if err != nil && !errors.Is(err, errNotWaiting) {
		b.logger.Warn("Failed to record resume error.", observability.RunID(task.RunID), zap.Error(err))
	}
	return fmt.Errorf("%w: run %s: %v", schemas.ErrResumeFailed, task.RunID, cause)
}

func waitingOn(r *schemas.Run, interventionID string) bool {
	return r.Status == schemas.RunWaitingForHuman && r.InterventionID != nil && *r.InterventionID == interventionID
}

// ResolveSystem closes a task without resuming its run. It is used to roll
// back a pause that could not be applied and when a run is abandoned.
func (b *Broker) ResolveSystem(ctx context.Context, id, reason string) (*schemas.InterventionTask, error) {
	task, err := b.tasks.GetIntervention(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolving intervention %s: %w", id, err)
	}
	payload, err := json.Marshal(map[string]string{"action": "system", "reason": reason})
	if err != nil {
		return nil, err
	}
	return b.resolveLocked(ctx, task.RunID, id, SystemResolver, payload, nil)
}

func (b *Broker) resolveLocked(ctx context.Context, runID, id, resolvedBy string, payload []byte, interpreted *schemas.ResolutionPayload) (*schemas.InterventionTask, error) {
	unlock := b.locks.Lock(runID)
	defer unlock()

	current, err := b.tasks.GetIntervention(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolving intervention %s: %w", id, err)
	}
	if current.Status == schemas.InterventionResolved {
		return current, fmt.Errorf("intervention %s: %w", id, schemas.ErrAlreadyResolved)
	}

	withSession := interpreted != nil && !interpreted.Session.IsEmpty()
	var domain string
	if withSession {
		run, err := b.runs.GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("looking up run %s for session capture: %w", runID, err)
		}
		domain = run.Domain()
	}

	now := b.now().UTC()
	resolved, err := b.tasks.UpdateIntervention(ctx, id, func(t *schemas.InterventionTask) error {
		if t.Status == schemas.InterventionResolved {
			return schemas.ErrAlreadyResolved
		}
		t.Status = schemas.InterventionResolved
		t.ResolvedAt = &now
		t.Resolution = &schemas.Resolution{
			ResolvedBy: resolvedBy,
			Payload:    append([]byte(nil), payload...),
			ResolvedAt: now,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, schemas.ErrAlreadyResolved) {
			stored, getErr := b.tasks.GetIntervention(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			return stored, fmt.Errorf("intervention %s: %w", id, schemas.ErrAlreadyResolved)
		}
		return nil, fmt.Errorf("marking intervention %s resolved: %w", id, err)
	}

	if withSession {
		if err := b.storeSession(ctx, domain, resolved, interpreted); err != nil {
			b.reopen(ctx, resolved)
			return nil, err
		}
	}

	b.logger.Info("Intervention resolved.",
		observability.RunID(resolved.RunID),
		observability.InterventionID(resolved.ID),
		zap.String("resolved_by", resolvedBy))
	b.publisher.Publish(schemas.NewInterventionResolvedEvent(resolved, now))
	return resolved, nil
}

func (b *Broker) storeSession(ctx context.Context, domain string, task *schemas.InterventionTask, p *schemas.ResolutionPayload) error {
	_, err := b.sessions.Put(ctx, vault.PutRequest{
		Domain:         domain,
		Material:       *p.Session,
		ExpiresAt:      p.ExpiresAt,
		InterventionID: task.ID,
		Notes:          p.Notes,
	})
	if err != nil {
		return fmt.Errorf("storing session from intervention %s: %w", task.ID, err)
	}
	return nil
}

// reopen undoes a resolution whose session material could not be stored.
// The caller still holds the run lock, so nobody has observed the task as
// resolved except through a direct read.
func (b *Broker) reopen(ctx context.Context, task *schemas.InterventionTask) {
	_, err := b.tasks.UpdateIntervention(context.WithoutCancel(ctx), task.ID, func(t *schemas.InterventionTask) error {
		t.Status = schemas.InterventionOpen
		t.ResolvedAt = nil
		t.Resolution = nil
		return nil
	})
	if err != nil {
		b.logger.Error("Failed to reopen intervention after session capture failed.",
			observability.RunID(task.RunID),
			observability.InterventionID(task.ID),
			zap.Error(err))
	}
}

// resume retries briefly while the run is busy, which happens when the
// resolution lands before the pausing transition has released the run.
func (b *Broker) resume(ctx context.Context, task *schemas.InterventionTask) error {
	if b.resumer == nil {
		return errors.New("no resumer configured")
	}
	var err error
	for attempt := 0; attempt < resumeAttempts; attempt++ {
		err = b.resumer.Resume(ctx, task.RunID, task.ID)
		if !errors.Is(err, schemas.ErrRunBusy) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(resumeBackoff * time.Duration(attempt+1)):
		}
	}
	return err
}

// Get returns a task by id.
func (b *Broker) Get(ctx context.Context, id string) (*schemas.InterventionTask, error) {
	return b.tasks.GetIntervention(ctx, id)
}

// List returns tasks matching filter.
func (b *Broker) List(ctx context.Context, filter schemas.InterventionFilter) ([]*schemas.InterventionTask, error) {
	return b.tasks.ListInterventions(ctx, filter)
}
