package runstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
)

const (
	busyRetries = 5
	busyBackoff = 50 * time.Millisecond
)

// Execute performs one attempt of a running run: it asks learning which
// engine to use, attaches the domain's session when advised, classifies the
// engine's result and records the outcome. Soft failures are re-queued after
// the configured backoff. An attempt that runs past ctx's deadline counts as
// a soft failure.
func (m *Machine) Execute(ctx context.Context, runID string) error {
	retry, err := m.executeOnce(ctx, runID)
	if err != nil || !retry {
		return err
	}
	return m.retryAfterBackoff(ctx, runID)
}

// executeOnce holds the run's attempt slot, so a duplicate dispatch of a run
// that is already being attempted is dropped. It reports whether the run
// needs another attempt.
func (m *Machine) executeOnce(ctx context.Context, runID string) (bool, error) {
	if !m.attempts.TryLock(runID) {
		m.logger.Debug("Attempt already in flight, dropping duplicate.", observability.RunID(runID))
		return false, nil
	}
	defer m.attempts.Unlock(runID)

	run, err := m.runs.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status != schemas.RunRunning {
		m.logger.Debug("Skipping attempt for run that is not running.", observability.RunID(runID), zap.String("status", string(run.Status)))
		return false, nil
	}
	domain := run.Domain()
	logger := m.logger.With(observability.RunID(runID), observability.Domain(domain))

	outcome, err := m.attempt(ctx, run, logger)
	if err != nil {
		// Shutdown. The run stays running and is re-queued on the next start.
		m.recordRunningError(ctx, runID, "attempt interrupted: "+err.Error())
		return false, err
	}

	// The attempt may have used up ctx; its outcome is recorded regardless.
	recordCtx := context.WithoutCancel(ctx)
	updated, err := m.recordOutcome(recordCtx, runID, outcome)
	if err != nil {
		if errors.Is(err, schemas.ErrInvalidTransition) {
			logger.Info("Run changed state during the attempt; outcome dropped.", zap.Error(err))
			return false, nil
		}
		m.recordRunningError(recordCtx, runID, "recording outcome failed: "+err.Error())
		return false, fmt.Errorf("recording outcome: %w", err)
	}
	return updated.Status == schemas.RunRunning, nil
}

// recordOutcome retries briefly while another transition holds the run.
func (m *Machine) recordOutcome(ctx context.Context, runID string, outcome schemas.AttemptOutcome) (*schemas.Run, error) {
	var (
		run *schemas.Run
		err error
	)
	for i := 0; i < busyRetries; i++ {
		run, err = m.RecordAttemptOutcome(ctx, runID, outcome)
		if !errors.Is(err, schemas.ErrRunBusy) {
			return run, err
		}
		time.Sleep(busyBackoff * time.Duration(i+1))
	}
	return run, err
}

func (m *Machine) attempt(ctx context.Context, run *schemas.Run, logger *zap.Logger) (schemas.AttemptOutcome, error) {
	domain := run.Domain()
	rec, err := m.learning.Recommend(ctx, domain)
	if err != nil {
		logger.Warn("No recommendation available, using default engine order.", zap.Error(err))
		rec = &schemas.Recommendation{Domain: domain, Engines: m.engineList, RequiresSession: schemas.SessionNo}
	}

	eng := m.pickEngine(rec.Engines, run.AttemptCount)
	if eng == nil {
		return schemas.HardFailure("no extraction engine available"), nil
	}

	var session *schemas.SessionVaultEntry
	if rec.TrySessionFirst || rec.RequiresSession != schemas.SessionNo {
		session, err = m.sessions.Get(ctx, domain)
		if err != nil {
			session = nil
			if rec.RequiresSession == schemas.SessionRequired {
				// No engine ran, so only the domain counters move.
				out := schemas.Blocked("no valid session for "+domain, nil)
				out.InterventionType = schemas.InterventionSessionExpired
				out.Priority = schemas.PriorityHigh
				return out, nil
			}
			logger.Debug("No usable session, attempting without one.", zap.Error(err))
		}
	}

	var material *schemas.SessionMaterial
	if session != nil {
		material = &session.Material
	}

	logger.Debug("Attempting.", observability.Engine(eng.Name()), zap.Int("attempt", run.AttemptCount+1), zap.Bool("with_session", material != nil))
	start := m.now()
	res, err := eng.Attempt(ctx, run.Target, material)
	if err != nil {
		reason := err.Error()
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			reason = "attempt timed out"
		case ctx.Err() != nil:
			return schemas.AttemptOutcome{}, ctx.Err()
		}
		out := schemas.SoftFailure(reason)
		out.Engine = eng.Name()
		out.UsedSession = material != nil
		return out, nil
	}
	if res.Engine == "" {
		res.Engine = eng.Name()
	}
	if res.Duration == 0 {
		res.Duration = m.now().Sub(start)
	}

	out := m.detector.Classify(run.Target, res)
	out.UsedSession = material != nil
	if session != nil {
		m.validateSession(ctx, domain, out, logger)
	}
	return out, nil
}

// validateSession feeds how the replayed session fared back into the vault.
func (m *Machine) validateSession(ctx context.Context, domain string, out schemas.AttemptOutcome, logger *zap.Logger) {
	var v schemas.ValidationOutcome
	switch {
	case out.Kind == schemas.OutcomeSuccess:
		v = schemas.ValidationOK
	case out.HasSignal(schemas.SignalLoginWall), out.HasSignal(schemas.SignalHTTP401):
		v = schemas.ValidationHardFailure
	case out.Kind == schemas.OutcomeBlocked, out.Kind == schemas.OutcomeSoftFailure:
		v = schemas.ValidationSoftFailure
	default:
		return
	}
	if _, err := m.sessions.RecordValidation(ctx, domain, v, out.Reason); err != nil {
		logger.Warn("Failed to record session validation.", zap.Error(err))
	}
}

// pickEngine rotates through the recommended order by attempt index so a
// retry tries the next engine.
func (m *Machine) pickEngine(order []string, attempt int) schemas.Engine {
	available := make([]schemas.Engine, 0, len(order))
	for _, name := range order {
		if e, ok := m.engines[name]; ok {
			available = append(available, e)
		}
	}
	if len(available) == 0 {
		for _, name := range m.engineList {
			available = append(available, m.engines[name])
		}
	}
	if len(available) == 0 {
		return nil
	}
	return available[attempt%len(available)]
}

func (m *Machine) retryAfterBackoff(ctx context.Context, runID string) error {
	if m.cfg.RetryBackoff > 0 {
		timer := time.NewTimer(m.cfg.RetryBackoff)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			// The attempt context is gone; queue anyway so the run is not stranded.
		case <-timer.C:
		}
	}
	if err := m.dispatch(runID); err != nil {
		m.logger.Error("Failed to re-queue run for retry.", observability.RunID(runID), zap.Error(err))
		m.recordRunningError(ctx, runID, "re-queue failed: "+err.Error())
		return fmt.Errorf("re-queuing run %s: %w", runID, err)
	}
	return nil
}
