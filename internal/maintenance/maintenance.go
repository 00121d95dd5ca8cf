// Package maintenance runs periodic housekeeping: expiring vault sessions,
// re-queuing running runs whose next attempt was lost and abandoning runs
// left waiting on a human for too long.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
)

// SessionSweeper expires sessions past their expiry.
type SessionSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// RunMaintainer lists, re-queues and abandons runs.
type RunMaintainer interface {
	List(ctx context.Context, filter schemas.RunFilter) ([]*schemas.Run, error)
	Abandon(ctx context.Context, runID, reason string) (*schemas.Run, error)
	Requeue(ctx context.Context, olderThan time.Duration) (int, error)
}

// Report summarizes one sweep.
type Report struct {
	SessionsExpired int
	RunsRequeued    int
	RunsAbandoned   int
}

// Scheduler triggers Sweep on a cron schedule.
type Scheduler struct {
	cron         *cron.Cron
	schedule     cron.Schedule
	sessions     SessionSweeper
	runs         RunMaintainer
	requeueAfter time.Duration
	waitTimeout  time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// ParseSchedule parses a standard five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(expr)
}

// New validates the schedule. A zero waitTimeout never abandons runs.
func New(cfg config.MaintenanceConfig, waitTimeout time.Duration, sessions SessionSweeper, runs RunMaintainer, logger *zap.Logger) (*Scheduler, error) {
	if sessions == nil || runs == nil {
		return nil, errors.New("maintenance requires a session sweeper and a run maintainer")
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", cfg.Schedule, err)
	}
	logger = observability.Component(logger, "maintenance")
	cronLogger := zapCronLogger{logger.Sugar()}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		schedule:     schedule,
		sessions:     sessions,
		runs:         runs,
		requeueAfter: cfg.RequeueAfter,
		waitTimeout:  waitTimeout,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Run schedules sweeps and blocks until ctx is done, then waits for any
// in-flight sweep to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Warn("Maintenance sweep finished with errors.", zap.Error(err))
		}
	}))
	s.cron.Start()
	s.logger.Info("Maintenance scheduler started.", zap.Time("next", s.schedule.Next(s.now())))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("Maintenance scheduler stopped.")
	return nil
}

// Sweep performs one maintenance pass. Every step runs even if an earlier
// one fails.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	var (
		report Report
		errs   []error
	)

	expired, err := s.sessions.SweepExpired(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweeping sessions: %w", err))
	}
	report.SessionsExpired = expired

	if s.requeueAfter > 0 {
		requeued, err := s.runs.Requeue(ctx, s.requeueAfter)
		if err != nil {
			errs = append(errs, fmt.Errorf("re-queuing stalled runs: %w", err))
		}
		report.RunsRequeued = requeued
	}

	abandoned, err := s.abandonStale(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	report.RunsAbandoned = abandoned

	if report.SessionsExpired > 0 || report.RunsRequeued > 0 || report.RunsAbandoned > 0 {
		s.logger.Info("Maintenance sweep complete.",
			zap.Int("sessions_expired", report.SessionsExpired),
			zap.Int("runs_requeued", report.RunsRequeued),
			zap.Int("runs_abandoned", report.RunsAbandoned))
	}
	return report, errors.Join(errs...)
}

// abandonStale fails runs whose last update is older than the wait timeout.
func (s *Scheduler) abandonStale(ctx context.Context) (int, error) {
	if s.waitTimeout <= 0 {
		return 0, nil
	}
	waiting, err := s.runs.List(ctx, schemas.RunFilter{Status: schemas.RunWaitingForHuman})
	if err != nil {
		return 0, fmt.Errorf("listing waiting runs: %w", err)
	}

	cutoff := s.now().Add(-s.waitTimeout)
	var (
		count int
		errs  []error
	)
	for _, run := range waiting {
		if run.UpdatedAt.After(cutoff) {
			continue
		}
		reason := fmt.Sprintf("abandoned: waited longer than %s for a human", s.waitTimeout)
		if _, err := s.runs.Abandon(ctx, run.ID, reason); err != nil {
			if errors.Is(err, schemas.ErrInvalidTransition) || errors.Is(err, schemas.ErrConflict) {
				// Resolved or busy since listing.
				continue
			}
			errs = append(errs, fmt.Errorf("abandoning run %s: %w", run.ID, err))
			continue
		}
		count++
	}
	return count, errors.Join(errs...)
}

// zapCronLogger adapts zap to cron's logging interface.
type zapCronLogger struct {
	sugar *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
