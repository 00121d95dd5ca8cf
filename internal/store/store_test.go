package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

var (
	runCols = []string{"id", "job_id", "target", "status", "intervention_id", "attempt_count", "last_error", "created_at", "updated_at"}

	interventionCols = []string{"id", "run_id", "type", "reason", "priority", "payload", "status", "resolved_by", "resolution", "created_at", "resolved_at"}

	sessionCols = []string{"id", "domain", "material", "captured_at", "last_validated_at", "expires_at", "is_valid", "health", "intervention_id", "validations", "notes", "superseded_at"}

	domainCols = []string{"domain", "access_class", "requires_session",
		"total_attempts", "successful_attempts", "blocked_403", "blocked_captcha", "blocked_total",
		"success_rate", "block_403_rate", "block_captcha_rate", "block_rate",
		"engines", "providers", "preferred_provider", "preferred_provider_success_rate",
		"session_lifetime_samples", "avg_session_lifetime_seconds",
		"block_signatures", "notes", "manual_override", "created_at", "updated_at"}
)

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	if logger == nil {
		logger = zap.NewNop()
	}
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func strPtr(s string) *string { return &s }

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should apply schema on migrate", func(t *testing.T) {
		s, mockPool := newMockStore(t, nil)
		mockPool.ExpectExec(`CREATE TABLE IF NOT EXISTS runs`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
		require.NoError(t, s.Migrate(context.Background()))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	t.Run("create maps unique violations to conflict", func(t *testing.T) {
		s, mockPool := newMockStore(t, nil)
		run := &schemas.Run{ID: "r1", JobID: "j1", Target: "https://example.com", Status: schemas.RunPending, CreatedAt: now, UpdatedAt: now}

		mockPool.ExpectExec(`INSERT INTO runs`).
			WithArgs("r1", "j1", "https://example.com", "pending", pgxmock.AnyArg(), 0, "", now, now).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "runs_pkey"})

		err := s.CreateRun(ctx, run)
		require.Error(t, err)
		assert.ErrorIs(t, err, schemas.ErrConflict)
		assert.Contains(t, err.Error(), "runs_pkey")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("get maps missing rows to not found", func(t *testing.T) {
		s, mockPool := newMockStore(t, nil)
		mockPool.ExpectQuery(`SELECT .+ FROM runs WHERE id = \$1`).
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		_, err := s.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, schemas.ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("update locks, mutates and commits without rollback errors", func(t *testing.T) {
		observedCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedCore))

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(`SELECT .+ FROM runs WHERE id = \$1 FOR UPDATE`).
			WithArgs("r1").
			WillReturnRows(pgxmock.NewRows(runCols).
				AddRow("r1", "j1", "https://example.com", "running", (*string)(nil), 1, "", now, now))
		mockPool.ExpectExec(flexibleSQLMatcher(`UPDATE runs SET`)).
			WithArgs("r1", "waiting_for_human", strPtr("iv1"), 1, "", pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		updated, err := s.UpdateRun(ctx, "r1", func(r *schemas.Run) error {
			r.Status = schemas.RunWaitingForHuman
			r.InterventionID = strPtr("iv1")
			r.UpdatedAt = now.Add(time.Second)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, schemas.RunWaitingForHuman, updated.Status)
		assert.True(t, updated.CheckInvariant())
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("update rolls back when the mutation is rejected", func(t *testing.T) {
		s, mockPool := newMockStore(t, nil)

		mockPool.ExpectBegin()
		mockPool.ExpectQuery(`SELECT .+ FROM runs WHERE id = \$1 FOR UPDATE`).
			WithArgs("r1").
			WillReturnRows(pgxmock.NewRows(runCols).
				AddRow("r1", "j1", "https://example.com", "completed", (*string)(nil), 1, "", now, now))
		mockPool.ExpectRollback()

		_, err := s.UpdateRun(ctx, "r1", func(r *schemas.Run) error {
			return schemas.ErrInvalidTransition
		})
		assert.ErrorIs(t, err, schemas.ErrInvalidTransition)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("begin failure is propagated", func(t *testing.T) {
		s, mockPool := newMockStore(t, nil)
		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		_, err := s.UpdateRun(ctx, "r1", func(*schemas.Run) error { return nil })
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("list builds filters in order", func(t *testing.T) {
		s, mockPool := newMockStore(t, nil)
		mockPool.ExpectQuery(`FROM runs WHERE status = \$1 AND job_id = \$2 ORDER BY created_at DESC LIMIT \$3`).
			WithArgs("waiting_for_human", "j1", 10).
			WillReturnRows(pgxmock.NewRows(runCols).
				AddRow("r2", "j1", "https://a.example", "waiting_for_human", strPtr("iv2"), 2, "", now, now))

		runs, err := s.ListRuns(ctx, schemas.RunFilter{Status: schemas.RunWaitingForHuman, JobID: "j1", Limit: 10})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "iv2", *runs[0].InterventionID)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestInterventions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	t.Run("second open task for a run is a conflict", func(t *testing.T) {
		s, mockPool := newMockStore(t, nil)
		task := &schemas.InterventionTask{
			ID: "iv2", RunID: "r1", Type: schemas.InterventionCaptcha, Reason: "captcha",
			Priority: schemas.PriorityNormal, Status: schemas.InterventionOpen, CreatedAt: now,
		}
		mockPool.ExpectExec(`INSERT INTO intervention_tasks`).
			WithArgs("iv2", "r1", "captcha", "captcha", "normal", pgxmock.AnyArg(), "open", now).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "intervention_tasks_one_open_per_run"})

		err := s.CreateIntervention(ctx, task)
		assert.ErrorIs(t, err, schemas.ErrConflict)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("resolution round-trips through the row", func(t *testing.T) {
		s, mockPool := newMockStore(t, nil)
		resolvedAt := now.Add(time.Minute)
		mockPool.ExpectQuery(`SELECT .+ FROM intervention_tasks WHERE id = \$1`).
			WithArgs("iv1").
			WillReturnRows(pgxmock.NewRows(interventionCols).
				AddRow("iv1", "r1", "session_expired", "login wall", "high", []byte(`{"url":"https://example.com/login"}`),
					"resolved", strPtr("alice"), []byte(`{"action":"logged_in"}`), now, &resolvedAt))

		task, err := s.GetIntervention(ctx, "iv1")
		require.NoError(t, err)
		assert.Equal(t, schemas.InterventionResolved, task.Status)
		require.NotNil(t, task.Resolution)
		assert.Equal(t, "alice", task.Resolution.ResolvedBy)
		assert.JSONEq(t, `{"action":"logged_in"}`, string(task.Resolution.Payload))
		assert.JSONEq(t, `{"url":"https://example.com/login"}`, string(task.Payload))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestReplaceSession(t *testing.T) {
	ctx := context.Background()
	captured := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	s, mockPool := newMockStore(t, nil)
	entry := &schemas.SessionVaultEntry{
		ID: "s2", Domain: "example.com", CapturedAt: captured, IsValid: true, Health: schemas.HealthValid,
		Material: schemas.SessionMaterial{Cookies: []schemas.Cookie{{Name: "sid", Value: "new"}}},
	}

	mockPool.ExpectBegin()
	mockPool.ExpectQuery(`SELECT .+ FROM session_vaults\s+WHERE domain = \$1 AND superseded_at IS NULL\s+FOR UPDATE`).
		WithArgs("example.com").
		WillReturnRows(pgxmock.NewRows(sessionCols).
			AddRow("s1", "example.com", []byte(`{"cookies":[{"name":"sid","value":"old"}]}`), captured.Add(-2*time.Hour),
				(*time.Time)(nil), (*time.Time)(nil), true, "stale", (*string)(nil), []byte(`[]`), "", (*time.Time)(nil)))
	mockPool.ExpectExec(`UPDATE session_vaults\s+SET superseded_at = \$2`).
		WithArgs("s1", captured, "invalid").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mockPool.ExpectExec(`INSERT INTO session_vaults`).
		WithArgs("s2", "example.com", pgxmock.AnyArg(), captured, pgxmock.AnyArg(), pgxmock.AnyArg(),
			true, "valid", pgxmock.AnyArg(), []byte(`[]`), "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	previous, err := s.ReplaceSession(ctx, entry)
	require.NoError(t, err)
	require.NotNil(t, previous)
	assert.Equal(t, "s1", previous.ID)
	assert.Equal(t, "old", previous.Material.Cookies[0].Value)
	require.NotNil(t, previous.SupersededAt)
	assert.True(t, previous.SupersededAt.Equal(captured))
	assert.Equal(t, schemas.HealthStale, previous.Health, "pre-supersede health is reported")
	assert.False(t, previous.Usable(captured), "a superseded entry is never usable")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestUpdateDomain(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	s, mockPool := newMockStore(t, nil)

	mockPool.ExpectBegin()
	mockPool.ExpectExec(`(?s)INSERT INTO domain_configs .+ ON CONFLICT \(domain\) DO NOTHING`).
		WithArgs("example.com", "public", "no", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mockPool.ExpectQuery(`(?s)SELECT .+ FROM domain_configs WHERE domain = \$1 FOR UPDATE`).
		WithArgs("example.com").
		WillReturnRows(pgxmock.NewRows(domainCols).
			AddRow("example.com", "public", "no",
				int64(3), int64(3), int64(0), int64(0), int64(0),
				1.0, 0.0, 0.0, 0.0,
				[]byte(`{"http":{"attempts":3,"successes":3}}`), []byte(`{}`), "", 0.0,
				int64(0), 0.0,
				[]byte(`{}`), "", false, now, now))
	mockPool.ExpectExec(`UPDATE domain_configs SET`).
		WithArgs("example.com", "public", "no",
			int64(4), int64(3), int64(1), int64(0), int64(1),
			0.75, 0.25, 0.0, 0.25,
			pgxmock.AnyArg(), pgxmock.AnyArg(), "", 0.0,
			int64(0), 0.0,
			pgxmock.AnyArg(), "", false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	cfg, err := s.UpdateDomain(ctx, "example.com", func(d *schemas.DomainConfig) error {
		d.TotalAttempts++
		d.Blocked403++
		d.BlockedTotal++
		d.Engines["http"].Attempts++
		d.Engines["http"].Blocks++
		d.BlockSignatures[schemas.SignalHTTP403] = true
		d.UpdatedAt = now
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0.25, cfg.Block403Rate)
	assert.Equal(t, 0.75, cfg.SuccessRate)
	assert.Equal(t, 0.75, cfg.Engines["http"].SuccessRate)
	assert.True(t, cfg.BlockSignatures[schemas.SignalHTTP403])
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
