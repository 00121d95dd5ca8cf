package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
)

const runColumns = `id, job_id, target, status, intervention_id, attempt_count, last_error, created_at, updated_at`

func scanRun(row rowScanner) (*schemas.Run, error) {
	var r schemas.Run
	var status string
	if err := row.Scan(&r.ID, &r.JobID, &r.Target, &status, &r.InterventionID,
		&r.AttemptCount, &r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = schemas.RunStatus(status)
	return &r, nil
}

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, run *schemas.Run) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO runs (`+runColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
    `, run.ID, run.JobID, run.Target, string(run.Status), run.InterventionID,
		run.AttemptCount, run.LastError, run.CreatedAt.UTC(), run.UpdatedAt.UTC())
	return translate(err, "create run "+run.ID)
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*schemas.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1;`, id)
	run, err := scanRun(row)
	if err != nil {
		return nil, translate(err, "get run "+id)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, filter schemas.RunFilter) ([]*schemas.Run, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.JobID != "" {
		args = append(args, filter.JobID)
		conds = append(conds, fmt.Sprintf("job_id = $%d", len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*schemas.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// UpdateRun locks the run row, applies fn and writes the result back.
func (s *Store) UpdateRun(ctx context.Context, id string, fn func(*schemas.Run) error) (*schemas.Run, error) {
	var updated *schemas.Run
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE;`, id)
		run, err := scanRun(row)
		if err != nil {
			return translate(err, "get run "+id)
		}
		if err := fn(run); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
            UPDATE runs SET
                status = $2,
                intervention_id = $3,
                attempt_count = $4,
                last_error = $5,
                updated_at = $6
            WHERE id = $1;
        `, run.ID, string(run.Status), run.InterventionID, run.AttemptCount, run.LastError, run.UpdatedAt.UTC())
		if err != nil {
			return translate(err, "update run "+id)
		}
		updated = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
