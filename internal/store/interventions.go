package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
)

const interventionColumns = `id, run_id, type, reason, priority, payload, status, resolved_by, resolution, created_at, resolved_at`

func scanIntervention(row rowScanner) (*schemas.InterventionTask, error) {
	var (
		t          schemas.InterventionTask
		typ        string
		priority   string
		status     string
		payload    []byte
		resolvedBy *string
		resolution []byte
	)
	if err := row.Scan(&t.ID, &t.RunID, &typ, &t.Reason, &priority, &payload, &status,
		&resolvedBy, &resolution, &t.CreatedAt, &t.ResolvedAt); err != nil {
		return nil, err
	}
	t.Type = schemas.InterventionType(typ)
	t.Priority = schemas.Priority(priority)
	t.Status = schemas.InterventionStatus(status)
	if len(payload) > 0 {
		t.Payload = json.RawMessage(payload)
	}
	if resolvedBy != nil && t.ResolvedAt != nil {
		t.Resolution = &schemas.Resolution{
			ResolvedBy: *resolvedBy,
			Payload:    json.RawMessage(resolution),
			ResolvedAt: *t.ResolvedAt,
		}
	}
	return &t, nil
}

// nullableJSON keeps SQL NULL distinct from an empty document.
func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// CreateIntervention inserts an open task. The partial unique index turns a
// second open task for the same run into ErrConflict.
func (s *Store) CreateIntervention(ctx context.Context, task *schemas.InterventionTask) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO intervention_tasks (id, run_id, type, reason, priority, payload, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
    `, task.ID, task.RunID, string(task.Type), task.Reason, string(task.Priority),
		nullableJSON(task.Payload), string(task.Status), task.CreatedAt.UTC())
	return translate(err, "create intervention for run "+task.RunID)
}

// GetIntervention loads a task by id.
func (s *Store) GetIntervention(ctx context.Context, id string) (*schemas.InterventionTask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+interventionColumns+` FROM intervention_tasks WHERE id = $1;`, id)
	task, err := scanIntervention(row)
	if err != nil {
		return nil, translate(err, "get intervention "+id)
	}
	return task, nil
}

// GetOpenInterventionForRun returns the run's open task or ErrNotFound.
func (s *Store) GetOpenInterventionForRun(ctx context.Context, runID string) (*schemas.InterventionTask, error) {
	row := s.pool.QueryRow(ctx, `
        SELECT `+interventionColumns+` FROM intervention_tasks
        WHERE run_id = $1 AND status = 'open';
    `, runID)
	task, err := scanIntervention(row)
	if err != nil {
		return nil, translate(err, "get open intervention for run "+runID)
	}
	return task, nil
}

// ListInterventions returns tasks oldest first, so the queue reads in arrival order.
func (s *Store) ListInterventions(ctx context.Context, filter schemas.InterventionFilter) ([]*schemas.InterventionTask, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.RunID != "" {
		args = append(args, filter.RunID)
		conds = append(conds, fmt.Sprintf("run_id = $%d", len(args)))
	}

	query := `SELECT ` + interventionColumns + ` FROM intervention_tasks`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query interventions: %w", err)
	}
	defer rows.Close()

	var tasks []*schemas.InterventionTask
	for rows.Next() {
		task, err := scanIntervention(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intervention row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return tasks, nil
}

// UpdateIntervention locks the task row, applies fn and writes status and
// resolution back. Type, reason and payload are immutable after creation.
func (s *Store) UpdateIntervention(ctx context.Context, id string, fn func(*schemas.InterventionTask) error) (*schemas.InterventionTask, error) {
	var updated *schemas.InterventionTask
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+interventionColumns+` FROM intervention_tasks WHERE id = $1 FOR UPDATE;`, id)
		task, err := scanIntervention(row)
		if err != nil {
			return translate(err, "get intervention "+id)
		}
		if err := fn(task); err != nil {
			return err
		}

		var resolvedBy *string
		var resolution []byte
		if task.Resolution != nil {
			by := task.Resolution.ResolvedBy
			resolvedBy = &by
			resolution = nullableJSON(task.Resolution.Payload)
		}
		_, err = tx.Exec(ctx, `
            UPDATE intervention_tasks SET
                status = $2,
                resolved_by = $3,
                resolution = $4,
                resolved_at = $5
            WHERE id = $1;
        `, task.ID, string(task.Status), resolvedBy, resolution, task.ResolvedAt)
		if err != nil {
			return translate(err, "update intervention "+id)
		}
		updated = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
