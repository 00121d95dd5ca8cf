package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
)

const sessionColumns = `id, domain, material, captured_at, last_validated_at, expires_at, is_valid, health, intervention_id, validations, notes, superseded_at`

func scanSession(row rowScanner) (*schemas.SessionVaultEntry, error) {
	var (
		e           schemas.SessionVaultEntry
		material    []byte
		health      string
		validations []byte
	)
	if err := row.Scan(&e.ID, &e.Domain, &material, &e.CapturedAt, &e.LastValidatedAt, &e.ExpiresAt,
		&e.IsValid, &health, &e.InterventionID, &validations, &e.Notes, &e.SupersededAt); err != nil {
		return nil, err
	}
	e.Health = schemas.HealthStatus(health)
	if err := json.Unmarshal(material, &e.Material); err != nil {
		return nil, fmt.Errorf("decoding session material: %w", err)
	}
	if len(validations) > 0 {
		if err := json.Unmarshal(validations, &e.Validations); err != nil {
			return nil, fmt.Errorf("decoding validation history: %w", err)
		}
	}
	return &e, nil
}

func encodeSession(e *schemas.SessionVaultEntry) (material, validations []byte, err error) {
	if material, err = json.Marshal(e.Material); err != nil {
		return nil, nil, fmt.Errorf("encoding session material: %w", err)
	}
	history := e.Validations
	if history == nil {
		history = []schemas.ValidationRecord{}
	}
	if validations, err = json.Marshal(history); err != nil {
		return nil, nil, fmt.Errorf("encoding validation history: %w", err)
	}
	return material, validations, nil
}

// GetCurrentSession returns the domain's non-superseded entry whatever its
// health. Callers decide whether it is usable.
func (s *Store) GetCurrentSession(ctx context.Context, domain string) (*schemas.SessionVaultEntry, error) {
	row := s.pool.QueryRow(ctx, `
        SELECT `+sessionColumns+` FROM session_vaults
        WHERE domain = $1 AND superseded_at IS NULL;
    `, domain)
	entry, err := scanSession(row)
	if err != nil {
		return nil, translate(err, "get session for "+domain)
	}
	return entry, nil
}

// ReplaceSession supersedes the current entry and inserts entry in one
// transaction. The returned entry carries the health it had before it was
// superseded, with SupersededAt set.
func (s *Store) ReplaceSession(ctx context.Context, entry *schemas.SessionVaultEntry) (*schemas.SessionVaultEntry, error) {
	material, validations, err := encodeSession(entry)
	if err != nil {
		return nil, err
	}

	var previous *schemas.SessionVaultEntry
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
            SELECT `+sessionColumns+` FROM session_vaults
            WHERE domain = $1 AND superseded_at IS NULL
            FOR UPDATE;
        `, entry.Domain)
		current, err := scanSession(row)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return translate(err, "get session for "+entry.Domain)
		default:
			supersededAt := entry.CapturedAt.UTC()
			_, err = tx.Exec(ctx, `
                UPDATE session_vaults
                SET superseded_at = $2, is_valid = FALSE, health = $3
                WHERE id = $1;
            `, current.ID, supersededAt, string(schemas.HealthInvalid))
			if err != nil {
				return translate(err, "supersede session "+current.ID)
			}
			current.SupersededAt = &supersededAt
			previous = current
		}

		_, err = tx.Exec(ctx, `
            INSERT INTO session_vaults (`+sessionColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
        `, entry.ID, entry.Domain, material, entry.CapturedAt.UTC(), entry.LastValidatedAt, entry.ExpiresAt,
			entry.IsValid, string(entry.Health), entry.InterventionID, validations, entry.Notes, entry.SupersededAt)
		return translate(err, "insert session for "+entry.Domain)
	})
	if err != nil {
		return nil, err
	}
	return previous, nil
}

// UpdateSession locks the entry, applies fn and writes health fields back.
// Material and capture time are immutable; a new capture goes through ReplaceSession.
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(*schemas.SessionVaultEntry) error) (*schemas.SessionVaultEntry, error) {
	var updated *schemas.SessionVaultEntry
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM session_vaults WHERE id = $1 FOR UPDATE;`, id)
		entry, err := scanSession(row)
		if err != nil {
			return translate(err, "get session "+id)
		}
		if err := fn(entry); err != nil {
			return err
		}
		_, validations, err := encodeSession(entry)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
            UPDATE session_vaults SET
                last_validated_at = $2,
                expires_at = $3,
                is_valid = $4,
                health = $5,
                validations = $6,
                notes = $7
            WHERE id = $1;
        `, entry.ID, entry.LastValidatedAt, entry.ExpiresAt, entry.IsValid, string(entry.Health), validations, entry.Notes)
		if err != nil {
			return translate(err, "update session "+id)
		}
		updated = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListSessions returns current entries ordered by domain. With expiringBefore
// set, only still-valid entries whose expiry is at or before it are returned.
func (s *Store) ListSessions(ctx context.Context, expiringBefore *time.Time) ([]*schemas.SessionVaultEntry, error) {
	query := `SELECT ` + sessionColumns + ` FROM session_vaults WHERE superseded_at IS NULL`
	var args []any
	if expiringBefore != nil {
		args = append(args, expiringBefore.UTC())
		query += ` AND is_valid AND expires_at IS NOT NULL AND expires_at <= $1`
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY domain;`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var entries []*schemas.SessionVaultEntry
	for rows.Next() {
		entry, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}
