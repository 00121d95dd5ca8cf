// Package vault keeps operator-captured session material per domain and
// tracks how well it keeps working.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/config"
	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
)

// maxHistory bounds the validation history kept per entry.
const maxHistory = 100

// ErrNoSession is returned by Get when the domain has no usable session.
var ErrNoSession = fmt.Errorf("no usable session: %w", schemas.ErrNotFound)

// LifetimeRecorder receives how long a session stayed usable once it stops
// being usable. The learning store implements it.
type LifetimeRecorder interface {
	RecordSessionLifetime(ctx context.Context, domain string, lifetime time.Duration) error
}

// PutRequest describes freshly captured session material.
type PutRequest struct {
	Domain         string
	Material       schemas.SessionMaterial
	ExpiresAt      *time.Time
	InterventionID string
	Notes          string
}

// Vault is the domain-keyed session store.
type Vault struct {
	repo      schemas.VaultRepository
	cfg       config.VaultConfig
	lifetimes LifetimeRecorder
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a vault over repo.
func New(repo schemas.VaultRepository, cfg config.VaultConfig, logger *zap.Logger) *Vault {
	if cfg.StaleAfterSoftFailures <= 0 {
		cfg.StaleAfterSoftFailures = 3
	}
	return &Vault{
		repo:   repo,
		cfg:    cfg,
		logger: observability.Component(logger, "vault"),
		now:    time.Now,
	}
}

// SetLifetimeRecorder wires the learning store in after construction.
func (v *Vault) SetLifetimeRecorder(r LifetimeRecorder) { v.lifetimes = r }

// Get returns the domain's current entry if it is valid or stale and not
// expired. Anything else is ErrNoSession.
func (v *Vault) Get(ctx context.Context, domain string) (*schemas.SessionVaultEntry, error) {
	entry, err := v.repo.GetCurrentSession(ctx, domain)
	if err != nil {
		if errors.Is(err, schemas.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", domain, ErrNoSession)
		}
		return nil, err
	}
	if !entry.Usable(v.now()) {
		return nil, fmt.Errorf("%s: session %s is %s: %w", domain, entry.ID, entry.EffectiveHealth(v.now()), ErrNoSession)
	}
	return entry, nil
}

// Inspect returns the current entry whatever its health.
func (v *Vault) Inspect(ctx context.Context, domain string) (*schemas.SessionVaultEntry, error) {
	return v.repo.GetCurrentSession(ctx, domain)
}

// Put stores newly captured material as the domain's valid entry,
// superseding whatever was there. Existing entries are never revived.
func (v *Vault) Put(ctx context.Context, req PutRequest) (*schemas.SessionVaultEntry, error) {
	if req.Domain == "" {
		return nil, schemas.NewValidationError("domain", "must not be empty")
	}
	if req.Material.IsEmpty() {
		return nil, schemas.NewValidationError("session", "carries no cookies, headers, user agent or storage")
	}
	now := v.now().UTC()
	expiresAt := req.ExpiresAt
	if expiresAt == nil && v.cfg.DefaultTTL > 0 {
		ts := now.Add(v.cfg.DefaultTTL)
		expiresAt = &ts
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, schemas.NewValidationError("expires_at", "is already in the past")
	}

	entry := &schemas.SessionVaultEntry{
		ID:         uuid.NewString(),
		Domain:     req.Domain,
		Material:   req.Material.Clone(),
		CapturedAt: now,
		ExpiresAt:  expiresAt,
		IsValid:    true,
		Health:     schemas.HealthValid,
		Notes:      req.Notes,
	}
	if req.InterventionID != "" {
		id := req.InterventionID
		entry.InterventionID = &id
	}

	previous, err := v.repo.ReplaceSession(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("storing session for %s: %w", req.Domain, err)
	}
	v.logger.Info("Session captured.", observability.Domain(req.Domain),
		zap.String("session_id", entry.ID), zap.Bool("superseded", previous != nil))

	if previous != nil && previous.IsValid {
		v.recordLifetime(ctx, previous.Domain, now.Sub(previous.CapturedAt))
	}
	return entry, nil
}

// RecordValidation appends the outcome of using the domain's session.
// N consecutive soft failures degrade it to stale; a hard failure or expiry
// invalidates it. Health never improves.
func (v *Vault) RecordValidation(ctx context.Context, domain string, outcome schemas.ValidationOutcome, detail string) (*schemas.SessionVaultEntry, error) {
	current, err := v.repo.GetCurrentSession(ctx, domain)
	if err != nil {
		return nil, err
	}

	var invalidated bool
	updated, err := v.repo.UpdateSession(ctx, current.ID, func(e *schemas.SessionVaultEntry) error {
		now := v.now().UTC()
		wasValid := e.IsValid

		e.LastValidatedAt = &now
		e.Validations = append(e.Validations, schemas.ValidationRecord{At: now, Outcome: outcome, Detail: detail})
		if len(e.Validations) > maxHistory {
			e.Validations = e.Validations[len(e.Validations)-maxHistory:]
		}

		switch {
		case e.Expired(now), outcome == schemas.ValidationHardFailure:
			e.IsValid = false
			e.Health = schemas.HealthInvalid
		case outcome == schemas.ValidationSoftFailure && e.ConsecutiveSoftFailures() >= v.cfg.StaleAfterSoftFailures:
			e.Health = e.Health.Degrade(schemas.HealthStale)
		}
		invalidated = wasValid && !e.IsValid
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording validation for %s: %w", domain, err)
	}

	if invalidated {
		v.logger.Info("Session invalidated.", observability.Domain(domain), zap.String("session_id", updated.ID), zap.String("outcome", string(outcome)))
		v.recordLifetime(ctx, domain, updated.LastValidatedAt.Sub(updated.CapturedAt))
	}
	return updated, nil
}

// SweepExpired invalidates every still-valid entry whose expiry has passed
// and returns how many it touched.
func (v *Vault) SweepExpired(ctx context.Context) (int, error) {
	now := v.now().UTC()
	expiring, err := v.repo.ListSessions(ctx, &now)
	if err != nil {
		return 0, fmt.Errorf("listing expiring sessions: %w", err)
	}

	swept := 0
	for _, entry := range expiring {
		var changed bool
		updated, err := v.repo.UpdateSession(ctx, entry.ID, func(e *schemas.SessionVaultEntry) error {
			if !e.IsValid || !e.Expired(now) {
				return nil
			}
			e.IsValid = false
			e.Health = schemas.HealthInvalid
			e.Notes = appendNote(e.Notes, "expired "+now.Format(time.RFC3339))
			changed = true
			return nil
		})
		if err != nil {
			v.logger.Warn("Failed to expire session.", observability.Domain(entry.Domain), zap.Error(err))
			continue
		}
		if changed {
			swept++
			v.recordLifetime(ctx, updated.Domain, updated.ExpiresAt.Sub(updated.CapturedAt))
		}
	}
	if swept > 0 {
		v.logger.Info("Expired sessions invalidated.", zap.Int("count", swept))
	}
	return swept, nil
}

// List returns every current entry.
func (v *Vault) List(ctx context.Context) ([]*schemas.SessionVaultEntry, error) {
	return v.repo.ListSessions(ctx, nil)
}

func (v *Vault) recordLifetime(ctx context.Context, domain string, lifetime time.Duration) {
	if v.lifetimes == nil || lifetime <= 0 {
		return
	}
	if err := v.lifetimes.RecordSessionLifetime(ctx, domain, lifetime); err != nil {
		v.logger.Warn("Failed to record session lifetime.", observability.Domain(domain), zap.Error(err))
	}
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "; " + note
}
