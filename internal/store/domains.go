package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
)

const domainColumns = `domain, access_class, requires_session,
    total_attempts, successful_attempts, blocked_403, blocked_captcha, blocked_total,
    success_rate, block_403_rate, block_captcha_rate, block_rate,
    engines, providers, preferred_provider, preferred_provider_success_rate,
    session_lifetime_samples, avg_session_lifetime_seconds,
    block_signatures, notes, manual_override, created_at, updated_at`

func scanDomain(row rowScanner) (*schemas.DomainConfig, error) {
	var (
		d               schemas.DomainConfig
		access, session string
		engines         []byte
		providers       []byte
		signatures      []byte
	)
	if err := row.Scan(&d.Domain, &access, &session,
		&d.TotalAttempts, &d.SuccessfulAttempts, &d.Blocked403, &d.BlockedCaptcha, &d.BlockedTotal,
		&d.SuccessRate, &d.Block403Rate, &d.BlockCaptchaRate, &d.BlockRate,
		&engines, &providers, &d.PreferredProvider, &d.PreferredProviderSuccessRate,
		&d.SessionLifetimeSamples, &d.AvgSessionLifetimeSeconds,
		&signatures, &d.Notes, &d.ManualOverride, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.AccessClass = schemas.AccessClass(access)
	d.RequiresSession = schemas.SessionRequirement(session)

	d.Engines = make(map[string]*schemas.EngineStats)
	d.Providers = make(map[string]*schemas.ProviderStats)
	d.BlockSignatures = make(map[schemas.BlockSignal]bool)
	for _, part := range []struct {
		raw  []byte
		into any
		name string
	}{
		{engines, &d.Engines, "engines"},
		{providers, &d.Providers, "providers"},
		{signatures, &d.BlockSignatures, "block_signatures"},
	} {
		if len(part.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(part.raw, part.into); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", part.name, err)
		}
	}
	return &d, nil
}

// GetDomain loads a domain profile. Unknown domains are ErrNotFound; the
// learning store supplies defaults.
func (s *Store) GetDomain(ctx context.Context, domain string) (*schemas.DomainConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+domainColumns+` FROM domain_configs WHERE domain = $1;`, domain)
	cfg, err := scanDomain(row)
	if err != nil {
		return nil, translate(err, "get domain "+domain)
	}
	return cfg, nil
}

// UpdateDomain inserts the default row if needed, then locks, mutates and
// writes the profile back in one transaction.
func (s *Store) UpdateDomain(ctx context.Context, domain string, fn func(*schemas.DomainConfig) error) (*schemas.DomainConfig, error) {
	var updated *schemas.DomainConfig
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		_, err := tx.Exec(ctx, `
            INSERT INTO domain_configs (domain, access_class, requires_session, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $4)
            ON CONFLICT (domain) DO NOTHING;
        `, domain, string(schemas.AccessPublic), string(schemas.SessionNo), now)
		if err != nil {
			return translate(err, "seed domain "+domain)
		}

		row := tx.QueryRow(ctx, `SELECT `+domainColumns+` FROM domain_configs WHERE domain = $1 FOR UPDATE;`, domain)
		cfg, err := scanDomain(row)
		if err != nil {
			return translate(err, "get domain "+domain)
		}
		if err := fn(cfg); err != nil {
			return err
		}
		cfg.Recompute()

		engines, err := json.Marshal(cfg.Engines)
		if err != nil {
			return fmt.Errorf("encoding engines: %w", err)
		}
		providers, err := json.Marshal(cfg.Providers)
		if err != nil {
			return fmt.Errorf("encoding providers: %w", err)
		}
		signatures, err := json.Marshal(cfg.BlockSignatures)
		if err != nil {
			return fmt.Errorf("encoding block signatures: %w", err)
		}

		_, err = tx.Exec(ctx, `
            UPDATE domain_configs SET
                access_class = $2,
                requires_session = $3,
                total_attempts = $4,
                successful_attempts = $5,
                blocked_403 = $6,
                blocked_captcha = $7,
                blocked_total = $8,
                success_rate = $9,
                block_403_rate = $10,
                block_captcha_rate = $11,
                block_rate = $12,
                engines = $13,
                providers = $14,
                preferred_provider = $15,
                preferred_provider_success_rate = $16,
                session_lifetime_samples = $17,
                avg_session_lifetime_seconds = $18,
                block_signatures = $19,
                notes = $20,
                manual_override = $21,
                updated_at = $22
            WHERE domain = $1;
        `, cfg.Domain, string(cfg.AccessClass), string(cfg.RequiresSession),
			cfg.TotalAttempts, cfg.SuccessfulAttempts, cfg.Blocked403, cfg.BlockedCaptcha, cfg.BlockedTotal,
			cfg.SuccessRate, cfg.Block403Rate, cfg.BlockCaptchaRate, cfg.BlockRate,
			engines, providers, cfg.PreferredProvider, cfg.PreferredProviderSuccessRate,
			cfg.SessionLifetimeSamples, cfg.AvgSessionLifetimeSeconds,
			signatures, cfg.Notes, cfg.ManualOverride, cfg.UpdatedAt.UTC())
		if err != nil {
			return translate(err, "update domain "+domain)
		}
		updated = cfg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListDomains returns every known domain profile ordered by name.
func (s *Store) ListDomains(ctx context.Context) ([]*schemas.DomainConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+domainColumns+` FROM domain_configs ORDER BY domain;`)
	if err != nil {
		return nil, fmt.Errorf("failed to query domains: %w", err)
	}
	defer rows.Close()

	var out []*schemas.DomainConfig
	for rows.Next() {
		cfg, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan domain row: %w", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
