package store

// schemaDDL is idempotent and applied by Migrate on startup.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS runs (
    id              TEXT PRIMARY KEY,
    job_id          TEXT NOT NULL,
    target          TEXT NOT NULL,
    status          TEXT NOT NULL,
    intervention_id TEXT,
    attempt_count   INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL,
    CONSTRAINT runs_waiting_has_intervention
        CHECK ((status = 'waiting_for_human') = (intervention_id IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS runs_status_idx ON runs (status);
CREATE INDEX IF NOT EXISTS runs_job_idx ON runs (job_id);

CREATE TABLE IF NOT EXISTS intervention_tasks (
    id          TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL REFERENCES runs (id),
    type        TEXT NOT NULL,
    reason      TEXT NOT NULL,
    priority    TEXT NOT NULL,
    payload     JSONB,
    status      TEXT NOT NULL,
    resolved_by TEXT,
    resolution  JSONB,
    created_at  TIMESTAMPTZ NOT NULL,
    resolved_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS intervention_tasks_one_open_per_run
    ON intervention_tasks (run_id) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS intervention_tasks_status_idx ON intervention_tasks (status, created_at);

CREATE TABLE IF NOT EXISTS session_vaults (
    id                TEXT PRIMARY KEY,
    domain            TEXT NOT NULL,
    material          JSONB NOT NULL,
    captured_at       TIMESTAMPTZ NOT NULL,
    last_validated_at TIMESTAMPTZ,
    expires_at        TIMESTAMPTZ,
    is_valid          BOOLEAN NOT NULL,
    health            TEXT NOT NULL,
    intervention_id   TEXT,
    validations       JSONB NOT NULL DEFAULT '[]',
    notes             TEXT NOT NULL DEFAULT '',
    superseded_at     TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS session_vaults_current_domain
    ON session_vaults (domain) WHERE superseded_at IS NULL;

CREATE TABLE IF NOT EXISTS domain_configs (
    domain                          TEXT PRIMARY KEY,
    access_class                    TEXT NOT NULL,
    requires_session                TEXT NOT NULL,
    total_attempts                  BIGINT NOT NULL DEFAULT 0,
    successful_attempts             BIGINT NOT NULL DEFAULT 0,
    blocked_403                     BIGINT NOT NULL DEFAULT 0,
    blocked_captcha                 BIGINT NOT NULL DEFAULT 0,
    blocked_total                   BIGINT NOT NULL DEFAULT 0,
    success_rate                    DOUBLE PRECISION NOT NULL DEFAULT 0,
    block_403_rate                  DOUBLE PRECISION NOT NULL DEFAULT 0,
    block_captcha_rate              DOUBLE PRECISION NOT NULL DEFAULT 0,
    block_rate                      DOUBLE PRECISION NOT NULL DEFAULT 0,
    engines                         JSONB NOT NULL DEFAULT '{}',
    providers                       JSONB NOT NULL DEFAULT '{}',
    preferred_provider              TEXT NOT NULL DEFAULT '',
    preferred_provider_success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
    session_lifetime_samples        BIGINT NOT NULL DEFAULT 0,
    avg_session_lifetime_seconds    DOUBLE PRECISION NOT NULL DEFAULT 0,
    block_signatures                JSONB NOT NULL DEFAULT '{}',
    notes                           TEXT NOT NULL DEFAULT '',
    manual_override                 BOOLEAN NOT NULL DEFAULT FALSE,
    created_at                      TIMESTAMPTZ NOT NULL,
    updated_at                      TIMESTAMPTZ NOT NULL
);
`
