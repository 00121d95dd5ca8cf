package schemas

import (
	"context"
	"time"
)

// -- Store Interfaces --

// RunRepository persists runs. UpdateRun applies fn to the stored run under
// the store's own isolation (row lock or mutex) and persists the result
// only if fn returns nil.
type RunRepository interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	UpdateRun(ctx context.Context, id string, fn func(*Run) error) (*Run, error)
}

// InterventionRepository persists intervention tasks. CreateIntervention
// returns ErrConflict if the run already has an open task.
type InterventionRepository interface {
	CreateIntervention(ctx context.Context, task *InterventionTask) error
	GetIntervention(ctx context.Context, id string) (*InterventionTask, error)
	GetOpenInterventionForRun(ctx context.Context, runID string) (*InterventionTask, error)
	ListInterventions(ctx context.Context, filter InterventionFilter) ([]*InterventionTask, error)
	UpdateIntervention(ctx context.Context, id string, fn func(*InterventionTask) error) (*InterventionTask, error)
}

// VaultRepository persists captured session material. ReplaceSession
// supersedes the domain's current entry (if any) and inserts entry as the
// new current one atomically, returning the superseded entry.
type VaultRepository interface {
	GetCurrentSession(ctx context.Context, domain string) (*SessionVaultEntry, error)
	ReplaceSession(ctx context.Context, entry *SessionVaultEntry) (*SessionVaultEntry, error)
	UpdateSession(ctx context.Context, id string, fn func(*SessionVaultEntry) error) (*SessionVaultEntry, error)
	ListSessions(ctx context.Context, expiringBefore *time.Time) ([]*SessionVaultEntry, error)
}

// DomainRepository persists per-domain learning state. UpdateDomain creates
// the default config when the domain is unseen, so the read-modify-write is
// atomic for first writers too.
type DomainRepository interface {
	GetDomain(ctx context.Context, domain string) (*DomainConfig, error)
	UpdateDomain(ctx context.Context, domain string, fn func(*DomainConfig) error) (*DomainConfig, error)
	ListDomains(ctx context.Context) ([]*DomainConfig, error)
}

// Store bundles every repository the orchestration core needs.
type Store interface {
	RunRepository
	InterventionRepository
	VaultRepository
	DomainRepository
	Close()
}

// -- Engine Interfaces --

// Engine is one extraction strategy (plain HTTP, headless browser, ...).
// Attempt returns a non-nil error only for transport-level failures; a
// response with a block status is still a result.
//
//go:generate mockery --name Engine --output ../../internal/mocks --outpkg mocks
type Engine interface {
	Name() string
	Attempt(ctx context.Context, target string, session *SessionMaterial) (*EngineResult, error)
}

// Dispatcher queues a run for asynchronous execution.
type Dispatcher interface {
	Dispatch(runID string) error
}

// Resumer continues a run after its intervention is resolved.
type Resumer interface {
	Resume(ctx context.Context, runID, interventionID string) error
}

// EventPublisher fans events out to observers. Publish never blocks.
type EventPublisher interface {
	Publish(evt Event)
}
