package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
)

// MemoryStore is an ephemeral implementation of every repository, used for
// local runs and tests. A single mutex serializes all writes, so each
// Update* call is atomic. Values are cloned on the way in and out.
type MemoryStore struct {
	mu            sync.RWMutex
	runs          map[string]*schemas.Run
	interventions map[string]*schemas.InterventionTask
	sessions      map[string]*schemas.SessionVaultEntry // Key: entry ID
	current       map[string]string                     // Key: domain, Value: current entry ID
	domains       map[string]*schemas.DomainConfig
	now           func() time.Time
	log           *zap.Logger
}

var _ schemas.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		runs:          make(map[string]*schemas.Run),
		interventions: make(map[string]*schemas.InterventionTask),
		sessions:      make(map[string]*schemas.SessionVaultEntry),
		current:       make(map[string]string),
		domains:       make(map[string]*schemas.DomainConfig),
		now:           time.Now,
		log:           logger.Named("memory_store"),
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() {}

// -- Runs --

func (m *MemoryStore) CreateRun(ctx context.Context, run *schemas.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("create run %s: %w", run.ID, schemas.ErrConflict)
	}
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*schemas.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", id, schemas.ErrNotFound)
	}
	return run.Clone(), nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, filter schemas.RunFilter) ([]*schemas.Run, error) {
	m.mu.RLock()
	var out []*schemas.Run
	for _, run := range m.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.JobID != "" && run.JobID != filter.JobID {
			continue
		}
		out = append(out, run.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, id string, fn func(*schemas.Run) error) (*schemas.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("get run %s: %w", id, schemas.ErrNotFound)
	}
	working := stored.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	m.runs[id] = working.Clone()
	return working, nil
}

// -- Interventions --

func (m *MemoryStore) CreateIntervention(ctx context.Context, task *schemas.InterventionTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.interventions[task.ID]; exists {
		return fmt.Errorf("create intervention %s: %w", task.ID, schemas.ErrConflict)
	}
	if task.Status == schemas.InterventionOpen {
		for _, existing := range m.interventions {
			if existing.RunID == task.RunID && existing.Status == schemas.InterventionOpen {
				return fmt.Errorf("create intervention for run %s: open task %s exists: %w",
					task.RunID, existing.ID, schemas.ErrConflict)
			}
		}
	}
	m.interventions[task.ID] = task.Clone()
	return nil
}

func (m *MemoryStore) GetIntervention(ctx context.Context, id string) (*schemas.InterventionTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.interventions[id]
	if !ok {
		return nil, fmt.Errorf("get intervention %s: %w", id, schemas.ErrNotFound)
	}
	return task.Clone(), nil
}

func (m *MemoryStore) GetOpenInterventionForRun(ctx context.Context, runID string) (*schemas.InterventionTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, task := range m.interventions {
		if task.RunID == runID && task.Status == schemas.InterventionOpen {
			return task.Clone(), nil
		}
	}
	return nil, fmt.Errorf("get open intervention for run %s: %w", runID, schemas.ErrNotFound)
}

func (m *MemoryStore) ListInterventions(ctx context.Context, filter schemas.InterventionFilter) ([]*schemas.InterventionTask, error) {
	m.mu.RLock()
	var out []*schemas.InterventionTask
	for _, task := range m.interventions {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.RunID != "" && task.RunID != filter.RunID {
			continue
		}
		out = append(out, task.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateIntervention(ctx context.Context, id string, fn func(*schemas.InterventionTask) error) (*schemas.InterventionTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.interventions[id]
	if !ok {
		return nil, fmt.Errorf("get intervention %s: %w", id, schemas.ErrNotFound)
	}
	working := stored.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	m.interventions[id] = working.Clone()
	return working, nil
}

// -- Session Vault --

func (m *MemoryStore) GetCurrentSession(ctx context.Context, domain string) (*schemas.SessionVaultEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.current[domain]
	if !ok {
		return nil, fmt.Errorf("get session for %s: %w", domain, schemas.ErrNotFound)
	}
	return m.sessions[id].Clone(), nil
}

func (m *MemoryStore) ReplaceSession(ctx context.Context, entry *schemas.SessionVaultEntry) (*schemas.SessionVaultEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[entry.ID]; exists {
		return nil, fmt.Errorf("insert session %s: %w", entry.ID, schemas.ErrConflict)
	}

	var previous *schemas.SessionVaultEntry
	if id, ok := m.current[entry.Domain]; ok {
		prev := m.sessions[id]
		supersededAt := entry.CapturedAt
		previous = prev.Clone()
		previous.SupersededAt = &supersededAt
		prev.SupersededAt = &supersededAt
		prev.IsValid = false
		prev.Health = schemas.HealthInvalid
	}
	m.sessions[entry.ID] = entry.Clone()
	m.current[entry.Domain] = entry.ID
	return previous, nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, id string, fn func(*schemas.SessionVaultEntry) error) (*schemas.SessionVaultEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("get session %s: %w", id, schemas.ErrNotFound)
	}
	working := stored.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	// Material and capture identity are immutable.
	working.Material = stored.Material.Clone()
	working.Domain = stored.Domain
	working.CapturedAt = stored.CapturedAt
	m.sessions[id] = working.Clone()
	return working, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, expiringBefore *time.Time) ([]*schemas.SessionVaultEntry, error) {
	m.mu.RLock()
	var out []*schemas.SessionVaultEntry
	for _, id := range m.current {
		entry := m.sessions[id]
		if expiringBefore != nil {
			if !entry.IsValid || entry.ExpiresAt == nil || entry.ExpiresAt.After(*expiringBefore) {
				continue
			}
		}
		out = append(out, entry.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// -- Domain Learning --

func (m *MemoryStore) GetDomain(ctx context.Context, domain string) (*schemas.DomainConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.domains[domain]
	if !ok {
		return nil, fmt.Errorf("get domain %s: %w", domain, schemas.ErrNotFound)
	}
	return cfg.Clone(), nil
}

func (m *MemoryStore) UpdateDomain(ctx context.Context, domain string, fn func(*schemas.DomainConfig) error) (*schemas.DomainConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.domains[domain]
	if !ok {
		stored = schemas.NewDomainConfig(domain, m.now().UTC())
	}
	working := stored.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.Recompute()
	m.domains[domain] = working.Clone()
	return working, nil
}

func (m *MemoryStore) ListDomains(ctx context.Context) ([]*schemas.DomainConfig, error) {
	m.mu.RLock()
	out := make([]*schemas.DomainConfig, 0, len(m.domains))
	for _, cfg := range m.domains {
		out = append(out, cfg.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}
