package schemas

import "time"

// -- Session Vault Schemas --

// HealthStatus describes how trustworthy cached session material is.
// It only ever degrades: valid -> stale -> invalid.
type HealthStatus string

const (
	HealthValid   HealthStatus = "valid"
	HealthStale   HealthStatus = "stale"
	HealthInvalid HealthStatus = "invalid"
)

func (h HealthStatus) rank() int {
	switch h {
	case HealthValid:
		return 0
	case HealthStale:
		return 1
	default:
		return 2
	}
}

// Degrade returns the worse of h and to. A health status never improves
// through Degrade; only a fresh capture produces a new valid entry.
func (h HealthStatus) Degrade(to HealthStatus) HealthStatus {
	if to.rank() > h.rank() {
		return to
	}
	return h
}

// ValidationOutcome is the result of using a session against its domain.
type ValidationOutcome string

const (
	ValidationOK          ValidationOutcome = "ok"
	ValidationSoftFailure ValidationOutcome = "soft_failure"
	ValidationHardFailure ValidationOutcome = "hard_failure"
)

// ValidationRecord is one entry of a session's validation history.
type ValidationRecord struct {
	At      time.Time         `json:"at"`
	Outcome ValidationOutcome `json:"outcome"`
	Detail  string            `json:"detail,omitempty"`
}

// Cookie is a browser cookie captured from an operator session.
type Cookie struct {
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Domain   string     `json:"domain,omitempty"`
	Path     string     `json:"path,omitempty"`
	Expires  *time.Time `json:"expires,omitempty"`
	HTTPOnly bool       `json:"http_only,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
}

// SessionMaterial is the authentication state replayed by extraction engines.
type SessionMaterial struct {
	Cookies      []Cookie          `json:"cookies,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
	LocalStorage map[string]string `json:"local_storage,omitempty"`
}

// IsEmpty reports whether the material carries nothing an engine could replay.
func (m *SessionMaterial) IsEmpty() bool {
	return m == nil || (len(m.Cookies) == 0 && len(m.Headers) == 0 && len(m.LocalStorage) == 0 && m.UserAgent == "")
}

// SessionVaultEntry is cached session material scoped to a domain.
// Only one non-superseded entry exists per domain.
type SessionVaultEntry struct {
	ID              string             `json:"id"`
	Domain          string             `json:"domain"`
	Material        SessionMaterial    `json:"material"`
	CapturedAt      time.Time          `json:"captured_at"`
	LastValidatedAt *time.Time         `json:"last_validated_at"`
	ExpiresAt       *time.Time         `json:"expires_at"`
	IsValid         bool               `json:"is_valid"`
	Health          HealthStatus       `json:"health"`
	InterventionID  *string            `json:"intervention_id"`
	Validations     []ValidationRecord `json:"validations"`
	Notes           string             `json:"notes,omitempty"`
	SupersededAt    *time.Time         `json:"superseded_at,omitempty"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *SessionVaultEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// EffectiveHealth folds the validity flag and expiry into the stored health.
func (e *SessionVaultEntry) EffectiveHealth(now time.Time) HealthStatus {
	if !e.IsValid || e.Expired(now) || e.SupersededAt != nil {
		return HealthInvalid
	}
	return e.Health
}

// Usable reports whether engines may replay this entry at now.
func (e *SessionVaultEntry) Usable(now time.Time) bool {
	return e.EffectiveHealth(now) != HealthInvalid
}

// ConsecutiveSoftFailures counts soft failures at the tail of the history.
func (e *SessionVaultEntry) ConsecutiveSoftFailures() int {
	n := 0
	for i := len(e.Validations) - 1; i >= 0; i-- {
		if e.Validations[i].Outcome != ValidationSoftFailure {
			break
		}
		n++
	}
	return n
}

// Clone returns a deep copy of the entry.
func (e *SessionVaultEntry) Clone() *SessionVaultEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Material = e.Material.Clone()
	c.LastValidatedAt = cloneTime(e.LastValidatedAt)
	c.ExpiresAt = cloneTime(e.ExpiresAt)
	c.SupersededAt = cloneTime(e.SupersededAt)
	if e.InterventionID != nil {
		id := *e.InterventionID
		c.InterventionID = &id
	}
	c.Validations = append([]ValidationRecord(nil), e.Validations...)
	return &c
}

// Clone returns a deep copy of the material.
func (m SessionMaterial) Clone() SessionMaterial {
	c := SessionMaterial{UserAgent: m.UserAgent}
	if m.Cookies != nil {
		c.Cookies = make([]Cookie, len(m.Cookies))
		for i, ck := range m.Cookies {
			ck.Expires = cloneTime(ck.Expires)
			c.Cookies[i] = ck
		}
	}
	c.Headers = cloneStringMap(m.Headers)
	c.LocalStorage = cloneStringMap(m.LocalStorage)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
