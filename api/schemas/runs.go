package schemas

import (
	"net/url"
	"strings"
	"time"
)

// -- Run Schemas --

// RunStatus is the lifecycle state of a single run.
type RunStatus string

const (
	RunPending         RunStatus = "pending"
	RunRunning         RunStatus = "running"
	RunWaitingForHuman RunStatus = "waiting_for_human"
	RunCompleted       RunStatus = "completed"
	RunFailed          RunStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed out of the status.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed
}

// Valid reports whether s is one of the known run statuses.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunWaitingForHuman, RunCompleted, RunFailed:
		return true
	}
	return false
}

// Run is one execution attempt of a job against a target.
// InterventionID is set if and only if Status is RunWaitingForHuman.
type Run struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	Target         string    `json:"target"`
	Status         RunStatus `json:"status"`
	InterventionID *string   `json:"intervention_id"`
	AttemptCount   int       `json:"attempt_count"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	if r.InterventionID != nil {
		id := *r.InterventionID
		c.InterventionID = &id
	}
	return &c
}

// Domain returns the lower-cased host of the run's target, without port.
func (r *Run) Domain() string {
	return DomainOf(r.Target)
}

// CheckInvariant verifies the intervention reference matches the status.
func (r *Run) CheckInvariant() bool {
	waiting := r.Status == RunWaitingForHuman
	return waiting == (r.InterventionID != nil)
}

// RunFilter narrows ListRuns results. Zero values match everything.
type RunFilter struct {
	Status RunStatus
	JobID  string
	Limit  int
}

// DomainOf extracts the normalized host from a target URL. Targets without a
// scheme are treated as https.
func DomainOf(target string) string {
	raw := strings.TrimSpace(target)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
