package schemas

import (
	"encoding/json"
	"time"
)

// -- Intervention Schemas --

// InterventionType classifies why a human is needed.
type InterventionType string

const (
	InterventionSessionExpired   InterventionType = "session_expired"
	InterventionCaptcha          InterventionType = "captcha"
	InterventionManualCompletion InterventionType = "manual_completion"
	InterventionSelectorBroken   InterventionType = "selector_broken"
)

// Priority orders interventions for operators.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// InterventionStatus is either open or resolved; there is no other state.
type InterventionStatus string

const (
	InterventionOpen     InterventionStatus = "open"
	InterventionResolved InterventionStatus = "resolved"
)

// Resolution records how and by whom an intervention was closed.
type Resolution struct {
	ResolvedBy string          `json:"resolved_by"`
	Payload    json.RawMessage `json:"resolution"`
	ResolvedAt time.Time       `json:"resolved_at"`
}

// InterventionTask is a unit of work requiring a human. At most one task per
// run may be open at a time.
type InterventionTask struct {
	ID         string             `json:"id"`
	RunID      string             `json:"run_id"`
	Type       InterventionType   `json:"type"`
	Reason     string             `json:"reason"`
	Priority   Priority           `json:"priority"`
	Payload    json.RawMessage    `json:"payload,omitempty"`
	Status     InterventionStatus `json:"status"`
	Resolution *Resolution        `json:"resolution"`
	CreatedAt  time.Time          `json:"created_at"`
	ResolvedAt *time.Time         `json:"resolved_at"`
}

// Clone returns a deep copy of the task.
func (t *InterventionTask) Clone() *InterventionTask {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = cloneRaw(t.Payload)
	if t.Resolution != nil {
		res := *t.Resolution
		res.Payload = cloneRaw(t.Resolution.Payload)
		c.Resolution = &res
	}
	if t.ResolvedAt != nil {
		ts := *t.ResolvedAt
		c.ResolvedAt = &ts
	}
	return &c
}

// InterventionRequest carries the arguments of an open call.
type InterventionRequest struct {
	RunID    string
	Type     InterventionType
	Reason   string
	Priority Priority
	Payload  json.RawMessage
}

// ResolutionBody is the wire shape of a resolve request.
//
//	{"resolution": {...}, "resolved_by": "user"}
type ResolutionBody struct {
	Resolution json.RawMessage `json:"resolution"`
	ResolvedBy string          `json:"resolved_by"`
}

// ResolutionPayload is the part of an opaque resolution the system interprets.
// Everything else is stored verbatim.
type ResolutionPayload struct {
	Action    string           `json:"action,omitempty"`
	Session   *SessionMaterial `json:"session,omitempty"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	Notes     string           `json:"notes,omitempty"`
}

// InterventionFilter narrows ListInterventions results.
type InterventionFilter struct {
	Status InterventionStatus
	RunID  string
	Limit  int
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
