package schemas

import (
	"encoding/json"
	"time"
)

// -- Attempt Outcome Schemas --

// OutcomeKind classifies the result of a single extraction attempt.
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeSoftFailure OutcomeKind = "soft_failure"
	OutcomeBlocked     OutcomeKind = "blocked"
	OutcomeHardFailure OutcomeKind = "hard_failure"
)

// Valid reports whether k is a known outcome kind.
func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeSuccess, OutcomeSoftFailure, OutcomeBlocked, OutcomeHardFailure:
		return true
	}
	return false
}

// AttemptOutcome is what the run state machine acts on after an attempt.
// For blocked outcomes, InterventionType, Priority and Payload describe the
// intervention to open; empty values fall back to manual_completion/normal.
type AttemptOutcome struct {
	Kind             OutcomeKind      `json:"kind"`
	Engine           string           `json:"engine,omitempty"`
	Provider         string           `json:"provider,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	Signals          []BlockSignal    `json:"signals,omitempty"`
	InterventionType InterventionType `json:"intervention_type,omitempty"`
	Priority         Priority         `json:"priority,omitempty"`
	Payload          json.RawMessage  `json:"payload,omitempty"`
	UsedSession      bool             `json:"used_session,omitempty"`
}

// Success builds a success outcome for the named engine.
func Success(engine string) AttemptOutcome {
	return AttemptOutcome{Kind: OutcomeSuccess, Engine: engine}
}

// SoftFailure builds a retryable failure outcome.
func SoftFailure(reason string) AttemptOutcome {
	return AttemptOutcome{Kind: OutcomeSoftFailure, Reason: reason}
}

// Blocked builds a blocked outcome carrying context for the operator.
func Blocked(reason string, payload json.RawMessage) AttemptOutcome {
	return AttemptOutcome{Kind: OutcomeBlocked, Reason: reason, Payload: payload}
}

// HardFailure builds a non-retryable failure outcome.
func HardFailure(reason string) AttemptOutcome {
	return AttemptOutcome{Kind: OutcomeHardFailure, Reason: reason}
}

// HasSignal reports whether sig was observed during the attempt.
func (o AttemptOutcome) HasSignal(sig BlockSignal) bool {
	for _, s := range o.Signals {
		if s == sig {
			return true
		}
	}
	return false
}

// EngineResult is the raw response an extraction engine hands back before
// block detection classifies it.
type EngineResult struct {
	Engine     string              `json:"engine"`
	Provider   string              `json:"provider,omitempty"`
	StatusCode int                 `json:"status_code"`
	FinalURL   string              `json:"final_url"`
	Header     map[string][]string `json:"header,omitempty"`
	Body       []byte              `json:"-"`
	Duration   time.Duration       `json:"duration"`
}
