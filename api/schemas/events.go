package schemas

import (
	"strings"
	"time"
)

// -- Event Schemas --

// EventType is the discriminator carried by every published event.
type EventType string

const (
	EventConnected            EventType = "connected"
	EventRunStarted           EventType = "run.started"
	EventRunCompleted         EventType = "run.completed"
	EventRunFailed            EventType = "run.failed"
	EventRunResumed           EventType = "run.resumed"
	EventInterventionCreated  EventType = "intervention.created"
	EventInterventionResolved EventType = "intervention.resolved"
)

// Topic groups events by the entity type they describe.
type Topic string

const (
	TopicRun          Topic = "run"
	TopicIntervention Topic = "intervention"
	TopicSystem       Topic = "system"
)

// AllTopics lists every topic a full-stream subscriber listens to.
var AllTopics = []Topic{TopicRun, TopicIntervention, TopicSystem}

// Topic returns the entity topic the event type belongs to.
func (t EventType) Topic() Topic {
	prefix, _, found := strings.Cut(string(t), ".")
	if !found {
		return TopicSystem
	}
	return Topic(prefix)
}

// Event is an immutable fact published for observers. Only the fields that
// belong to the event type are populated.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	RunID  string `json:"run_id,omitempty"`
	JobID  string `json:"job_id,omitempty"`
	Target string `json:"target,omitempty"`
	Error  string `json:"error,omitempty"`

	InterventionID   string           `json:"intervention_id,omitempty"`
	InterventionType InterventionType `json:"intervention_type,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	Priority         Priority         `json:"priority,omitempty"`
}

// NewConnectedEvent is the heartbeat sent when a stream opens and periodically after.
func NewConnectedEvent(now time.Time) Event {
	return Event{Type: EventConnected, Timestamp: now.UTC()}
}

// NewRunEvent projects a run into a lifecycle event.
func NewRunEvent(t EventType, run *Run, now time.Time) Event {
	return Event{
		Type:      t,
		Timestamp: now.UTC(),
		RunID:     run.ID,
		JobID:     run.JobID,
		Target:    run.Target,
		Error:     run.LastError,
	}
}

// NewInterventionCreatedEvent projects a freshly opened task.
func NewInterventionCreatedEvent(task *InterventionTask) Event {
	return Event{
		Type:             EventInterventionCreated,
		Timestamp:        task.CreatedAt.UTC(),
		RunID:            task.RunID,
		InterventionID:   task.ID,
		InterventionType: task.Type,
		Reason:           task.Reason,
		Priority:         task.Priority,
	}
}

// NewInterventionResolvedEvent projects a resolved task.
func NewInterventionResolvedEvent(task *InterventionTask, now time.Time) Event {
	return Event{
		Type:           EventInterventionResolved,
		Timestamp:      now.UTC(),
		RunID:          task.RunID,
		InterventionID: task.ID,
	}
}
