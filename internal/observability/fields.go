package observability

import "go.uber.org/zap"

// Field keys shared across components so log lines can be joined on them.
const (
	KeyRunID          = "run_id"
	KeyJobID          = "job_id"
	KeyInterventionID = "intervention_id"
	KeyDomain         = "domain"
	KeyEngine         = "engine"
	KeyComponent      = "component"
)

func RunID(id string) zap.Field          { return zap.String(KeyRunID, id) }
func JobID(id string) zap.Field          { return zap.String(KeyJobID, id) }
func InterventionID(id string) zap.Field { return zap.String(KeyInterventionID, id) }
func Domain(d string) zap.Field          { return zap.String(KeyDomain, d) }
func Engine(name string) zap.Field       { return zap.String(KeyEngine, name) }

// Component derives the logger a subsystem should use.
func Component(base *zap.Logger, name string) *zap.Logger {
	if base == nil {
		base = GetLogger()
	}
	return base.Named(name).With(zap.String(KeyComponent, name))
}
