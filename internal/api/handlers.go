package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
	"github.com/xkilldash9x/scalpel-hitl/internal/observability"
	"github.com/xkilldash9x/scalpel-hitl/internal/runstate"
)

// CreateRunRequest is the body of POST /api/runs. Start defaults to true.
type CreateRunRequest struct {
	JobID  string `json:"job_id"`
	Target string `json:"target"`
	Start  *bool  `json:"start,omitempty"`
}

// AbandonRequest is the optional body of POST /api/runs/{id}/abandon.
type AbandonRequest struct {
	Reason string `json:"reason"`
}

// ResolveResponse reports a resolution. AlreadyResolved marks an idempotent
// repeat; ResumeError means the resolution stuck but the run is still waiting.
type ResolveResponse struct {
	Intervention    *schemas.InterventionTask `json:"intervention"`
	AlreadyResolved bool                      `json:"already_resolved"`
	ResumeError     string                    `json:"resume_error,omitempty"`
}

// SessionView is a vault entry without its cookie and header values.
type SessionView struct {
	ID              string                     `json:"id"`
	Domain          string                     `json:"domain"`
	Health          schemas.HealthStatus       `json:"health"`
	IsValid         bool                       `json:"is_valid"`
	CapturedAt      time.Time                  `json:"captured_at"`
	LastValidatedAt *time.Time                 `json:"last_validated_at"`
	ExpiresAt       *time.Time                 `json:"expires_at"`
	InterventionID  *string                    `json:"intervention_id"`
	CookieNames     []string                   `json:"cookie_names"`
	HeaderNames     []string                   `json:"header_names"`
	HasUserAgent    bool                       `json:"has_user_agent"`
	Validations     []schemas.ValidationRecord `json:"validations"`
	Notes           string                     `json:"notes,omitempty"`
}

func newSessionView(e *schemas.SessionVaultEntry, now time.Time) SessionView {
	v := SessionView{
		ID:              e.ID,
		Domain:          e.Domain,
		Health:          e.EffectiveHealth(now),
		IsValid:         e.IsValid && e.Usable(now),
		CapturedAt:      e.CapturedAt,
		LastValidatedAt: e.LastValidatedAt,
		ExpiresAt:       e.ExpiresAt,
		InterventionID:  e.InterventionID,
		CookieNames:     make([]string, 0, len(e.Material.Cookies)),
		HeaderNames:     make([]string, 0, len(e.Material.Headers)),
		HasUserAgent:    e.Material.UserAgent != "",
		Validations:     e.Validations,
		Notes:           e.Notes,
	}
	for _, c := range e.Material.Cookies {
		v.CookieNames = append(v.CookieNames, c.Name)
	}
	for name := range e.Material.Headers {
		v.HeaderNames = append(v.HeaderNames, name)
	}
	return v
}

// -- Runs --

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.svc.Runs.Create(r.Context(), runstate.CreateRequest{JobID: req.JobID, Target: req.Target})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Start == nil || *req.Start {
		started, err := s.svc.Runs.Start(r.Context(), run.ID)
		if err != nil {
			// The run exists either way; report it pending with the error recorded.
			s.logger.Warn("Run created but not started.", observability.RunID(run.ID), zap.Error(err))
			if current, getErr := s.svc.Runs.Get(r.Context(), run.ID); getErr == nil {
				run = current
			}
		} else {
			run = started
		}
	}
	w.Header().Set("Location", "/api/runs/"+run.ID)
	s.writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter := schemas.RunFilter{
		Status: schemas.RunStatus(r.URL.Query().Get("status")),
		JobID:  r.URL.Query().Get("job_id"),
		Limit:  limit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		s.writeError(w, r, schemas.NewValidationError("status", "unknown run status"))
		return
	}
	runs, err := s.svc.Runs.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*schemas.Run{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Runs.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Runs.Start(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleAbandonRun(w http.ResponseWriter, r *http.Request) {
	var req AbandonRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.svc.Runs.Abandon(r.Context(), chi.URLParam(r, "runID"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// -- Interventions --

func (s *Server) handleListInterventions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter := schemas.InterventionFilter{
		Status: schemas.InterventionStatus(r.URL.Query().Get("status")),
		RunID:  r.URL.Query().Get("run_id"),
		Limit:  limit,
	}
	switch filter.Status {
	case "", schemas.InterventionOpen, schemas.InterventionResolved:
	default:
		s.writeError(w, r, schemas.NewValidationError("status", "must be open or resolved"))
		return
	}
	tasks, err := s.svc.Interventions.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*schemas.InterventionTask{}
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetIntervention(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.Interventions.Get(r.Context(), chi.URLParam(r, "interventionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleResolveIntervention(w http.ResponseWriter, r *http.Request) {
	var body schemas.ResolutionBody
	if err := decodeBody(r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.ResolvedBy == "" {
		body.ResolvedBy = SubjectFromContext(r.Context())
	}

	task, err := s.svc.Interventions.Resolve(r.Context(), chi.URLParam(r, "interventionID"), body)
	if err != nil && (task == nil || !errors.Is(err, schemas.ErrAlreadyResolved) && !errors.Is(err, schemas.ErrResumeFailed)) {
		s.writeError(w, r, err)
		return
	}
	resp := ResolveResponse{Intervention: task, AlreadyResolved: errors.Is(err, schemas.ErrAlreadyResolved)}
	if errors.Is(err, schemas.ErrResumeFailed) {
		s.logger.Warn("Intervention resolved but run not resumed.",
			observability.InterventionID(task.ID), observability.RunID(task.RunID), zap.Error(err))
		resp.ResumeError = err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// -- Domains --

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := s.svc.Domains.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if domains == nil {
		domains = []*schemas.DomainConfig{}
	}
	s.writeJSON(w, http.StatusOK, domains)
}

func (s *Server) handleGetDomain(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Domains.Get(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Domains.Recommend(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var o schemas.DomainOverride
	if err := decodeBody(r, &o, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.svc.Domains.Override(r.Context(), chi.URLParam(r, "domain"), o)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

// -- Sessions --

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.Sessions.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := s.now()
	views := make([]SessionView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newSessionView(e, now))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	entry, err := s.svc.Sessions.Inspect(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newSessionView(entry, s.now()))
}
