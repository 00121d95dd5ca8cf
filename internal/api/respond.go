package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-hitl/api/schemas"
)

const maxRequestBody = 1 << 20

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Field string `json:"field,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response.", zap.Error(err))
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Unknown errors are
// logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := classifyError(err)
	resp := ErrorResponse{Error: err.Error(), Kind: kind}

	var verr *schemas.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	if errors.Is(err, schemas.ErrRunBusy) {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed.",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		resp.Error = "internal error"
	}
	s.writeJSON(w, status, resp)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, schemas.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, schemas.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, schemas.ErrRunBusy):
		return http.StatusConflict, "run_busy"
	case errors.Is(err, schemas.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, schemas.ErrInvalidTransition):
		return http.StatusUnprocessableEntity, "invalid_transition"
	case errors.Is(err, schemas.ErrResumeFailed):
		return http.StatusBadGateway, "resume_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched when
// optional is set.
func decodeBody(r *http.Request, v interface{}, optional bool) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return schemas.NewValidationError("body", "unreadable: "+err.Error())
	}
	if len(data) > maxRequestBody {
		return schemas.NewValidationError("body", "too large")
	}
	if len(data) == 0 {
		if optional {
			return nil
		}
		return schemas.NewValidationError("body", "must not be empty")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return schemas.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	return nil
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, schemas.NewValidationError("limit", "must be a non-negative integer")
	}
	return n, nil
}
