package schemas

import (
	"errors"
	"fmt"
)

// -- Error Taxonomy --

// Sentinel errors shared by every component. Wrap them with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	// ErrNotFound: unknown run, intervention, session or domain. Not retried.
	ErrNotFound = errors.New("not found")
	// ErrConflict: duplicate open intervention or concurrent mutation. The
	// caller may retry after backoff.
	ErrConflict = errors.New("conflict")
	// ErrAlreadyResolved guards resolve idempotency. Callers treat it as a
	// no-op success.
	ErrAlreadyResolved = errors.New("intervention already resolved")
	// ErrValidation: malformed input; no state was touched.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition: the requested transition is not allowed from the
	// run's current status.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrResumeFailed: an intervention was resolved but its run could not be
	// resumed. The run keeps waiting with the error recorded.
	ErrResumeFailed = errors.New("run resume failed")
)

// ErrRunBusy is returned when another transition is in flight for the same
// run. It matches ErrConflict under errors.Is.
var ErrRunBusy = fmt.Errorf("run busy: %w", ErrConflict)

// ValidationError names the offending field of a rejected request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any *ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError is a small constructor for the common case.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
