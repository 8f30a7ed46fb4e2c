package types

import (
	"errors"
	"fmt"
)

// Transport-agnostic error kinds. Callers classify with errors.Is; the
// resilient wrapper retries only ErrUnavailable.
var (
	// ErrValidation marks bad caller input. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing record. Deletes tolerate it; reads surface it.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks a storage timeout or connection failure.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrCapabilityMissing marks an operation the driver cannot perform,
	// e.g. vector search without a vector index.
	ErrCapabilityMissing = errors.New("capability missing")

	// ErrConflict marks a consolidation cycle that rolled back.
	ErrConflict = errors.New("consolidation conflict")

	// ErrInternal marks an unexpected invariant violation.
	ErrInternal = errors.New("internal error")
)

// Validationf wraps ErrValidation with a formatted reason.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

// NotFoundf wraps ErrNotFound with a formatted reason.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrNotFound}, args...)...)
}

// Unavailablef wraps ErrUnavailable with a formatted reason.
func Unavailablef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrUnavailable}, args...)...)
}

// Conflictf wraps ErrConflict with a formatted reason.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrConflict}, args...)...)
}

// ErrorKind names the classification of an error for logs and API responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrCapabilityMissing):
		return "capability_missing"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
