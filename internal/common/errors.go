// Package common holds the sentinel errors shared by every layer of the
// server. Callers wrap them with fmt.Errorf("...: %w", err) and match with
// errors.Is.
package common

import "errors"

var (
	// auth errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// repository errors
	ErrNotFound            = errors.New("not found")
	ErrPersistence         = errors.New("persistence error")
	ErrMalformedStoredData = errors.New("malformed stored data")

	// checklist errors
	ErrValidation        = errors.New("validation error")
	ErrConflict          = errors.New("conflict")
	ErrNotReady          = errors.New("checklist not complete")
	ErrInvalidTransition = errors.New("invalid state transition")

	// schema errors
	ErrMigration = errors.New("migration error")
)

// Code returns the machine-readable code reported to clients for err
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrNotReady):
		return "NOT_READY"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrPersistence):
		return "PERSISTENCE_ERROR"
	}
	return "INTERNAL_ERROR"
}
