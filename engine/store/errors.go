package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no action exists for an id, or the
	// action has already been purged by the retention reaper.
	ErrNotFound = errors.New("action not found")

	// ErrInvalidTransition is returned for illegal status mutations.
	// Callers must log it; it is a defect signal, never swallowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError describes a malformed submission.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Message)
}
