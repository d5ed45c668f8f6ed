package models

import "fmt"

// ValidationError covers malformed input: bad coordinates, trips that are
// too short or too long, points outside the service area.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NewValidationError formats a ValidationError.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError covers races lost and resources already claimed: a second
// active ride, a driver no longer available, a double accept.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

// NewConflictError formats a ConflictError.
func NewConflictError(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError covers absent rides and drivers.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string { return e.Resource + " not found" }

// StateError is an illegal ride status transition. The ride is left
// unmodified when one is returned.
type StateError struct {
	From RideStatus
	To   RideStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}
