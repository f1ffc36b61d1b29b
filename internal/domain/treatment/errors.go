package treatment

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no session exists for the key.
	ErrNotFound = errors.New("treatment session not found")
	// ErrInvalidTransition is returned for a workflow action not allowed in
	// the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrSessionClosed is returned when a completed or signed session is
	// asked to accept new data.
	ErrSessionClosed = errors.New("session is closed")
	// ErrConflict is returned when a concurrent writer changed the session
	// first. The operation may be retried.
	ErrConflict = errors.New("concurrent session update")
	// ErrPatientMismatch is returned when a message names a different patient
	// than the one already recorded. The recorded patient is kept.
	ErrPatientMismatch = errors.New("patient identifier does not match session")
	// ErrDeviceMismatch is returned when a message names a different device.
	ErrDeviceMismatch = errors.New("device identifier does not match session")
	// ErrModalityMismatch is returned when a device reports a different modality.
	ErrModalityMismatch = errors.New("modality does not match session")
)

// StateError describes a command rejected by the workflow state machine.
type StateError struct {
	From   Status
	Action string
	Err    error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s session in state %s: %v", e.Action, e.From, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// ValidationError wraps invalid command input.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
