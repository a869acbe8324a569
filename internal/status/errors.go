package status

import (
	"errors"
	"fmt"
)

// StateConflictError is returned when a requested transition is not in the
// allowed-transition table. Carries the current status for diagnostics.
type StateConflictError struct {
	EntityID  string
	Current   string
	Requested string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("status transition %s -> %s not allowed for %s", e.Current, e.Requested, e.EntityID)
}

// AlreadyInProgressError is returned when a trigger observes an in-progress
// status for the entity. The new invocation is rejected, never queued.
type AlreadyInProgressError struct {
	EntityID string
	Current  string
}

func (e *AlreadyInProgressError) Error() string {
	return fmt.Sprintf("entity %s already has a workflow in progress (status %s)", e.EntityID, e.Current)
}

// IsStateConflict reports whether err is a StateConflictError.
func IsStateConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}

// IsAlreadyInProgress reports whether err is an AlreadyInProgressError.
func IsAlreadyInProgress(err error) bool {
	var ip *AlreadyInProgressError
	return errors.As(err, &ip)
}
