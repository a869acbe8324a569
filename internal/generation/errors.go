package generation

import (
	"errors"
	"fmt"
)

// ErrEmptyResult is returned when a generation batch produced zero usable
// pages. The batch is not retried: a fully empty outcome means the inputs
// are bad, not the service.
var ErrEmptyResult = errors.New("generation produced no pages")

// ErrRefreshPending is returned when the owner already has a refresh batch
// in flight.
var ErrRefreshPending = errors.New("a refresh for this owner is already pending")

// NotAllowedToGenerateError is returned when the entity's current status is
// outside the eligibility set for the requested operation.
type NotAllowedToGenerateError struct {
	EntityID string
	Current  string
}

func (e *NotAllowedToGenerateError) Error() string {
	return fmt.Sprintf("entity %s cannot start generation from status %s", e.EntityID, e.Current)
}

// IsNotAllowed reports whether err is a NotAllowedToGenerateError.
func IsNotAllowed(err error) bool {
	var na *NotAllowedToGenerateError
	return errors.As(err, &na)
}
