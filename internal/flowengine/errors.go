// Package flowengine is a SQLite-backed saga engine. It executes multi-step
// workflows with per-step retries, compensates completed steps in reverse
// order on failure, and resumes in-flight runs after a crash.
package flowengine

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
)

// ErrActivityNotFound is returned when a step names an unregistered activity.
var ErrActivityNotFound = errors.New("activity not found in registry")

// ErrDuplicateActivity is returned when registering an already-used name.
var ErrDuplicateActivity = errors.New("activity already registered")

// ErrWorkflowNotFound is returned when a workflow ID doesn't exist.
var ErrWorkflowNotFound = errors.New("workflow not found")

// ErrDuplicateWorkflow is returned when an active run already exists for the
// same type and external_id. The partial unique index enforces this at the
// database level, so racing submitters cannot both win.
var ErrDuplicateWorkflow = errors.New("duplicate active workflow for this external_id")

// ErrStepTransitionDenied is returned when an atomic step status update finds
// the row in an unexpected status (concurrent modification).
var ErrStepTransitionDenied = errors.New("step status transition denied")

// TransientError marks a failure that may succeed on retry: network timeout,
// throttling, a dependency mid-restart.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// PermanentError marks a failure that retrying cannot fix: bad input, a
// missing zone, a validation failure.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps an error as permanent.
func NewPermanentError(err error) *PermanentError {
	return &PermanentError{Err: err}
}

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ClassifyError resolves an unwrapped error to transient or permanent.
// Already-classified errors pass through. Network and connection-level
// failures are transient; unknown errors default to transient because a
// wrong permanent verdict strands the workflow while a wrong transient
// verdict only costs a retry.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) || IsPermanent(err) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewTransientError(err)
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return NewTransientError(err)
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"i/o timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"deadline exceeded",
		"broken pipe",
		"circuit breaker open",
	} {
		if strings.Contains(msg, pattern) {
			return NewTransientError(err)
		}
	}

	return NewTransientError(err)
}

// ClassifyHTTPStatus classifies an HTTP status code for activity
// implementations backed by HTTP services. 5xx, 408 and 429 are transient;
// other 4xx are permanent.
func ClassifyHTTPStatus(statusCode int, body string) error {
	if statusCode >= 200 && statusCode < 400 {
		return nil
	}

	msg := fmt.Sprintf("HTTP %d: %s", statusCode, body)
	switch {
	case statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		return NewTransientError(errors.New(msg))
	default:
		return NewPermanentError(errors.New(msg))
	}
}
