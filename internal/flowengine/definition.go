package flowengine

import (
	"context"
	"encoding/json"
	"time"
)

// ActivityFunc is the signature of every workflow activity. Input and output
// are JSON documents; the output of step N is the input of step N+1. Errors
// should be wrapped as TransientError or PermanentError so the retry loop
// can classify them.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// WorkflowDefinition describes a workflow type and its step sequence.
// Definitions are registered once at startup and referenced by type string.
type WorkflowDefinition interface {
	// Type is the unique workflow type identifier, e.g. "site_deployment".
	Type() string

	// Version is bumped when the step sequence changes. In-flight runs keep
	// executing the steps persisted at their submit time.
	Version() int

	// Steps returns the ordered step definitions.
	Steps() []StepDefinition
}

// StepDefinition describes one step. The retry policy and timeout are
// persisted with the run at submit time, so a definition change never alters
// the behavior of an in-flight run.
type StepDefinition struct {
	// Name labels the step, e.g. "register_dns".
	Name string

	// Action is the activity name executed on the forward path.
	Action string

	// Compensate is the activity name executed during rollback. Empty means
	// the step has nothing to undo.
	Compensate string

	// Retry controls the action's retry behavior. Nil uses DefaultRetryPolicy.
	Retry *RetryPolicy

	// Timeout bounds a single execution attempt. Zero uses DefaultStepTimeout.
	Timeout time.Duration
}

// RetryPolicy controls retries on transient failures. Backoff is
// deterministic: InitialInterval * 2^(attempt-1), capped at MaxInterval,
// no jitter. Deployment timing must be reproducible in the audit log.
type RetryPolicy struct {
	// MaxAttempts counts the first try. 1 means no retry.
	MaxAttempts int

	// InitialInterval is the delay before the second attempt.
	InitialInterval time.Duration

	// MaxInterval caps the exponential backoff.
	MaxInterval time.Duration
}

// Backoff returns the delay before the given attempt (attempt 1 is the
// first retry).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.InitialInterval
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if delay > p.MaxInterval {
		return p.MaxInterval
	}
	return delay
}

var (
	// DefaultRetryPolicy applies when a StepDefinition has no explicit Retry.
	DefaultRetryPolicy = RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     10 * time.Second,
	}

	// DefaultCompensateRetryPolicy is more aggressive: compensation must
	// succeed for the saga to settle consistently.
	DefaultCompensateRetryPolicy = RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}

	// DefaultStepTimeout bounds a single attempt when none is specified.
	DefaultStepTimeout = 90 * time.Second
)

// EffectiveRetry resolves the step's retry policy.
func (s StepDefinition) EffectiveRetry() RetryPolicy {
	if s.Retry != nil {
		return *s.Retry
	}
	return DefaultRetryPolicy
}

// EffectiveTimeout resolves the step's per-attempt timeout.
func (s StepDefinition) EffectiveTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultStepTimeout
}

// WorkflowState is the lifecycle state of a run.
type WorkflowState string

const (
	StatePending      WorkflowState = "pending"
	StateRunning      WorkflowState = "running"
	StateCompensating WorkflowState = "compensating"
	StateCompleted    WorkflowState = "completed"
	StateFailed       WorkflowState = "failed"
	StateCompensated  WorkflowState = "compensated"
)

// IsTerminal reports whether the run is settled.
func (s WorkflowState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCompensated
}

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepRunning      StepStatus = "running"
	StepCompleted    StepStatus = "completed"
	StepFailed       StepStatus = "failed"
	StepSkipped      StepStatus = "skipped"
	StepCompensating StepStatus = "compensating"
	StepCompensated  StepStatus = "compensated"
)

// EventType partitions the workflow_events audit log.
type EventType string

const (
	EventStateChange  EventType = "state_change"
	EventRetry        EventType = "retry"
	EventCompensation EventType = "compensation"
	EventError        EventType = "error"
)
