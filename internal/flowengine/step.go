package flowengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StepExecutor runs individual steps: idempotency check, activity
// resolution, retry loop, persisted status transitions.
type StepExecutor struct {
	store    *WorkflowStore
	registry *ActivityRegistry
}

// NewStepExecutor creates a step executor.
func NewStepExecutor(store *WorkflowStore, registry *ActivityRegistry) *StepExecutor {
	return &StepExecutor{store: store, registry: registry}
}

// ExecuteStepResult is the outcome of one step execution.
type ExecuteStepResult struct {
	Output json.RawMessage
	Err    error
	// Skipped is true when the step was already completed and the cached
	// output was returned (crash-recovery idempotency).
	Skipped bool
}

// ExecuteStep runs one step to a settled status. Already-completed steps
// return their cached output. The retry policy is the one persisted on the
// step row at submit time.
func (e *StepExecutor) ExecuteStep(ctx context.Context, workflow *WorkflowRun, step *WorkflowStep, input json.RawMessage) ExecuteStepResult {
	logger := log.With().
		Str("workflow_id", workflow.ID).
		Str("workflow_type", workflow.WorkflowType).
		Int("step_index", step.StepIndex).
		Str("step_name", step.StepName).
		Str("activity", step.ActivityName).
		Logger()

	if step.Status == StepCompleted {
		logger.Debug().Msg("Step already completed, returning cached output")
		cached, err := e.store.GetStepOutput(workflow.ID, step.StepIndex)
		if err != nil {
			return ExecuteStepResult{Err: fmt.Errorf("get cached output: %w", err)}
		}
		return ExecuteStepResult{Output: cached, Skipped: true}
	}

	activityFn, err := e.registry.Get(step.ActivityName)
	if err != nil {
		logger.Error().Err(err).Msg("Activity not found in registry")
		e.failStep(step, err)
		return ExecuteStepResult{Err: NewPermanentError(err)}
	}

	if err := e.store.UpdateStepStatus(step.ID, StepPending, StepRunning); err != nil {
		if errors.Is(err, ErrStepTransitionDenied) {
			logger.Warn().Str("current_status", string(step.Status)).Msg("Step transition denied, concurrent execution suspected")
			return ExecuteStepResult{Err: err}
		}
		return ExecuteStepResult{Err: fmt.Errorf("transition to running: %w", err)}
	}
	if input != nil {
		_ = e.store.UpdateStepInput(step.ID, input)
	}
	e.recordStepEvent(workflow.ID, step.StepIndex, EventStateChange, string(StepPending), string(StepRunning), "")

	output, execErr := e.executeWithRetry(ctx, logger, workflow.ID, step, activityFn, input, step.RetryPolicy(), step.Timeout)
	if execErr != nil {
		logger.Error().Err(execErr).Msg("Step execution failed")
		e.failStep(step, execErr)
		e.recordStepEvent(workflow.ID, step.StepIndex, EventError, string(StepRunning), string(StepFailed), execErr.Error())
		return ExecuteStepResult{Err: execErr}
	}

	if err := e.store.UpdateStepStatus(step.ID, StepRunning, StepCompleted); err != nil {
		return ExecuteStepResult{Output: output, Err: fmt.Errorf("mark completed: %w", err)}
	}
	if output != nil {
		_ = e.store.UpdateStepOutput(step.ID, output)
	}
	e.recordStepEvent(workflow.ID, step.StepIndex, EventStateChange, string(StepRunning), string(StepCompleted), "")
	logger.Info().Msg("Step completed")

	return ExecuteStepResult{Output: output}
}

// ExecuteCompensation runs a step's compensation activity. Compensation
// input bundles the step's original input and output, so the activity has
// everything it needs to reverse the action. Compensation must be idempotent.
func (e *StepExecutor) ExecuteCompensation(ctx context.Context, workflow *WorkflowRun, step *WorkflowStep) error {
	logger := log.With().
		Str("workflow_id", workflow.ID).
		Int("step_index", step.StepIndex).
		Str("step_name", step.StepName).
		Str("compensate", step.CompensateName).
		Logger()

	if step.CompensateName == "" {
		logger.Debug().Msg("No compensation activity defined, skipping")
		return nil
	}

	compensateFn, err := e.registry.Get(step.CompensateName)
	if err != nil {
		logger.Error().Err(err).Msg("Compensation activity not found")
		return NewPermanentError(err)
	}

	// The step may be completed, failed, or stuck running after a crash.
	moved := false
	for _, from := range []StepStatus{StepCompleted, StepFailed, StepRunning} {
		if e.store.UpdateStepStatus(step.ID, from, StepCompensating) == nil {
			moved = true
			break
		}
	}
	if !moved {
		logger.Warn().Str("status", string(step.Status)).Msg("Could not transition step to compensating")
	}
	e.recordStepEvent(workflow.ID, step.StepIndex, EventCompensation, string(step.Status), string(StepCompensating), "")

	input := buildCompensationInput(step)
	_, execErr := e.executeWithRetry(ctx, logger, workflow.ID, step, compensateFn, input, DefaultCompensateRetryPolicy, step.Timeout)
	if execErr != nil {
		logger.Error().Err(execErr).Msg("Compensation failed")
		_ = e.store.UpdateStepError(step.ID, execErr.Error())
		e.recordStepEvent(workflow.ID, step.StepIndex, EventError, string(StepCompensating), string(StepFailed), execErr.Error())
		return execErr
	}

	_ = e.store.UpdateStepStatus(step.ID, StepCompensating, StepCompensated)
	e.recordStepEvent(workflow.ID, step.StepIndex, EventCompensation, string(StepCompensating), string(StepCompensated), "")
	logger.Info().Msg("Step compensated")
	return nil
}

// executeWithRetry retries transient failures with the policy's deterministic
// backoff. Permanent errors fail immediately.
func (e *StepExecutor) executeWithRetry(
	ctx context.Context,
	logger zerolog.Logger,
	workflowID string,
	step *WorkflowStep,
	fn ActivityFunc,
	input json.RawMessage,
	policy RetryPolicy,
	timeout time.Duration,
) (json.RawMessage, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := policy.Backoff(attempt - 1)
			e.recordStepEvent(workflowID, step.StepIndex, EventRetry, "", "",
				fmt.Sprintf("attempt %d/%d, backoff %v", attempt, maxAttempts, delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		output, err := e.executeOnce(ctx, fn, input, timeout)
		if err == nil {
			return output, nil
		}

		lastErr = ClassifyError(err)
		if IsPermanent(lastErr) {
			return nil, lastErr
		}
		logger.Warn().Err(lastErr).Int("attempt", attempt).Int("max_attempts", maxAttempts).Msg("Step attempt failed")
	}

	return nil, fmt.Errorf("exhausted %d attempts: %w", maxAttempts, lastErr)
}

// executeOnce runs a single attempt under the step's persisted timeout.
func (e *StepExecutor) executeOnce(ctx context.Context, fn ActivityFunc, input json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(stepCtx, input)
}

func (e *StepExecutor) failStep(step *WorkflowStep, err error) {
	_ = e.store.UpdateStepError(step.ID, err.Error())
	if transErr := e.store.UpdateStepStatus(step.ID, StepRunning, StepFailed); transErr != nil {
		_ = e.store.UpdateStepStatus(step.ID, StepPending, StepFailed)
	}
}

func (e *StepExecutor) recordStepEvent(workflowID string, stepIndex int, eventType EventType, oldState, newState, detail string) {
	_ = e.store.RecordEvent(workflowID, &stepIndex, eventType, oldState, newState, detail, "")
}

// buildCompensationInput bundles the step's original input and output.
func buildCompensationInput(step *WorkflowStep) json.RawMessage {
	type compInput struct {
		OriginalInput  json.RawMessage `json:"original_input,omitempty"`
		OriginalOutput json.RawMessage `json:"original_output,omitempty"`
	}
	data, err := json.Marshal(compInput{
		OriginalInput:  step.Input,
		OriginalOutput: step.Output,
	})
	if err != nil {
		return nil
	}
	return data
}
