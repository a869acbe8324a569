package flowengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SagaOrchestrator runs a workflow's forward path step by step, piping each
// step's output into the next step's input, and walks the persisted step
// record in reverse to compensate when a step fails. Every transition is
// persisted, so execution resumes from the last settled step after a crash.
type SagaOrchestrator struct {
	store    *WorkflowStore
	executor *StepExecutor
	nodeID   string
}

// NewSagaOrchestrator creates a saga orchestrator.
func NewSagaOrchestrator(store *WorkflowStore, executor *StepExecutor, nodeID string) *SagaOrchestrator {
	return &SagaOrchestrator{store: store, executor: executor, nodeID: nodeID}
}

// Execute drives a run to a terminal state: completed on full forward
// success, compensated when rollback settles cleanly, failed when a
// compensation itself fails. Already-completed steps are skipped, so a
// crashed run continues where it stopped.
func (s *SagaOrchestrator) Execute(ctx context.Context, workflow *WorkflowRun) error {
	logger := log.With().
		Str("workflow_id", workflow.ID).
		Str("workflow_type", workflow.WorkflowType).
		Int("version", workflow.Version).
		Logger()

	// A crash mid-rollback leaves the run compensating. Resume the walk.
	if workflow.CurrentState == StateCompensating {
		logger.Info().Msg("Resuming compensation")
		return s.compensate(ctx, logger, workflow, workflow.CurrentStep)
	}

	if workflow.CurrentState == StatePending {
		if err := s.store.UpdateWorkflowState(workflow.ID, StateRunning, 0); err != nil {
			return fmt.Errorf("transition to running: %w", err)
		}
		s.recordWorkflowEvent(workflow.ID, EventStateChange, string(StatePending), string(StateRunning), "")
	}

	steps, err := s.store.GetWorkflowSteps(workflow.ID)
	if err != nil {
		return fmt.Errorf("get workflow steps: %w", err)
	}
	if len(steps) == 0 {
		return s.completeWorkflow(logger, workflow, nil)
	}

	// Skip steps already completed before a crash, carrying their cached
	// output forward into the pipeline.
	lastOutput := workflow.Input
	startStep := 0
	for i, step := range steps {
		if step.Status != StepCompleted {
			break
		}
		if cached, cacheErr := s.store.GetStepOutput(workflow.ID, step.StepIndex); cacheErr == nil && cached != nil {
			lastOutput = cached
		}
		startStep = i + 1
	}

	for i := startStep; i < len(steps); i++ {
		step := steps[i]
		if err := s.store.UpdateWorkflowState(workflow.ID, StateRunning, i); err != nil {
			logger.Error().Err(err).Int("step", i).Msg("Failed to update current step")
		}

		stepInput := lastOutput
		if i == 0 {
			stepInput = workflow.Input
		}

		logger.Info().
			Int("step_index", i).
			Str("step_name", step.StepName).
			Str("activity", step.ActivityName).
			Msg("Executing step")

		result := s.executor.ExecuteStep(ctx, workflow, &step, stepInput)
		if result.Err != nil {
			logger.Error().Err(result.Err).
				Int("step_index", i).
				Str("step_name", step.StepName).
				Msg("Step failed, starting compensation")

			runErr := fmt.Sprintf("step %d (%s) failed: %v", i, step.StepName, result.Err)
			_ = s.store.UpdateWorkflowError(workflow.ID, StateCompensating, runErr)
			s.recordWorkflowEvent(workflow.ID, EventStateChange, string(StateRunning), string(StateCompensating), runErr)

			return s.compensate(ctx, logger, workflow, i)
		}

		if result.Output != nil {
			lastOutput = result.Output
		}
	}

	return s.completeWorkflow(logger, workflow, lastOutput)
}

// compensate walks the step record in reverse starting at the failed step
// itself: a step that fails midway may already have created resources, so
// its own compensation runs first, then the completed steps before it.
// Steps without a compensation activity and steps already compensated are
// skipped; remaining compensations run best-effort even if one of them fails.
func (s *SagaOrchestrator) compensate(ctx context.Context, logger zerolog.Logger, workflow *WorkflowRun, failedAtStep int) error {
	steps, err := s.store.GetWorkflowSteps(workflow.ID)
	if err != nil {
		return fmt.Errorf("get steps for compensation: %w", err)
	}

	compensateFrom := failedAtStep
	if compensateFrom >= len(steps) {
		compensateFrom = len(steps) - 1
	}

	var compensationErr error
	for i := compensateFrom; i >= 0; i-- {
		step := steps[i]

		if step.Status != StepCompleted && step.Status != StepRunning &&
			step.Status != StepFailed && step.Status != StepCompensating {
			continue
		}
		if step.CompensateName == "" {
			logger.Debug().Int("step_index", i).Str("step_name", step.StepName).Msg("No compensation defined, skipping")
			continue
		}

		_ = s.store.UpdateWorkflowState(workflow.ID, StateCompensating, i)
		logger.Info().
			Int("step_index", i).
			Str("step_name", step.StepName).
			Str("compensate", step.CompensateName).
			Msg("Compensating step")

		if err := s.executor.ExecuteCompensation(ctx, workflow, &step); err != nil {
			logger.Error().Err(err).Int("step_index", i).Str("step_name", step.StepName).Msg("Compensation failed")
			compensationErr = err
		}
	}

	if compensationErr != nil {
		_ = s.store.UpdateWorkflowError(workflow.ID, StateFailed,
			fmt.Sprintf("compensation partially failed: %v", compensationErr))
		s.recordWorkflowEvent(workflow.ID, EventStateChange, string(StateCompensating), string(StateFailed),
			fmt.Sprintf("compensation error: %v", compensationErr))
		return compensationErr
	}

	_ = s.store.UpdateWorkflowState(workflow.ID, StateCompensated, 0)
	s.recordWorkflowEvent(workflow.ID, EventStateChange, string(StateCompensating), string(StateCompensated), "all steps compensated")
	logger.Info().Msg("Workflow fully compensated")
	return nil
}

func (s *SagaOrchestrator) completeWorkflow(logger zerolog.Logger, workflow *WorkflowRun, output json.RawMessage) error {
	if err := s.store.UpdateWorkflowOutput(workflow.ID, StateCompleted, output); err != nil {
		return fmt.Errorf("mark workflow completed: %w", err)
	}
	s.recordWorkflowEvent(workflow.ID, EventStateChange, string(StateRunning), string(StateCompleted), "")
	logger.Info().Msg("Workflow completed")
	return nil
}

func (s *SagaOrchestrator) recordWorkflowEvent(workflowID string, eventType EventType, oldState, newState, detail string) {
	_ = s.store.RecordEvent(workflowID, nil, eventType, oldState, newState, detail, s.nodeID)
}

// ExecuteWithTimeout bounds a whole run. Per-attempt timeouts are handled by
// the step executor from the persisted step rows.
func (s *SagaOrchestrator) ExecuteWithTimeout(ctx context.Context, workflow *WorkflowRun, timeout time.Duration) error {
	if timeout <= 0 {
		return s.Execute(ctx, workflow)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.Execute(ctx, workflow)
}
