package flowengine

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkflowRun is a row in workflow_runs.
type WorkflowRun struct {
	ID           string          `json:"id"`
	WorkflowType string          `json:"workflow_type"`
	Version      int             `json:"version"`
	ExternalID   string          `json:"external_id,omitempty"`
	CurrentState WorkflowState   `json:"current_state"`
	CurrentStep  int             `json:"current_step"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	LockedBy     string          `json:"locked_by,omitempty"`
	LockedUntil  *time.Time      `json:"locked_until,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// WorkflowStep is a row in workflow_steps. The retry policy and timeout are
// snapshot from the StepDefinition at submit time and drive execution, so a
// redeployed definition never changes an in-flight run.
type WorkflowStep struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	StepIndex      int             `json:"step_index"`
	StepName       string          `json:"step_name"`
	ActivityName   string          `json:"activity_name"`
	CompensateName string          `json:"compensate_name,omitempty"`
	MaxAttempts    int             `json:"max_attempts"`
	BackoffInitial time.Duration   `json:"backoff_initial"`
	BackoffMax     time.Duration   `json:"backoff_max"`
	Timeout        time.Duration   `json:"timeout"`
	Status         StepStatus      `json:"status"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// RetryPolicy reconstructs the persisted policy for this step.
func (s *WorkflowStep) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     s.MaxAttempts,
		InitialInterval: s.BackoffInitial,
		MaxInterval:     s.BackoffMax,
	}
}

// WorkflowEvent is a row in the workflow_events audit log.
type WorkflowEvent struct {
	ID         int64     `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	StepIndex  *int      `json:"step_index,omitempty"`
	EventType  EventType `json:"event_type"`
	OldState   string    `json:"old_state,omitempty"`
	NewState   string    `json:"new_state,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	NodeID     string    `json:"node_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// WorkflowStore provides workflow persistence. All methods are safe for
// concurrent use; SQLite WAL plus busy_timeout handles contention.
type WorkflowStore struct {
	db *sql.DB
}

// NewWorkflowStore creates a store backed by the given database.
func NewWorkflowStore(db *sql.DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

// CreateWorkflowParams holds the parameters for a new run.
type CreateWorkflowParams struct {
	WorkflowType string
	Version      int
	ExternalID   string          // admission key, e.g. the site ID
	Input        json.RawMessage // workflow-level input
	Metadata     json.RawMessage // extensible JSON bag
	Steps        []StepDefinition
}

// CreateWorkflow inserts a run and its step rows atomically, snapshotting
// each step's effective retry policy and timeout. Returns ErrDuplicateWorkflow
// when an active run with the same type + external_id exists.
func (s *WorkflowStore) CreateWorkflow(params CreateWorkflowParams) (*WorkflowRun, error) {
	if params.Version < 1 {
		params.Version = 1
	}
	if params.Metadata == nil {
		params.Metadata = json.RawMessage(`{}`)
	}

	workflowID := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO workflow_runs (id, workflow_type, version, external_id, current_state,
			current_step, input, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		workflowID, params.WorkflowType, params.Version,
		nullableString(params.ExternalID),
		string(StatePending),
		nullableJSON(params.Input),
		string(params.Metadata),
		now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: type=%s external_id=%s", ErrDuplicateWorkflow, params.WorkflowType, params.ExternalID)
		}
		return nil, fmt.Errorf("insert workflow: %w", err)
	}

	for i, step := range params.Steps {
		retry := step.EffectiveRetry()
		_, err = tx.Exec(`
			INSERT INTO workflow_steps (id, workflow_id, step_index, step_name,
				activity_name, compensate_name, max_attempts, backoff_initial_ms,
				backoff_max_ms, timeout_ms, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), workflowID, i, step.Name,
			step.Action, step.Compensate,
			retry.MaxAttempts,
			retry.InitialInterval.Milliseconds(),
			retry.MaxInterval.Milliseconds(),
			step.EffectiveTimeout().Milliseconds(),
			string(StepPending),
		)
		if err != nil {
			return nil, fmt.Errorf("insert step %d (%s): %w", i, step.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &WorkflowRun{
		ID:           workflowID,
		WorkflowType: params.WorkflowType,
		Version:      params.Version,
		ExternalID:   params.ExternalID,
		CurrentState: StatePending,
		Input:        params.Input,
		Metadata:     params.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetWorkflow retrieves a run by ID.
func (s *WorkflowStore) GetWorkflow(id string) (*WorkflowRun, error) {
	row := s.db.QueryRow(`
		SELECT id, workflow_type, version, external_id, current_state, current_step,
			input, output, error, metadata, locked_by, locked_until, created_at, updated_at
		FROM workflow_runs WHERE id = ?`, id)
	wf, err := scanWorkflowRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrWorkflowNotFound
	}
	return wf, err
}

// GetWorkflowByExternalID retrieves the active run for type + external_id,
// or nil when none exists.
func (s *WorkflowStore) GetWorkflowByExternalID(workflowType, externalID string) (*WorkflowRun, error) {
	row := s.db.QueryRow(`
		SELECT id, workflow_type, version, external_id, current_state, current_step,
			input, output, error, metadata, locked_by, locked_until, created_at, updated_at
		FROM workflow_runs
		WHERE workflow_type = ? AND external_id = ?
			AND current_state NOT IN ('completed', 'failed', 'compensated')
		LIMIT 1`, workflowType, externalID)
	wf, err := scanWorkflowRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return wf, err
}

// GetWorkflowSteps retrieves all steps for a run, ordered by index.
func (s *WorkflowStore) GetWorkflowSteps(workflowID string) ([]WorkflowStep, error) {
	rows, err := s.db.Query(`
		SELECT id, workflow_id, step_index, step_name, activity_name, compensate_name,
			max_attempts, backoff_initial_ms, backoff_max_ms, timeout_ms,
			status, input, output, error, started_at, completed_at
		FROM workflow_steps
		WHERE workflow_id = ?
		ORDER BY step_index ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []WorkflowStep
	for rows.Next() {
		step, err := scanWorkflowStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

// GetIncompleteWorkflows retrieves all non-terminal runs, oldest first.
// Used by the poll loop and by crash recovery at startup.
func (s *WorkflowStore) GetIncompleteWorkflows() ([]WorkflowRun, error) {
	rows, err := s.db.Query(`
		SELECT id, workflow_type, version, external_id, current_state, current_step,
			input, output, error, metadata, locked_by, locked_until, created_at, updated_at
		FROM workflow_runs
		WHERE current_state IN ('pending', 'running', 'compensating')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query incomplete: %w", err)
	}
	defer rows.Close()

	var workflows []WorkflowRun
	for rows.Next() {
		wf, err := scanWorkflowRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, *wf)
	}
	return workflows, rows.Err()
}

// UpdateWorkflowState sets the run's state and current step index.
func (s *WorkflowStore) UpdateWorkflowState(id string, state WorkflowState, currentStep int) error {
	res, err := s.db.Exec(`
		UPDATE workflow_runs SET current_state = ?, current_step = ?, updated_at = ?
		WHERE id = ?`,
		string(state), currentStep, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update workflow state: %w", err)
	}
	return checkRowsAffected(res, id)
}

// UpdateWorkflowOutput sets the final output and state.
func (s *WorkflowStore) UpdateWorkflowOutput(id string, state WorkflowState, output json.RawMessage) error {
	res, err := s.db.Exec(`
		UPDATE workflow_runs SET current_state = ?, output = ?, updated_at = ?
		WHERE id = ?`,
		string(state), nullableJSON(output), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update workflow output: %w", err)
	}
	return checkRowsAffected(res, id)
}

// UpdateWorkflowError sets the error message and state.
func (s *WorkflowStore) UpdateWorkflowError(id string, state WorkflowState, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE workflow_runs SET current_state = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		string(state), errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update workflow error: %w", err)
	}
	return checkRowsAffected(res, id)
}

// UpdateStepStatus transitions a step from expected to next status as a
// compare-and-swap. Returns ErrStepTransitionDenied when the row moved.
func (s *WorkflowStore) UpdateStepStatus(stepID string, expected, next StepStatus) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE workflow_steps
		SET status = ?,
			started_at = CASE WHEN ? = 'running' AND started_at IS NULL THEN ? ELSE started_at END,
			completed_at = CASE WHEN ? IN ('completed', 'failed', 'compensated') THEN ? ELSE completed_at END
		WHERE id = ? AND status = ?`,
		string(next),
		string(next), now,
		string(next), now,
		stepID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update step status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: step=%s expected=%s", ErrStepTransitionDenied, stepID, expected)
	}
	return nil
}

// UpdateStepOutput caches a step's output for crash recovery and pipelining.
func (s *WorkflowStore) UpdateStepOutput(stepID string, output json.RawMessage) error {
	if _, err := s.db.Exec(`UPDATE workflow_steps SET output = ? WHERE id = ?`,
		nullableJSON(output), stepID); err != nil {
		return fmt.Errorf("update step output: %w", err)
	}
	return nil
}

// UpdateStepError records a step's failure message.
func (s *WorkflowStore) UpdateStepError(stepID string, errMsg string) error {
	if _, err := s.db.Exec(`UPDATE workflow_steps SET error = ? WHERE id = ?`,
		errMsg, stepID); err != nil {
		return fmt.Errorf("update step error: %w", err)
	}
	return nil
}

// UpdateStepInput records the input actually fed to a step.
func (s *WorkflowStore) UpdateStepInput(stepID string, input json.RawMessage) error {
	if _, err := s.db.Exec(`UPDATE workflow_steps SET input = ? WHERE id = ?`,
		nullableJSON(input), stepID); err != nil {
		return fmt.Errorf("update step input: %w", err)
	}
	return nil
}

// GetStepOutput retrieves the cached output of a completed step, or nil.
func (s *WorkflowStore) GetStepOutput(workflowID string, stepIndex int) (json.RawMessage, error) {
	var output sql.NullString
	err := s.db.QueryRow(`
		SELECT output FROM workflow_steps
		WHERE workflow_id = ? AND step_index = ? AND status = 'completed'`,
		workflowID, stepIndex).Scan(&output)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get step output: %w", err)
	}
	if !output.Valid || output.String == "" {
		return nil, nil
	}
	return json.RawMessage(output.String), nil
}

// RecordEvent appends to the workflow_events audit log.
func (s *WorkflowStore) RecordEvent(workflowID string, stepIndex *int, eventType EventType, oldState, newState, detail, nodeID string) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_events (workflow_id, step_index, event_type,
			old_state, new_state, detail, node_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		workflowID, stepIndex, string(eventType),
		nullableString(oldState), nullableString(newState),
		nullableString(detail), nullableString(nodeID),
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// GetWorkflowEvents retrieves the audit log for a run, oldest first.
func (s *WorkflowStore) GetWorkflowEvents(workflowID string) ([]WorkflowEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, workflow_id, step_index, event_type, old_state, new_state,
			detail, node_id, created_at
		FROM workflow_events
		WHERE workflow_id = ?
		ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []WorkflowEvent
	for rows.Next() {
		var ev WorkflowEvent
		var stepIndex sql.NullInt64
		var oldState, newState, detail, nodeID sql.NullString
		err := rows.Scan(&ev.ID, &ev.WorkflowID, &stepIndex, &ev.EventType,
			&oldState, &newState, &detail, &nodeID, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if stepIndex.Valid {
			idx := int(stepIndex.Int64)
			ev.StepIndex = &idx
		}
		ev.OldState = oldState.String
		ev.NewState = newState.String
		ev.Detail = detail.String
		ev.NodeID = nodeID.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LockWorkflow acquires an exclusive processing lock. Optimistic: succeeds
// only when the run is unlocked or the previous lock expired.
func (s *WorkflowStore) LockWorkflow(id, nodeID string, duration time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE workflow_runs SET locked_by = ?, locked_until = ?, updated_at = ?
		WHERE id = ? AND (locked_until IS NULL OR locked_until < ?)`,
		nodeID, now.Add(duration), now, id, now)
	if err != nil {
		return false, fmt.Errorf("lock workflow: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// UnlockWorkflow releases the processing lock.
func (s *WorkflowStore) UnlockWorkflow(id string) error {
	if _, err := s.db.Exec(`
		UPDATE workflow_runs SET locked_by = NULL, locked_until = NULL, updated_at = ?
		WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("unlock workflow: %w", err)
	}
	return nil
}

// ReleaseExpiredLocks clears locks whose locked_until has passed, so runs
// held by a crashed node become eligible again.
func (s *WorkflowStore) ReleaseExpiredLocks() (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE workflow_runs SET locked_by = NULL, locked_until = NULL, updated_at = ?
		WHERE locked_until IS NOT NULL AND locked_until < ?
			AND current_state NOT IN ('completed', 'failed', 'compensated')`,
		now, now)
	if err != nil {
		return 0, fmt.Errorf("release expired locks: %w", err)
	}
	return res.RowsAffected()
}

func scanWorkflowRun(scan func(dest ...interface{}) error) (*WorkflowRun, error) {
	var wf WorkflowRun
	var externalID, input, output, errMsg, metadata, lockedBy sql.NullString
	var lockedUntil sql.NullTime

	err := scan(&wf.ID, &wf.WorkflowType, &wf.Version, &externalID,
		&wf.CurrentState, &wf.CurrentStep,
		&input, &output, &errMsg, &metadata,
		&lockedBy, &lockedUntil,
		&wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}

	wf.ExternalID = externalID.String
	if input.Valid {
		wf.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		wf.Output = json.RawMessage(output.String)
	}
	wf.Error = errMsg.String
	if metadata.Valid {
		wf.Metadata = json.RawMessage(metadata.String)
	}
	wf.LockedBy = lockedBy.String
	if lockedUntil.Valid {
		wf.LockedUntil = &lockedUntil.Time
	}
	return &wf, nil
}

func scanWorkflowStep(rows *sql.Rows) (*WorkflowStep, error) {
	var step WorkflowStep
	var input, output, errMsg, compensateName sql.NullString
	var startedAt, completedAt sql.NullTime
	var backoffInitialMs, backoffMaxMs, timeoutMs int64

	err := rows.Scan(&step.ID, &step.WorkflowID, &step.StepIndex, &step.StepName,
		&step.ActivityName, &compensateName,
		&step.MaxAttempts, &backoffInitialMs, &backoffMaxMs, &timeoutMs,
		&step.Status, &input, &output, &errMsg,
		&startedAt, &completedAt)
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}

	step.CompensateName = compensateName.String
	step.BackoffInitial = time.Duration(backoffInitialMs) * time.Millisecond
	step.BackoffMax = time.Duration(backoffMaxMs) * time.Millisecond
	step.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if input.Valid {
		step.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		step.Output = json.RawMessage(output.String)
	}
	step.Error = errMsg.String
	if startedAt.Valid {
		step.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		step.CompletedAt = &completedAt.Time
	}
	return &step, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(data json.RawMessage) interface{} {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func checkRowsAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}
