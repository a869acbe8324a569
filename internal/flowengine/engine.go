package flowengine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// EngineConfig holds tunables for the WorkflowEngine.
type EngineConfig struct {
	// ActivePollInterval is the poll cadence while non-terminal runs exist.
	ActivePollInterval time.Duration

	// IdlePollInterval is the poll cadence when the system is idle.
	IdlePollInterval time.Duration

	// ReaperInterval is how often expired locks are released.
	ReaperInterval time.Duration

	// LockDuration is how long a processing lock is held before the reaper
	// may take it back.
	LockDuration time.Duration

	// WorkflowTimeout bounds one full execution of a run.
	WorkflowTimeout time.Duration
}

// DefaultEngineConfig returns engine defaults tuned for deployment
// workflows, whose steps wait on server provisioning.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ActivePollInterval: 200 * time.Millisecond,
		IdlePollInterval:   2 * time.Second,
		ReaperInterval:     30 * time.Second,
		LockDuration:       5 * time.Minute,
		WorkflowTimeout:    30 * time.Minute,
	}
}

// CompletionHook fires after a run reaches a terminal state. It receives the
// settled run so continuations can read its input, output and error. Hooks
// run asynchronously and must be idempotent: crash recovery can replay a
// terminal transition.
type CompletionHook func(run *WorkflowRun)

// WorkflowEngine is the orchestration entry point: submission, polling,
// execution, crash recovery, lock reaping.
//
// Two background goroutines run after Start: the poll loop picks one
// lockable run at a time and drives it through the saga orchestrator, and
// the reaper releases locks left behind by a crashed node. Submit is safe
// for concurrent use. Execution is single-threaded on purpose: the SQLite
// store has one writer.
type WorkflowEngine struct {
	store  *WorkflowStore
	saga   *SagaOrchestrator
	config EngineConfig
	nodeID string

	defMu       sync.RWMutex
	definitions map[string]WorkflowDefinition

	hookMu          sync.RWMutex
	completionHooks map[string]CompletionHook

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorkflowEngine creates an engine. Register workflow definitions and
// completion hooks, then call Start.
func NewWorkflowEngine(store *WorkflowStore, registry *ActivityRegistry, config EngineConfig) *WorkflowEngine {
	nodeID := resolveNodeID()
	executor := NewStepExecutor(store, registry)

	return &WorkflowEngine{
		store:           store,
		saga:            NewSagaOrchestrator(store, executor, nodeID),
		config:          config,
		nodeID:          nodeID,
		definitions:     make(map[string]WorkflowDefinition),
		completionHooks: make(map[string]CompletionHook),
	}
}

// RegisterWorkflow adds a workflow definition. Call before Start.
func (e *WorkflowEngine) RegisterWorkflow(def WorkflowDefinition) error {
	e.defMu.Lock()
	defer e.defMu.Unlock()

	wfType := def.Type()
	if _, exists := e.definitions[wfType]; exists {
		return fmt.Errorf("workflow type %q already registered", wfType)
	}
	e.definitions[wfType] = def

	log.Info().
		Str("type", wfType).
		Int("version", def.Version()).
		Int("steps", len(def.Steps())).
		Msg("Registered workflow definition")
	return nil
}

func (e *WorkflowEngine) getDefinition(wfType string) (WorkflowDefinition, bool) {
	e.defMu.RLock()
	defer e.defMu.RUnlock()
	def, ok := e.definitions[wfType]
	return def, ok
}

// OnCompletion registers the terminal-state continuation for a workflow
// type. The domain layers use these to settle status, ledger and
// notifications after a run finishes.
func (e *WorkflowEngine) OnCompletion(workflowType string, hook CompletionHook) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.completionHooks[workflowType] = hook
	log.Info().Str("type", workflowType).Msg("Registered completion hook")
}

func (e *WorkflowEngine) fireCompletionHook(run *WorkflowRun) {
	e.hookMu.RLock()
	hook, ok := e.completionHooks[run.WorkflowType]
	e.hookMu.RUnlock()
	if !ok {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("type", run.WorkflowType).
					Str("workflow_id", run.ID).
					Msg("Completion hook panicked")
			}
		}()
		hook(run)
	}()
}

// SubmitParams holds parameters for a new run.
type SubmitParams struct {
	WorkflowType string
	ExternalID   string          // admission key, e.g. the entity ID
	Input        json.RawMessage // workflow-level input
	Metadata     json.RawMessage // extensible JSON bag
}

// Submit creates a run and leaves it for the poll loop. Returns
// ErrDuplicateWorkflow when an active run for the same type + external_id
// exists; the partial unique index makes this race-free.
func (e *WorkflowEngine) Submit(ctx context.Context, params SubmitParams) (*WorkflowRun, error) {
	def, ok := e.getDefinition(params.WorkflowType)
	if !ok {
		return nil, fmt.Errorf("unknown workflow type: %s", params.WorkflowType)
	}

	wf, err := e.store.CreateWorkflow(CreateWorkflowParams{
		WorkflowType: params.WorkflowType,
		Version:      def.Version(),
		ExternalID:   params.ExternalID,
		Input:        params.Input,
		Metadata:     params.Metadata,
		Steps:        def.Steps(),
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("workflow_id", wf.ID).
		Str("type", params.WorkflowType).
		Str("external_id", params.ExternalID).
		Msg("Workflow submitted")
	return wf, nil
}

// Start recovers incomplete runs, then launches the poll and reaper loops.
func (e *WorkflowEngine) Start(ctx context.Context) error {
	if e.running.Load() {
		return fmt.Errorf("engine already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running.Store(true)

	log.Info().
		Str("node_id", e.nodeID).
		Dur("active_poll", e.config.ActivePollInterval).
		Dur("idle_poll", e.config.IdlePollInterval).
		Dur("reaper", e.config.ReaperInterval).
		Msg("Starting workflow engine")

	if err := e.recover(); err != nil {
		log.Error().Err(err).Msg("Workflow recovery failed (continuing)")
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.pollLoop(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.reaperLoop(ctx)
	}()
	return nil
}

// Stop shuts down gracefully, waiting for the loops to exit.
func (e *WorkflowEngine) Stop() {
	if !e.running.Load() {
		return
	}
	log.Info().Msg("Stopping workflow engine")
	e.cancel()
	e.wg.Wait()
	e.running.Store(false)
	log.Info().Msg("Workflow engine stopped")
}

// IsRunning reports whether the loops are active.
func (e *WorkflowEngine) IsRunning() bool {
	return e.running.Load()
}

// NodeID returns this engine's lock owner identifier.
func (e *WorkflowEngine) NodeID() string {
	return e.nodeID
}

// recover releases locks left by a previous process so the poll loop can
// pick the runs up again. Execution state itself needs no repair: the saga
// resumes from the persisted step record.
func (e *WorkflowEngine) recover() error {
	incomplete, err := e.store.GetIncompleteWorkflows()
	if err != nil {
		return fmt.Errorf("query incomplete workflows: %w", err)
	}
	if len(incomplete) == 0 {
		log.Debug().Msg("No incomplete workflows to recover")
		return nil
	}

	log.Info().Int("count", len(incomplete)).Msg("Recovering incomplete workflows")
	for _, wf := range incomplete {
		_ = e.store.UnlockWorkflow(wf.ID)
		log.Info().
			Str("workflow_id", wf.ID).
			Str("type", wf.WorkflowType).
			Str("state", string(wf.CurrentState)).
			Int("step", wf.CurrentStep).
			Msg("Marked workflow for recovery")
	}
	return nil
}

// pollLoop checks for non-terminal runs and executes them one at a time.
// Polling is adaptive: fast while work exists, slow when idle.
func (e *WorkflowEngine) pollLoop(ctx context.Context) {
	log.Debug().Msg("Workflow poll loop started")

	for {
		interval := e.config.IdlePollInterval

		incomplete, err := e.store.GetIncompleteWorkflows()
		if err != nil {
			log.Error().Err(err).Msg("Poll loop: query incomplete workflows failed")
		} else if len(incomplete) > 0 {
			interval = e.config.ActivePollInterval
			e.processNextWorkflow(ctx, incomplete)
		}

		select {
		case <-ctx.Done():
			log.Debug().Msg("Workflow poll loop stopped")
			return
		case <-time.After(interval):
		}
	}
}

// processNextWorkflow locks and executes the first available candidate.
func (e *WorkflowEngine) processNextWorkflow(ctx context.Context, candidates []WorkflowRun) {
	for _, wf := range candidates {
		locked, err := e.store.LockWorkflow(wf.ID, e.nodeID, e.config.LockDuration)
		if err != nil {
			log.Error().Err(err).Str("workflow_id", wf.ID).Msg("Failed to lock workflow")
			continue
		}
		if !locked {
			continue
		}

		if _, ok := e.getDefinition(wf.WorkflowType); !ok {
			log.Warn().
				Str("workflow_id", wf.ID).
				Str("type", wf.WorkflowType).
				Msg("No definition registered for workflow type, skipping")
			_ = e.store.UnlockWorkflow(wf.ID)
			continue
		}

		log.Info().
			Str("workflow_id", wf.ID).
			Str("type", wf.WorkflowType).
			Str("state", string(wf.CurrentState)).
			Msg("Executing workflow")

		if execErr := e.saga.ExecuteWithTimeout(ctx, &wf, e.config.WorkflowTimeout); execErr != nil {
			log.Error().Err(execErr).Str("workflow_id", wf.ID).Msg("Workflow execution error")
		}

		_ = e.store.UnlockWorkflow(wf.ID)

		if updated, getErr := e.store.GetWorkflow(wf.ID); getErr == nil && updated.CurrentState.IsTerminal() {
			e.fireCompletionHook(updated)
		}

		// One run per poll tick; the store has a single writer.
		return
	}
}

// reaperLoop periodically releases expired locks so runs held by a crashed
// node become eligible again.
func (e *WorkflowEngine) reaperLoop(ctx context.Context) {
	log.Debug().Msg("Workflow reaper started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Workflow reaper stopped")
			return
		case <-time.After(e.config.ReaperInterval):
		}

		released, err := e.store.ReleaseExpiredLocks()
		if err != nil {
			log.Error().Err(err).Msg("Reaper: release expired locks failed")
			continue
		}
		if released > 0 {
			log.Info().Int64("released", released).Msg("Reaper: released expired workflow locks")
		}
	}
}

func resolveNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
