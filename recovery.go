package conductor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"
)

// RecoveryStrategy names one of the fixed recovery behaviors.
type RecoveryStrategy string

const (
	StrategyRestoreCheckpoint  RecoveryStrategy = "restore-checkpoint"
	StrategyRetry              RecoveryStrategy = "retry-with-backoff"
	StrategyResetPhase         RecoveryStrategy = "reset-phase"
	StrategySkipWorker         RecoveryStrategy = "skip-worker"
	StrategySafeMode           RecoveryStrategy = "safe-mode"
	StrategyManualIntervention RecoveryStrategy = "manual-intervention"
)

// RecoveryContext carries the workflow context an error occurred in.
type RecoveryContext struct {
	Instance   *WorkflowInstance
	Definition *WorkflowDefinition
	Worker     string
}

// RecoveryResult reports what the engine did about an error.
type RecoveryResult struct {
	Strategy RecoveryStrategy

	// Retry signals the caller should re-invoke the failed operation after
	// an exponential-backoff delay.
	Retry bool

	// Recovered signals the failure was resolved in place and execution may
	// continue without re-running the failed operation.
	Recovered bool

	// Instance is the replacement instance after a checkpoint restore, nil
	// otherwise.
	Instance *WorkflowInstance

	Message string

	// Instructions lists the exact CLI invocations the operator should run
	// next, in order, when the strategy requires manual intervention.
	Instructions []string
}

// RecoveryEngineOptions configures a RecoveryEngine.
type RecoveryEngineOptions struct {
	Store       StateStore
	Checkpoints *CheckpointManager
	ErrorLog    ErrorLogger
	Logger      *slog.Logger
	Clock       func() time.Time
}

// RecoveryEngine classifies failures into the error taxonomy, maps them to a
// recovery strategy, executes the strategy, and durably logs the incident
// and its outcome.
type RecoveryEngine struct {
	store       StateStore
	checkpoints *CheckpointManager
	errorLog    ErrorLogger
	logger      *slog.Logger
	clock       func() time.Time
}

// NewRecoveryEngine creates a recovery engine
func NewRecoveryEngine(opts RecoveryEngineOptions) (*RecoveryEngine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if opts.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint manager is required")
	}
	if opts.ErrorLog == nil {
		opts.ErrorLog = NewNullErrorLogger()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &RecoveryEngine{
		store:       opts.Store,
		checkpoints: opts.Checkpoints,
		errorLog:    opts.ErrorLog,
		logger:      opts.Logger,
		clock:       opts.Clock,
	}, nil
}

// StrategyFor maps a classified error to its default recovery strategy.
func (e *RecoveryEngine) StrategyFor(oerr *OrchestrationError) RecoveryStrategy {
	switch oerr.Kind {
	case ErrorKindStateCorruption:
		return StrategyRestoreCheckpoint
	case ErrorKindFileAccess:
		if oerr.Retryable {
			return StrategyRetry
		}
		return StrategyManualIntervention
	case ErrorKindInvalidPhase:
		return StrategyResetPhase
	case ErrorKindInvalidWorkflowType:
		return StrategyManualIntervention
	case ErrorKindWorkerFailure:
		if oerr.Critical {
			return StrategyManualIntervention
		}
		return StrategySkipWorker
	case ErrorKindNetwork:
		return StrategyRetry
	case ErrorKindRecoveryFailed:
		return StrategyManualIntervention
	default:
		return StrategySafeMode
	}
}

// Handle logs the error with full context, executes the mapped recovery
// strategy, and appends the outcome to the same durable incident record. A
// failure inside the strategy itself escalates to manual intervention and
// never loops back through recovery.
func (e *RecoveryEngine) Handle(ctx context.Context, cause error, rctx RecoveryContext) (*RecoveryResult, error) {
	oerr := Classify(cause)
	strategy := e.StrategyFor(oerr)

	record := &ErrorRecord{
		ID:       NewErrorRecordID(),
		Time:     e.clock(),
		Kind:     oerr.Kind,
		Cause:    oerr.Cause,
		Details:  oerr.Details,
		Worker:   rctx.Worker,
		Stack:    string(debug.Stack()),
		Strategy: strategy,
	}
	if rctx.Instance != nil {
		record.WorkflowID = rctx.Instance.ID
		record.WorkflowType = rctx.Instance.Type
		record.Phase = rctx.Instance.CurrentPhase
	}

	// The incident is durably logged before any recovery is attempted.
	if logErr := e.errorLog.LogError(ctx, record); logErr != nil {
		e.logger.Error("failed to log error record", "error", logErr)
	}
	e.logger.Error("handling error",
		"kind", oerr.Kind,
		"cause", oerr.Cause,
		"strategy", strategy,
		"workflow_id", record.WorkflowID,
		"phase", record.Phase)

	result, strategyErr := e.execute(ctx, strategy, oerr, rctx)

	record.Attempted = true
	if strategyErr != nil {
		failed := &OrchestrationError{
			Kind:    ErrorKindRecoveryFailed,
			Cause:   fmt.Sprintf("strategy %s failed: %v", strategy, strategyErr),
			Wrapped: strategyErr,
		}
		result = &RecoveryResult{
			Strategy:     StrategyManualIntervention,
			Message:      failed.Cause,
			Instructions: e.instructions(failed, rctx),
		}
		record.Strategy = StrategyManualIntervention
		record.Outcome = failed.Cause
	} else {
		record.Recovered = result.Recovered
		record.Outcome = result.Message
	}

	// Append the outcome to the same incident record.
	if logErr := e.errorLog.LogError(ctx, record); logErr != nil {
		e.logger.Error("failed to update error record", "error", logErr)
	}
	return result, nil
}

func (e *RecoveryEngine) execute(ctx context.Context, strategy RecoveryStrategy, oerr *OrchestrationError, rctx RecoveryContext) (*RecoveryResult, error) {
	switch strategy {
	case StrategyRetry:
		return &RecoveryResult{
			Strategy: StrategyRetry,
			Retry:    true,
			Message:  "transient failure, retry with backoff",
		}, nil

	case StrategyRestoreCheckpoint:
		restored, checkpoint, err := e.checkpoints.Restore(ctx, "")
		if err != nil {
			return nil, err
		}
		if err := e.store.Save(ctx, restored); err != nil {
			return nil, err
		}
		return &RecoveryResult{
			Strategy:  StrategyRestoreCheckpoint,
			Recovered: true,
			Instance:  restored,
			Message:   fmt.Sprintf("restored checkpoint %s (phase %s)", checkpoint.Name, checkpoint.Phase),
		}, nil

	case StrategyResetPhase:
		if rctx.Instance == nil {
			return nil, ErrNoActiveWorkflow
		}
		rctx.Instance.PhaseDetails = PhaseDetails{StartedAt: e.clock()}
		if err := e.store.Save(ctx, rctx.Instance); err != nil {
			return nil, err
		}
		return &RecoveryResult{
			Strategy:  StrategyResetPhase,
			Recovered: true,
			Message:   fmt.Sprintf("reset phase %s to zero progress", rctx.Instance.CurrentPhase),
		}, nil

	case StrategySkipWorker:
		if rctx.Instance == nil {
			return nil, ErrNoActiveWorkflow
		}
		name := rctx.Worker
		if name == "" {
			name = "unknown"
		}
		rctx.Instance.SkippedWorkers = append(rctx.Instance.SkippedWorkers, SkippedWorker{
			Name:      name,
			Phase:     rctx.Instance.CurrentPhase,
			Reason:    oerr.Cause,
			Timestamp: e.clock(),
		})
		if err := e.store.Save(ctx, rctx.Instance); err != nil {
			return nil, err
		}
		return &RecoveryResult{
			Strategy:  StrategySkipWorker,
			Recovered: true,
			Message:   fmt.Sprintf("skipped worker %s, phase continues", name),
		}, nil

	case StrategySafeMode:
		if rctx.Instance == nil {
			return nil, ErrNoActiveWorkflow
		}
		EnableSafeMode(rctx.Instance, oerr.Cause, e.clock())
		if err := e.store.Save(ctx, rctx.Instance); err != nil {
			return nil, err
		}
		return &RecoveryResult{
			Strategy:     StrategySafeMode,
			Message:      "entered safe mode: parallel workers disabled, approval required for every phase transition",
			Instructions: e.instructions(oerr, rctx),
		}, nil

	default:
		return &RecoveryResult{
			Strategy:     StrategyManualIntervention,
			Message:      oerr.Error(),
			Instructions: e.instructions(oerr, rctx),
		}, nil
	}
}

// instructions builds the kind-specific remediation steps, as exact CLI
// invocations.
func (e *RecoveryEngine) instructions(oerr *OrchestrationError, rctx RecoveryContext) []string {
	switch oerr.Kind {
	case ErrorKindFileAccess:
		return []string{
			"1. Check filesystem permissions and free space for the state directory",
			"2. conductor recovery --diagnostic",
			"3. conductor recovery --restore-checkpoint",
		}
	case ErrorKindInvalidWorkflowType:
		return []string{
			"1. conductor recovery --diagnostic",
			"2. Register the missing workflow type, or",
			"3. conductor recovery --reset-workflow",
		}
	case ErrorKindWorkerFailure:
		worker := rctx.Worker
		if worker == "" {
			worker = "<name>"
		}
		return []string{
			fmt.Sprintf("1. conductor recovery --retry-agent %s", worker),
			fmt.Sprintf("2. conductor recovery --skip-agent %s", worker),
			"3. conductor recovery --reset-phase",
		}
	case ErrorKindRecoveryFailed:
		return []string{
			"1. conductor recovery --diagnostic",
			"2. conductor recovery --restore-checkpoint",
			"3. conductor recovery --reset-workflow",
		}
	case ErrorKindStateCorruption:
		return []string{
			"1. conductor recovery --restore-checkpoint",
			"2. conductor recovery --import-state <file>",
		}
	default:
		return []string{
			"1. conductor recovery --diagnostic",
			"2. conductor recovery --exit-safe-mode (after resolving the cause)",
		}
	}
}

// Validate independently checks the instance invariants against its workflow
// definition: phase index bounds, completed-count bound, known workflow type
// and phases, and approval/resume exclusivity. It is run whenever an
// instance is loaded from persistence; failures are surfaced as state
// corruption by the caller.
func (e *RecoveryEngine) Validate(instance *WorkflowInstance, registry *Registry) error {
	if instance == nil {
		return ErrNoActiveWorkflow
	}
	if instance.ID == "" {
		return fmt.Errorf("instance has no ID")
	}
	def, err := registry.Get(instance.Type)
	if err != nil {
		return err
	}
	if instance.CurrentPhaseIndex < 0 || instance.CurrentPhaseIndex >= def.PhaseCount() {
		return fmt.Errorf("phase index %d out of range [0, %d)", instance.CurrentPhaseIndex, def.PhaseCount())
	}
	expected, _ := def.PhaseAt(instance.CurrentPhaseIndex)
	if instance.CurrentPhase != expected {
		return &OrchestrationError{
			Kind:  ErrorKindInvalidPhase,
			Cause: fmt.Sprintf("current phase %q does not match index %d (%q)", instance.CurrentPhase, instance.CurrentPhaseIndex, expected),
		}
	}
	if len(instance.PhasesCompleted) > instance.CurrentPhaseIndex+1 {
		return fmt.Errorf("completed phase count %d exceeds bound %d", len(instance.PhasesCompleted), instance.CurrentPhaseIndex+1)
	}
	for _, phase := range instance.PhasesCompleted {
		if _, ok := def.PhaseIndex(phase); !ok {
			return &OrchestrationError{
				Kind:  ErrorKindInvalidPhase,
				Cause: fmt.Sprintf("completed phase %q unknown to workflow type %q", phase, instance.Type),
			}
		}
	}
	if instance.AwaitingApproval != "" && instance.CanResume {
		return fmt.Errorf("awaiting approval for gate %q but marked resumable", instance.AwaitingApproval)
	}
	if instance.AwaitingApproval != "" && !IsSafeModeGate(instance.AwaitingApproval) {
		if _, ok := def.Gate(instance.AwaitingApproval); !ok {
			return fmt.Errorf("awaiting unknown gate %q", instance.AwaitingApproval)
		}
	}
	if p := instance.PhaseDetails.ProgressPercentage; p < 0 || p > 100 {
		return fmt.Errorf("progress percentage %.1f out of range", p)
	}
	return nil
}

// EnableSafeMode turns on restricted operation for the instance.
func EnableSafeMode(instance *WorkflowInstance, reason string, at time.Time) {
	instance.SafeMode = &SafeModeState{
		Enabled:   true,
		Reason:    reason,
		EnteredAt: at,
		Restrictions: []string{
			"parallel worker dispatch disabled",
			"approval required for every phase transition",
		},
	}
	// Parallel dispatch is disabled while in safe mode.
	if len(instance.PhaseDetails.ActiveWorkers) > 1 {
		instance.PhaseDetails.ActiveWorkers = instance.PhaseDetails.ActiveWorkers[:1]
	}
}
