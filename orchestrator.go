package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// StartOptions configures a new workflow instance.
type StartOptions struct {
	// Parallel allows phases to report multiple active workers. Ignored
	// while safe mode is enabled.
	Parallel bool

	// DryRun builds and returns the instance without persisting anything.
	DryRun bool
}

// OrchestratorOptions configures an Orchestrator. Registry and Store are
// required; the managers are built with defaults when omitted.
type OrchestratorOptions struct {
	Registry    *Registry
	Store       StateStore
	Checkpoints *CheckpointManager
	Gates       *ApprovalGateManager
	Recovery    *RecoveryEngine
	ErrorLog    ErrorLogger
	Logger      *slog.Logger
	Clock       func() time.Time
}

// Orchestrator drives a workflow instance through its ordered phases,
// halting at approval gates, checkpointing on triggers, and recovering from
// failures. Every state mutation is immediately followed by an atomic
// persist; loads always re-validate before use.
type Orchestrator struct {
	registry    *Registry
	store       StateStore
	checkpoints *CheckpointManager
	gates       *ApprovalGateManager
	recovery    *RecoveryEngine
	errorLog    ErrorLogger
	logger      *slog.Logger
	clock       func() time.Time

	mutex    sync.Mutex
	instance *WorkflowInstance
	def      *WorkflowDefinition
}

// NewOrchestrator creates an orchestrator with its collaborators injected at
// construction time.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ErrorLog == nil {
		opts.ErrorLog = NewNullErrorLogger()
	}
	if opts.Checkpoints == nil {
		checkpoints, err := NewCheckpointManager(CheckpointManagerOptions{
			Store:  opts.Store,
			Logger: opts.Logger,
			Clock:  opts.Clock,
		})
		if err != nil {
			return nil, err
		}
		opts.Checkpoints = checkpoints
	}
	if opts.Gates == nil {
		opts.Gates = NewApprovalGateManager(ApprovalGateManagerOptions{
			Logger: opts.Logger,
			Clock:  opts.Clock,
		})
	}
	if opts.Recovery == nil {
		recovery, err := NewRecoveryEngine(RecoveryEngineOptions{
			Store:       opts.Store,
			Checkpoints: opts.Checkpoints,
			ErrorLog:    opts.ErrorLog,
			Logger:      opts.Logger,
			Clock:       opts.Clock,
		})
		if err != nil {
			return nil, err
		}
		opts.Recovery = recovery
	}
	return &Orchestrator{
		registry:    opts.Registry,
		store:       opts.Store,
		checkpoints: opts.Checkpoints,
		gates:       opts.Gates,
		recovery:    opts.Recovery,
		errorLog:    opts.ErrorLog,
		logger:      opts.Logger,
		clock:       opts.Clock,
	}, nil
}

// Gates returns the approval gate manager
func (o *Orchestrator) Gates() *ApprovalGateManager {
	return o.gates
}

// Recovery returns the error recovery engine
func (o *Orchestrator) Recovery() *RecoveryEngine {
	return o.recovery
}

// Checkpoints returns the checkpoint manager
func (o *Orchestrator) Checkpoints() *CheckpointManager {
	return o.checkpoints
}

// Start creates a new workflow instance of the given type. It fails if an
// instance is already active or the type is unknown.
func (o *Orchestrator) Start(ctx context.Context, workflowType string, opts StartOptions) (*WorkflowInstance, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	def, err := o.registry.Get(workflowType)
	if err != nil {
		return nil, err
	}
	existing, err := o.loadStored(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("workflow %s (%s) is already active", existing.ID, existing.Type)
	}

	now := o.clock()
	firstPhase, _ := def.PhaseAt(0)
	instance := &WorkflowInstance{
		ID:                NewInstanceID(),
		Type:              workflowType,
		StartedAt:         now,
		CurrentPhaseIndex: 0,
		CurrentPhase:      firstPhase,
		PhaseDetails:      PhaseDetails{StartedAt: now},
		ParallelWorkers:   opts.Parallel,
		CanResume:         true,
	}
	if opts.DryRun {
		return instance, nil
	}

	o.instance = instance
	o.def = def
	if err := o.persist(ctx); err != nil {
		o.instance = nil
		o.def = nil
		return nil, err
	}
	o.logger.Info("workflow started",
		"workflow_id", instance.ID,
		"type", workflowType,
		"phase", firstPhase,
		"phases", def.PhaseCount())
	return instance.Copy(), nil
}

// Current returns a copy of the live instance.
func (o *Orchestrator) Current(ctx context.Context) (*WorkflowInstance, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return nil, err
	}
	return o.instance.Copy(), nil
}

// Definition returns the definition of the live instance's workflow type.
func (o *Orchestrator) Definition(ctx context.Context) (*WorkflowDefinition, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return nil, err
	}
	return o.def, nil
}

// UpdateProgress adds delta percentage points to the current phase's
// progress, clamped to [0, 100], then persists and evaluates the automatic
// checkpoint triggers.
func (o *Orchestrator) UpdateProgress(ctx context.Context, delta float64) error {
	return o.UpdatePhase(ctx, func(details *PhaseDetails) {
		details.ProgressPercentage += delta
		if details.ProgressPercentage > 100 {
			details.ProgressPercentage = 100
		}
		if details.ProgressPercentage < 0 {
			details.ProgressPercentage = 0
		}
	})
}

// UpdatePhase applies a mutation to the current phase details, persists, and
// evaluates the automatic checkpoint triggers.
func (o *Orchestrator) UpdatePhase(ctx context.Context, fn func(*PhaseDetails)) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return err
	}
	fn(&o.instance.PhaseDetails)
	if o.instance.SafeModeEnabled() && len(o.instance.PhaseDetails.ActiveWorkers) > 1 {
		o.instance.PhaseDetails.ActiveWorkers = o.instance.PhaseDetails.ActiveWorkers[:1]
	}
	if trigger, ok := o.checkpoints.EvaluateTrigger(o.instance, false); ok {
		if _, err := o.checkpoints.Save(ctx, o.instance, trigger); err != nil {
			o.logger.Error("failed to save checkpoint", "error", err, "trigger", trigger)
		}
	}
	return o.persist(ctx)
}

// CompletePhase marks the current phase complete, checkpoints, and either
// halts at a registered approval gate or advances to the next phase. The
// results payload is opaque to the orchestrator.
func (o *Orchestrator) CompletePhase(ctx context.Context, results map[string]any) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return err
	}
	if gate, pending := o.gates.PendingGate(o.instance); pending {
		return NewError(ErrorKindApprovalGate, "cannot complete phase while awaiting %s", describeGate(gate))
	}

	phase := o.instance.CurrentPhase
	o.instance.MarkPhaseCompleted(phase)
	o.instance.PhaseDetails.ProgressPercentage = 100
	o.logger.Info("phase completed",
		"workflow_id", o.instance.ID,
		"phase", phase,
		"results", len(results))

	if _, err := o.checkpoints.Save(ctx, o.instance, TriggerPhaseCompletion); err != nil {
		o.logger.Error("failed to save checkpoint", "error", err)
	}

	if gate, ok := o.def.GateAfter(phase); ok {
		if o.gates.RequestApproval(o.instance, gate) {
			return o.persist(ctx)
		}
	}
	if o.instance.SafeModeEnabled() {
		o.gates.RequestSafeModeApproval(o.instance, phase)
		return o.persist(ctx)
	}
	return o.advance(ctx)
}

// advance moves the phase pointer forward, or completes and archives the
// workflow when the phase list is exhausted. Callers hold the mutex.
func (o *Orchestrator) advance(ctx context.Context) error {
	next := o.instance.CurrentPhaseIndex + 1
	if next >= o.def.PhaseCount() {
		o.instance.Completed = true
		o.instance.CanResume = false
		if err := o.store.Archive(ctx, o.instance, "completed"); err != nil {
			return err
		}
		if err := o.store.Delete(ctx); err != nil {
			return err
		}
		o.logger.Info("workflow completed",
			"workflow_id", o.instance.ID,
			"type", o.instance.Type,
			"phases_completed", len(o.instance.PhasesCompleted))
		o.instance = nil
		o.def = nil
		return nil
	}

	phase, _ := o.def.PhaseAt(next)
	o.instance.CurrentPhaseIndex = next
	o.instance.CurrentPhase = phase
	o.instance.PhaseDetails = PhaseDetails{StartedAt: o.clock()}
	o.logger.Info("advanced to phase",
		"workflow_id", o.instance.ID,
		"phase", phase,
		"index", next)
	return o.persist(ctx)
}

// ApproveGate resolves the pending approval gate and advances to the gate's
// before-phase.
func (o *Orchestrator) ApproveGate(ctx context.Context, gateName string, modifications map[string]any) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return err
	}
	if err := o.gates.Approve(o.instance, gateName, modifications); err != nil {
		return err
	}
	return o.advance(ctx)
}

// SkipGate resolves the pending gate as explicitly bypassed and performs the
// same advance as an approval.
func (o *Orchestrator) SkipGate(ctx context.Context, gateName string) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return err
	}
	if err := o.gates.Skip(o.instance, gateName); err != nil {
		return err
	}
	return o.advance(ctx)
}

// SkipPendingApproval bypasses whatever gate is currently pending.
func (o *Orchestrator) SkipPendingApproval(ctx context.Context) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return err
	}
	gate, pending := o.gates.PendingGate(o.instance)
	if !pending {
		return NewError(ErrorKindApprovalGate, "no approval pending")
	}
	if err := o.gates.Skip(o.instance, gate); err != nil {
		return err
	}
	return o.advance(ctx)
}

// Resume validates and returns the live instance for continued execution. It
// fails while an approval is pending; gates can only be resolved explicitly.
func (o *Orchestrator) Resume(ctx context.Context) (*WorkflowInstance, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return nil, err
	}
	if gate, pending := o.gates.PendingGate(o.instance); pending {
		return nil, NewError(ErrorKindApprovalGate,
			"cannot resume while awaiting %s; run: conductor approve-gate %s", describeGate(gate), gate)
	}
	if !o.instance.CanResume {
		o.instance.CanResume = true
		if err := o.persist(ctx); err != nil {
			return nil, err
		}
	}
	o.logger.Info("workflow resumed",
		"workflow_id", o.instance.ID,
		"phase", o.instance.CurrentPhase,
		"progress", o.instance.PhaseDetails.ProgressPercentage)
	return o.instance.Copy(), nil
}

// ResetPhase clears the current phase's details back to zero progress
// without touching the completed set or the phase pointer.
func (o *Orchestrator) ResetPhase(ctx context.Context) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return err
	}
	o.instance.PhaseDetails = PhaseDetails{StartedAt: o.clock()}
	o.logger.Info("phase reset", "workflow_id", o.instance.ID, "phase", o.instance.CurrentPhase)
	return o.persist(ctx)
}

// ResetWorkflow archives a safety backup and discards the live instance,
// returning the system to "no active workflow".
func (o *Orchestrator) ResetWorkflow(ctx context.Context) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return err
	}
	if err := o.store.Archive(ctx, o.instance, "reset"); err != nil {
		return fmt.Errorf("failed to write safety backup: %w", err)
	}
	if err := o.store.Delete(ctx); err != nil {
		return err
	}
	o.logger.Warn("workflow reset", "workflow_id", o.instance.ID, "type", o.instance.Type)
	o.instance = nil
	o.def = nil
	return nil
}

// SaveCheckpoint takes a manual checkpoint of the live instance.
func (o *Orchestrator) SaveCheckpoint(ctx context.Context, name, note string) (*Checkpoint, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return nil, err
	}
	checkpoint, err := o.checkpoints.SaveManual(ctx, o.instance, name, note)
	if err != nil {
		return nil, err
	}
	if err := o.persist(ctx); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// RestoreCheckpoint replaces the live instance with a checkpoint's snapshot.
// An empty name restores the most recent checkpoint. The restored instance
// is re-validated before adoption.
func (o *Orchestrator) RestoreCheckpoint(ctx context.Context, name string) (*WorkflowInstance, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	restored, checkpoint, err := o.checkpoints.Restore(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := o.recovery.Validate(restored, o.registry); err != nil {
		return nil, NewStateCorruptionError(fmt.Errorf("checkpoint %q failed validation: %w", checkpoint.Name, err))
	}
	def, err := o.registry.Get(restored.Type)
	if err != nil {
		return nil, err
	}
	o.instance = restored
	o.def = def
	if err := o.persist(ctx); err != nil {
		return nil, err
	}
	o.logger.Info("checkpoint restored",
		"name", checkpoint.Name,
		"phase", restored.CurrentPhase,
		"progress", restored.PhaseDetails.ProgressPercentage)
	return restored.Copy(), nil
}

// HandleFailure routes an execution failure through the recovery engine
// against the live instance. Strategies that mutate state (skip-worker, safe
// mode, phase reset) apply to the cached instance itself, and a checkpoint
// restore is adopted the same way load recovery adopts one, so the engine's
// work survives later persists.
func (o *Orchestrator) HandleFailure(ctx context.Context, cause error, worker string) (*RecoveryResult, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return nil, err
	}
	result, err := o.recovery.Handle(ctx, cause, RecoveryContext{
		Instance:   o.instance,
		Definition: o.def,
		Worker:     worker,
	})
	if err != nil {
		return nil, err
	}
	if result.Instance != nil {
		if err := o.recovery.Validate(result.Instance, o.registry); err != nil {
			return nil, NewStateCorruptionError(fmt.Errorf("restored instance failed validation: %w", err))
		}
		def, err := o.registry.Get(result.Instance.Type)
		if err != nil {
			return nil, err
		}
		o.instance = result.Instance
		o.def = def
	}
	return result, nil
}

// SkipWorker records a worker as bypassed for the current phase.
func (o *Orchestrator) SkipWorker(ctx context.Context, name, reason string) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return err
	}
	o.instance.SkippedWorkers = append(o.instance.SkippedWorkers, SkippedWorker{
		Name:      name,
		Phase:     o.instance.CurrentPhase,
		Reason:    reason,
		Timestamp: o.clock(),
	})
	workers := o.instance.PhaseDetails.ActiveWorkers[:0]
	for _, w := range o.instance.PhaseDetails.ActiveWorkers {
		if w != name {
			workers = append(workers, w)
		}
	}
	o.instance.PhaseDetails.ActiveWorkers = workers
	o.logger.Warn("worker skipped", "worker", name, "phase", o.instance.CurrentPhase, "reason", reason)
	return o.persist(ctx)
}

// RetryWorker removes a worker's skip record so it will be dispatched again.
func (o *Orchestrator) RetryWorker(ctx context.Context, name string) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return err
	}
	kept := o.instance.SkippedWorkers[:0]
	found := false
	for _, skipped := range o.instance.SkippedWorkers {
		if skipped.Name == name && skipped.Phase == o.instance.CurrentPhase {
			found = true
			continue
		}
		kept = append(kept, skipped)
	}
	if !found {
		return fmt.Errorf("worker %q is not skipped in phase %s", name, o.instance.CurrentPhase)
	}
	o.instance.SkippedWorkers = kept
	o.logger.Info("worker retry requested", "worker", name, "phase", o.instance.CurrentPhase)
	return o.persist(ctx)
}

// EnterSafeMode switches the instance into restricted operation.
func (o *Orchestrator) EnterSafeMode(ctx context.Context, reason string) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return err
	}
	EnableSafeMode(o.instance, reason, o.clock())
	o.logger.Warn("safe mode enabled", "workflow_id", o.instance.ID, "reason", reason)
	return o.persist(ctx)
}

// ExitSafeMode returns the instance to normal operation.
func (o *Orchestrator) ExitSafeMode(ctx context.Context) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return err
	}
	if !o.instance.SafeModeEnabled() {
		return fmt.Errorf("safe mode is not enabled")
	}
	o.instance.SafeMode = nil
	o.logger.Info("safe mode disabled", "workflow_id", o.instance.ID)
	return o.persist(ctx)
}

// ExportState serializes the live instance to indented JSON.
func (o *Orchestrator) ExportState(ctx context.Context) ([]byte, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return nil, err
	}
	return json.MarshalIndent(o.instance, "", "  ")
}

// ImportState replaces the live instance with a serialized one. The imported
// instance is re-validated first and any current instance is archived as a
// backup before being replaced.
func (o *Orchestrator) ImportState(ctx context.Context, data []byte) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	var imported WorkflowInstance
	if err := json.Unmarshal(data, &imported); err != nil {
		return NewStateCorruptionError(fmt.Errorf("imported state is not valid JSON: %w", err))
	}
	if err := o.recovery.Validate(&imported, o.registry); err != nil {
		return NewStateCorruptionError(fmt.Errorf("imported state failed validation: %w", err))
	}
	def, err := o.registry.Get(imported.Type)
	if err != nil {
		return err
	}
	if current, err := o.loadStored(ctx); err == nil && current != nil {
		if err := o.store.Archive(ctx, current, "pre-import"); err != nil {
			return fmt.Errorf("failed to back up current state: %w", err)
		}
	}
	o.instance = &imported
	o.def = def
	o.logger.Info("state imported", "workflow_id", imported.ID, "phase", imported.CurrentPhase)
	return o.persist(ctx)
}

// persist writes the live instance through the store. Callers hold the mutex.
func (o *Orchestrator) persist(ctx context.Context) error {
	o.instance.CheckpointMeta.LastSaveTime = o.clock()
	return o.store.Save(ctx, o.instance)
}

// loadStored reads the raw stored instance without validation or adoption.
func (o *Orchestrator) loadStored(ctx context.Context) (*WorkflowInstance, error) {
	if o.instance != nil {
		return o.instance, nil
	}
	return o.store.Load(ctx)
}

// load ensures the live instance is in memory and validated. A validation
// failure is synthesized into a StateCorruption error and routed through the
// recovery engine; if the engine restores a checkpoint, the restored
// instance is adopted. Callers hold the mutex.
func (o *Orchestrator) load(ctx context.Context) error {
	if o.instance != nil {
		return nil
	}
	instance, err := o.store.Load(ctx)
	if err != nil {
		return o.handleLoadFailure(ctx, err, nil)
	}
	if instance == nil {
		return ErrNoActiveWorkflow
	}
	if err := o.recovery.Validate(instance, o.registry); err != nil {
		return o.handleLoadFailure(ctx, NewStateCorruptionError(err), instance)
	}
	def, err := o.registry.Get(instance.Type)
	if err != nil {
		return err
	}
	o.instance = instance
	o.def = def
	return nil
}

func (o *Orchestrator) handleLoadFailure(ctx context.Context, cause error, instance *WorkflowInstance) error {
	result, err := o.recovery.Handle(ctx, cause, RecoveryContext{Instance: instance, Definition: o.def})
	if err != nil {
		return err
	}
	if result.Recovered && result.Instance != nil {
		if err := o.recovery.Validate(result.Instance, o.registry); err != nil {
			return NewStateCorruptionError(fmt.Errorf("restored instance failed validation: %w", err))
		}
		def, err := o.registry.Get(result.Instance.Type)
		if err != nil {
			return err
		}
		o.instance = result.Instance
		o.def = def
		o.logger.Info("recovered from load failure", "strategy", result.Strategy, "message", result.Message)
		return nil
	}
	return cause
}
