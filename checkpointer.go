package conductor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

const (
	// DefaultCheckpointRetention is the number of automatic checkpoints kept
	DefaultCheckpointRetention = 10

	// DefaultProgressDelta is the progress gain that triggers a checkpoint
	DefaultProgressDelta = 25.0

	// DefaultCheckpointInterval is the elapsed time that triggers a checkpoint
	DefaultCheckpointInterval = 30 * time.Minute
)

// CheckpointManagerOptions configures a CheckpointManager.
type CheckpointManagerOptions struct {
	Store         StateStore
	Logger        *slog.Logger
	Retention     int
	ProgressDelta float64
	Interval      time.Duration
	Clock         func() time.Time
}

// CheckpointManager decides when to snapshot a workflow instance and prunes
// old automatic snapshots beyond the retention count. Manual checkpoints are
// never auto-pruned.
type CheckpointManager struct {
	store         StateStore
	logger        *slog.Logger
	retention     int
	progressDelta float64
	interval      time.Duration
	clock         func() time.Time
}

// NewCheckpointManager creates a checkpoint manager
func NewCheckpointManager(opts CheckpointManagerOptions) (*CheckpointManager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultCheckpointRetention
	}
	if opts.ProgressDelta <= 0 {
		opts.ProgressDelta = DefaultProgressDelta
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultCheckpointInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &CheckpointManager{
		store:         opts.Store,
		logger:        opts.Logger,
		retention:     opts.Retention,
		progressDelta: opts.ProgressDelta,
		interval:      opts.Interval,
		clock:         opts.Clock,
	}, nil
}

// EvaluateTrigger reports whether an automatic checkpoint is due, evaluated
// after every successful progress update or phase completion. Triggers, in
// priority order: phase just completed, progress gained at least the
// configured delta since the last checkpoint, configured interval elapsed
// since the last checkpoint.
func (m *CheckpointManager) EvaluateTrigger(instance *WorkflowInstance, phaseCompleted bool) (CheckpointTrigger, bool) {
	if phaseCompleted {
		return TriggerPhaseCompletion, true
	}
	meta := instance.CheckpointMeta
	if instance.PhaseDetails.ProgressPercentage-meta.LastProgressAtCheckpoint >= m.progressDelta {
		return TriggerProgressMilestone, true
	}
	if !meta.LastCheckpointTime.IsZero() && m.clock().Sub(meta.LastCheckpointTime) >= m.interval {
		return TriggerTimeInterval, true
	}
	return "", false
}

// Save takes an automatic checkpoint tagged with the trigger, updates the
// instance's checkpoint bookkeeping, and prunes old automatic checkpoints.
func (m *CheckpointManager) Save(ctx context.Context, instance *WorkflowInstance, trigger CheckpointTrigger) (*Checkpoint, error) {
	now := m.clock()
	checkpoint := newCheckpoint(autoCheckpointName(trigger, now), trigger, instance, now)
	if err := m.persist(ctx, instance, checkpoint); err != nil {
		return nil, err
	}
	if err := m.prune(ctx); err != nil {
		m.logger.Warn("failed to prune checkpoints", "error", err)
	}
	return checkpoint, nil
}

// SaveManual takes a named manual checkpoint. An empty name is generated.
func (m *CheckpointManager) SaveManual(ctx context.Context, instance *WorkflowInstance, name, note string) (*Checkpoint, error) {
	if name == "" {
		name = NewCheckpointName()
	}
	checkpoint := newCheckpoint(name, TriggerManual, instance, m.clock())
	checkpoint.Note = note
	if err := m.persist(ctx, instance, checkpoint); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

func (m *CheckpointManager) persist(ctx context.Context, instance *WorkflowInstance, checkpoint *Checkpoint) error {
	if err := m.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	instance.CheckpointMeta.LastCheckpointTime = checkpoint.CreatedAt
	instance.CheckpointMeta.LastProgressAtCheckpoint = checkpoint.ProgressAtCreation
	instance.CheckpointMeta.TotalCheckpoints++
	m.logger.Info("checkpoint saved",
		"name", checkpoint.Name,
		"trigger", checkpoint.Trigger,
		"phase", checkpoint.Phase,
		"progress", checkpoint.ProgressAtCreation)
	return nil
}

// prune deletes automatic checkpoints beyond the retention count, oldest first
func (m *CheckpointManager) prune(ctx context.Context) error {
	infos, err := m.store.ListCheckpoints(ctx)
	if err != nil {
		return err
	}
	var automatic []*CheckpointInfo
	for _, info := range infos {
		if info.Automatic {
			automatic = append(automatic, info)
		}
	}
	// infos are newest first, so everything past the retention count goes
	for _, info := range automatic[min(m.retention, len(automatic)):] {
		if err := m.store.DeleteCheckpoint(ctx, info.Name); err != nil {
			return err
		}
		m.logger.Debug("pruned checkpoint", "name", info.Name)
	}
	return nil
}

// Restore loads a checkpoint's snapshot. An empty name selects the most
// recent checkpoint. Callers must re-validate the instance before adopting it.
func (m *CheckpointManager) Restore(ctx context.Context, name string) (*WorkflowInstance, *Checkpoint, error) {
	if name == "" {
		infos, err := m.store.ListCheckpoints(ctx)
		if err != nil {
			return nil, nil, err
		}
		if len(infos) == 0 {
			return nil, nil, fmt.Errorf("no checkpoints available")
		}
		name = infos[0].Name
	}
	checkpoint, err := m.store.LoadCheckpoint(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if checkpoint.Snapshot == nil {
		return nil, nil, NewStateCorruptionError(fmt.Errorf("checkpoint %q has no snapshot", name))
	}
	return checkpoint.Snapshot.Copy(), checkpoint, nil
}
