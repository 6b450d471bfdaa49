package conductor

import (
	"fmt"
	"time"

	"go.jetify.com/typeid"
)

// CheckpointTrigger identifies what caused a checkpoint to be taken.
type CheckpointTrigger string

const (
	TriggerPhaseCompletion   CheckpointTrigger = "phase-completion"
	TriggerProgressMilestone CheckpointTrigger = "progress-milestone"
	TriggerTimeInterval      CheckpointTrigger = "time-interval"
	TriggerManual            CheckpointTrigger = "manual"
)

// NewCheckpointName returns a generated name for a manual checkpoint
func NewCheckpointName() string {
	id, err := typeid.WithPrefix("chk")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Checkpoint contains a complete snapshot of a workflow instance, usable for
// recovery. Automatic checkpoints are named auto-<trigger>-<timestamp> and
// pruned beyond the retention count; manual checkpoints are never auto-pruned.
type Checkpoint struct {
	Name               string            `json:"name"`
	Trigger            CheckpointTrigger `json:"trigger"`
	CreatedAt          time.Time         `json:"created_at"`
	Phase              PhaseID           `json:"phase"`
	ProgressAtCreation float64           `json:"progress_at_creation"`
	Note               string            `json:"note,omitempty"`
	Snapshot           *WorkflowInstance `json:"snapshot"`
}

// Automatic reports whether the checkpoint was taken by a trigger rather
// than an operator.
func (c *Checkpoint) Automatic() bool {
	return c.Trigger != TriggerManual
}

// Info returns the checkpoint metadata without the snapshot payload.
func (c *Checkpoint) Info() *CheckpointInfo {
	return &CheckpointInfo{
		Name:      c.Name,
		Trigger:   c.Trigger,
		CreatedAt: c.CreatedAt,
		Phase:     c.Phase,
		Progress:  c.ProgressAtCreation,
		Automatic: c.Automatic(),
	}
}

// autoCheckpointName builds the name for a trigger-taken checkpoint
func autoCheckpointName(trigger CheckpointTrigger, at time.Time) string {
	return fmt.Sprintf("auto-%s-%d", trigger, at.UnixNano())
}

// newCheckpoint snapshots an instance with a deep copy
func newCheckpoint(name string, trigger CheckpointTrigger, inst *WorkflowInstance, at time.Time) *Checkpoint {
	return &Checkpoint{
		Name:               name,
		Trigger:            trigger,
		CreatedAt:          at,
		Phase:              inst.CurrentPhase,
		ProgressAtCreation: inst.PhaseDetails.ProgressPercentage,
		Snapshot:           inst.Copy(),
	}
}
