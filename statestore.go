package conductor

import (
	"context"
	"time"
)

// CheckpointInfo summarizes a stored checkpoint without its snapshot payload.
type CheckpointInfo struct {
	Name      string            `json:"name"`
	Trigger   CheckpointTrigger `json:"trigger"`
	CreatedAt time.Time         `json:"created_at"`
	Phase     PhaseID           `json:"phase"`
	Progress  float64           `json:"progress"`
	Automatic bool              `json:"automatic"`
}

// StateStore provides durable, atomic persistence for exactly one live
// workflow instance plus its checkpoints and archived history. All
// file-layout knowledge lives behind this interface so the state machine
// never touches the disk directly.
type StateStore interface {
	// Load returns the live instance, or nil if none exists.
	Load(ctx context.Context) (*WorkflowInstance, error)

	// Save atomically persists the live instance.
	Save(ctx context.Context, instance *WorkflowInstance) error

	// Delete removes the live instance.
	Delete(ctx context.Context) error

	// SaveCheckpoint persists a checkpoint under its name.
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint loads a checkpoint by name.
	LoadCheckpoint(ctx context.Context, name string) (*Checkpoint, error)

	// ListCheckpoints returns checkpoint summaries, newest first.
	ListCheckpoints(ctx context.Context) ([]*CheckpointInfo, error)

	// DeleteCheckpoint removes a checkpoint by name.
	DeleteCheckpoint(ctx context.Context, name string) error

	// Archive stores an instance in the history area, tagged with a reason
	// such as "completed", "reset", or "pre-import".
	Archive(ctx context.Context, instance *WorkflowInstance, reason string) error
}
