package conductor

import (
	"time"

	"go.jetify.com/typeid"
)

// NewInstanceID returns a new unique ID for workflow instance identification
func NewInstanceID() string {
	id, err := typeid.WithPrefix("wf")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// PhaseDetails tracks live progress information for the current phase.
// This struct is designed to be fully JSON serializable.
type PhaseDetails struct {
	ProgressPercentage float64   `json:"progress_percentage"`
	ActiveWorkers      []string  `json:"active_workers,omitempty"`
	ArtifactsCreated   int       `json:"artifacts_created"`
	ArtifactsTotal     int       `json:"artifacts_total"`
	StartedAt          time.Time `json:"started_at,omitzero"`
}

// Copy returns a copy of the phase details.
func (d *PhaseDetails) Copy() PhaseDetails {
	c := *d
	c.ActiveWorkers = append([]string(nil), d.ActiveWorkers...)
	return c
}

// ApprovalGateState records the resolution of a single approval gate.
type ApprovalGateState struct {
	Approved            bool           `json:"approved"`
	Bypassed            bool           `json:"bypassed,omitempty"`
	ApprovedAt          time.Time      `json:"approved_at,omitzero"`
	ApprovalRequestedAt time.Time      `json:"approval_requested_at,omitzero"`
	TimeoutMinutes      int            `json:"timeout_minutes"`
	Modifications       map[string]any `json:"modifications,omitempty"`
}

// Resolved reports whether the gate has already fired for this instance.
func (g *ApprovalGateState) Resolved() bool {
	return g.Approved || g.Bypassed
}

// Copy returns a copy of the gate state.
func (g *ApprovalGateState) Copy() *ApprovalGateState {
	c := *g
	c.Modifications = copyMap(g.Modifications)
	return &c
}

// CheckpointMeta records bookkeeping about persistence and checkpointing.
type CheckpointMeta struct {
	LastSaveTime             time.Time `json:"last_save_time,omitzero"`
	LastCheckpointTime       time.Time `json:"last_checkpoint_time,omitzero"`
	LastProgressAtCheckpoint float64   `json:"last_progress_at_checkpoint"`
	TotalCheckpoints         int       `json:"total_checkpoints"`
}

// SafeModeState describes the restricted operating mode, when enabled.
type SafeModeState struct {
	Enabled      bool      `json:"enabled"`
	Reason       string    `json:"reason,omitempty"`
	Restrictions []string  `json:"restrictions,omitempty"`
	EnteredAt    time.Time `json:"entered_at,omitzero"`
}

// SkippedWorker is an audit record for a worker that was bypassed.
type SkippedWorker struct {
	Name      string    `json:"name"`
	Phase     PhaseID   `json:"phase"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowInstance is the mutable root entity of the orchestration engine.
// Exactly one live instance exists per state store. The struct is fully JSON
// serializable so it can round-trip through persistence and checkpoints.
type WorkflowInstance struct {
	ID                string                        `json:"id"`
	Type              string                        `json:"type"`
	StartedAt         time.Time                     `json:"started_at,omitzero"`
	CurrentPhaseIndex int                           `json:"current_phase_index"`
	CurrentPhase      PhaseID                       `json:"current_phase"`
	PhaseDetails      PhaseDetails                  `json:"phase_details"`
	PhasesCompleted   []PhaseID                     `json:"phases_completed"`
	ApprovalGates     map[string]*ApprovalGateState `json:"approval_gates,omitempty"`
	CheckpointMeta    CheckpointMeta                `json:"checkpoint_meta"`
	ParallelWorkers   bool                          `json:"parallel_workers,omitempty"`
	CanResume         bool                          `json:"can_resume"`
	AwaitingApproval  string                        `json:"awaiting_approval,omitempty"`
	Completed         bool                          `json:"completed,omitempty"`
	SafeMode          *SafeModeState                `json:"safe_mode,omitempty"`
	SkippedWorkers    []SkippedWorker               `json:"skipped_workers,omitempty"`
}

// Copy returns a deep copy of the instance. Checkpoint snapshots and values
// handed to callers are always copies so later mutations cannot leak.
func (w *WorkflowInstance) Copy() *WorkflowInstance {
	c := *w
	c.PhaseDetails = w.PhaseDetails.Copy()
	c.PhasesCompleted = append([]PhaseID(nil), w.PhasesCompleted...)
	c.SkippedWorkers = append([]SkippedWorker(nil), w.SkippedWorkers...)
	if w.ApprovalGates != nil {
		c.ApprovalGates = make(map[string]*ApprovalGateState, len(w.ApprovalGates))
		for name, state := range w.ApprovalGates {
			c.ApprovalGates[name] = state.Copy()
		}
	}
	if w.SafeMode != nil {
		sm := *w.SafeMode
		sm.Restrictions = append([]string(nil), w.SafeMode.Restrictions...)
		c.SafeMode = &sm
	}
	return &c
}

// PhaseCompleted reports whether the given phase is in the completed set.
func (w *WorkflowInstance) PhaseCompleted(phase PhaseID) bool {
	for _, p := range w.PhasesCompleted {
		if p == phase {
			return true
		}
	}
	return false
}

// MarkPhaseCompleted adds the phase to the completed set, preserving
// insertion order and set semantics.
func (w *WorkflowInstance) MarkPhaseCompleted(phase PhaseID) {
	if !w.PhaseCompleted(phase) {
		w.PhasesCompleted = append(w.PhasesCompleted, phase)
	}
}

// GateState returns the recorded state for a gate, if any.
func (w *WorkflowInstance) GateState(name string) (*ApprovalGateState, bool) {
	state, ok := w.ApprovalGates[name]
	return state, ok
}

// SafeModeEnabled reports whether the instance is operating in safe mode.
func (w *WorkflowInstance) SafeModeEnabled() bool {
	return w.SafeMode != nil && w.SafeMode.Enabled
}

// copyMap creates a shallow copy of a map
func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
