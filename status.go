package conductor

import (
	"context"
	"fmt"
	"time"
)

// WorkflowStatus is a point-in-time summary of the live instance.
type WorkflowStatus struct {
	ID                 string          `json:"id"`
	Type               string          `json:"type"`
	StartedAt          time.Time       `json:"started_at"`
	Phase              PhaseID         `json:"phase"`
	PhaseIndex         int             `json:"phase_index"`
	PhaseCount         int             `json:"phase_count"`
	Progress           float64         `json:"progress"`
	PhasesCompleted    []PhaseID       `json:"phases_completed"`
	AwaitingApproval   string          `json:"awaiting_approval,omitempty"`
	CanResume          bool            `json:"can_resume"`
	SafeMode           bool            `json:"safe_mode"`
	GatesApproved      int             `json:"gates_approved"`
	GatesBypassed      int             `json:"gates_bypassed"`
	TimedOutGates      []GateTimeout   `json:"timed_out_gates,omitempty"`
	SkippedWorkers     []SkippedWorker `json:"skipped_workers,omitempty"`
	TotalCheckpoints   int             `json:"total_checkpoints"`
	EstimatedRemaining time.Duration   `json:"estimated_remaining"`
}

// DiagnosticReport is produced by a recovery diagnostic run: validation
// result, recent checkpoints and incidents, and recommended next commands.
type DiagnosticReport struct {
	ActiveWorkflow  bool              `json:"active_workflow"`
	Valid           bool              `json:"valid"`
	ValidationError string            `json:"validation_error,omitempty"`
	Status          *WorkflowStatus   `json:"status,omitempty"`
	Checkpoints     []*CheckpointInfo `json:"checkpoints,omitempty"`
	RecentErrors    []*ErrorRecord    `json:"recent_errors,omitempty"`
	Recommendations []string          `json:"recommendations,omitempty"`
}

// Status returns a summary of the live instance, including any gates whose
// approval timeout has elapsed. Timeouts are detected here by polling; there
// is no scheduled callback.
func (o *Orchestrator) Status(ctx context.Context) (*WorkflowStatus, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if err := o.load(ctx); err != nil {
		return nil, err
	}
	return o.status(), nil
}

// status builds the summary. Callers hold the mutex.
func (o *Orchestrator) status() *WorkflowStatus {
	inst := o.instance
	approved, bypassed := GatesObtained(inst)
	return &WorkflowStatus{
		ID:                 inst.ID,
		Type:               inst.Type,
		StartedAt:          inst.StartedAt,
		Phase:              inst.CurrentPhase,
		PhaseIndex:         inst.CurrentPhaseIndex,
		PhaseCount:         o.def.PhaseCount(),
		Progress:           inst.PhaseDetails.ProgressPercentage,
		PhasesCompleted:    append([]PhaseID(nil), inst.PhasesCompleted...),
		AwaitingApproval:   inst.AwaitingApproval,
		CanResume:          inst.CanResume,
		SafeMode:           inst.SafeModeEnabled(),
		GatesApproved:      approved,
		GatesBypassed:      bypassed,
		TimedOutGates:      o.gates.CheckTimeouts(inst),
		SkippedWorkers:     append([]SkippedWorker(nil), inst.SkippedWorkers...),
		TotalCheckpoints:   inst.CheckpointMeta.TotalCheckpoints,
		EstimatedRemaining: o.estimateRemaining(),
	}
}

// estimateRemaining sums the duration estimates of the phases still ahead,
// scaling the current phase by its remaining progress.
func (o *Orchestrator) estimateRemaining() time.Duration {
	inst := o.instance
	remaining := time.Duration(float64(o.def.Estimate(inst.CurrentPhase)) *
		(100 - inst.PhaseDetails.ProgressPercentage) / 100)
	for i := inst.CurrentPhaseIndex + 1; i < o.def.PhaseCount(); i++ {
		phase, _ := o.def.PhaseAt(i)
		remaining += o.def.Estimate(phase)
	}
	return remaining
}

// Diagnostic validates the stored state and assembles a recovery report with
// recommended next commands. It works with or without a live instance.
func (o *Orchestrator) Diagnostic(ctx context.Context) (*DiagnosticReport, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	report := &DiagnosticReport{Valid: true}

	checkpoints, err := o.store.ListCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	report.Checkpoints = checkpoints

	if recent, err := o.errorLog.RecentErrors(ctx, 10); err == nil {
		report.RecentErrors = recent
	}

	instance := o.instance
	if instance == nil {
		instance, err = o.store.Load(ctx)
		if err != nil {
			report.Valid = false
			report.ValidationError = err.Error()
			report.Recommendations = append(report.Recommendations,
				"1. conductor recovery --restore-checkpoint",
				"2. conductor recovery --import-state <file>")
			return report, nil
		}
	}
	if instance == nil {
		report.Recommendations = append(report.Recommendations, "1. conductor start <type>")
		return report, nil
	}

	report.ActiveWorkflow = true
	if err := o.recovery.Validate(instance, o.registry); err != nil {
		report.Valid = false
		report.ValidationError = err.Error()
		report.Recommendations = append(report.Recommendations,
			"1. conductor recovery --restore-checkpoint",
			"2. conductor recovery --reset-phase",
			"3. conductor recovery --reset-workflow")
		return report, nil
	}

	if o.instance == nil {
		def, err := o.registry.Get(instance.Type)
		if err != nil {
			return nil, err
		}
		o.instance = instance
		o.def = def
	}
	report.Status = o.status()

	for _, timeout := range report.Status.TimedOutGates {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("%d. conductor approve-gate %s (pending %s, timeout %dm)",
				len(report.Recommendations)+1, timeout.Gate, timeout.Elapsed.Round(time.Minute), timeout.TimeoutMinutes))
	}
	if report.Status.AwaitingApproval != "" && len(report.Status.TimedOutGates) == 0 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("%d. conductor approve-gate %s", len(report.Recommendations)+1, report.Status.AwaitingApproval))
	}
	if report.Status.SafeMode {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("%d. conductor recovery --exit-safe-mode (after resolving: %s)",
				len(report.Recommendations)+1, instance.SafeMode.Reason))
	}
	if len(report.Recommendations) == 0 {
		report.Recommendations = append(report.Recommendations, "1. conductor resume")
	}
	return report, nil
}
