package conductor

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// safeModeGatePrefix names the synthetic gates inserted before every phase
// transition while safe mode is enabled.
const safeModeGatePrefix = "safe-mode:"

// SafeModeGateName returns the synthetic gate name guarding the transition
// out of the given phase.
func SafeModeGateName(phase PhaseID) string {
	return safeModeGatePrefix + string(phase)
}

// IsSafeModeGate reports whether a gate name is a synthetic safe-mode gate.
func IsSafeModeGate(name string) bool {
	return strings.HasPrefix(name, safeModeGatePrefix)
}

// GateTimeout reports a gate whose approval has been pending longer than its
// configured timeout.
type GateTimeout struct {
	Gate           string        `json:"gate"`
	RequestedAt    time.Time     `json:"requested_at"`
	TimeoutMinutes int           `json:"timeout_minutes"`
	Elapsed        time.Duration `json:"elapsed"`
}

// ApprovalGateManagerOptions configures an ApprovalGateManager.
type ApprovalGateManagerOptions struct {
	Logger *slog.Logger
	Clock  func() time.Time

	// SafeModeTimeoutMinutes is the timeout applied to synthetic safe-mode
	// gates. Defaults to 60.
	SafeModeTimeoutMinutes int
}

// ApprovalGateManager tracks pending approval gates on a workflow instance,
// detects timeouts by polling elapsed wall-clock time, and resolves gates by
// approval or explicit skip. It never auto-skips a timed-out gate; it only
// reports, leaving the decision to the operator.
type ApprovalGateManager struct {
	logger          *slog.Logger
	clock           func() time.Time
	safeModeTimeout int
}

// NewApprovalGateManager creates an approval gate manager
func NewApprovalGateManager(opts ApprovalGateManagerOptions) *ApprovalGateManager {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.SafeModeTimeoutMinutes <= 0 {
		opts.SafeModeTimeoutMinutes = 60
	}
	return &ApprovalGateManager{
		logger:          opts.Logger,
		clock:           opts.Clock,
		safeModeTimeout: opts.SafeModeTimeoutMinutes,
	}
}

// PendingGate returns the gate the instance is currently awaiting, if any.
func (m *ApprovalGateManager) PendingGate(instance *WorkflowInstance) (string, bool) {
	if instance.AwaitingApproval == "" {
		return "", false
	}
	return instance.AwaitingApproval, true
}

// RequestApproval halts the instance at the given gate. Each gate fires at
// most once per instance; a gate that already resolved is not re-requested.
func (m *ApprovalGateManager) RequestApproval(instance *WorkflowInstance, gate *ApprovalGate) bool {
	if state, ok := instance.GateState(gate.Name); ok && state.Resolved() {
		return false
	}
	if instance.ApprovalGates == nil {
		instance.ApprovalGates = map[string]*ApprovalGateState{}
	}
	instance.ApprovalGates[gate.Name] = &ApprovalGateState{
		ApprovalRequestedAt: m.clock(),
		TimeoutMinutes:      gate.TimeoutMinutes,
	}
	instance.AwaitingApproval = gate.Name
	instance.CanResume = false
	m.logger.Info("approval requested",
		"gate", gate.Name,
		"after_phase", gate.AfterPhase,
		"timeout_minutes", gate.TimeoutMinutes)
	return true
}

// RequestSafeModeApproval halts the instance at a synthetic safe-mode gate
// guarding the transition out of the given phase.
func (m *ApprovalGateManager) RequestSafeModeApproval(instance *WorkflowInstance, phase PhaseID) {
	m.RequestApproval(instance, &ApprovalGate{
		Name:           SafeModeGateName(phase),
		AfterPhase:     phase,
		TimeoutMinutes: m.safeModeTimeout,
	})
}

// Approve marks the pending gate as approved with optional modifications,
// clears the awaiting state and allows the instance to resume. The caller
// advances the phase pointer afterwards.
func (m *ApprovalGateManager) Approve(instance *WorkflowInstance, gateName string, modifications map[string]any) error {
	state, err := m.resolve(instance, gateName)
	if err != nil {
		return err
	}
	state.Approved = true
	state.ApprovedAt = m.clock()
	state.Modifications = copyMap(modifications)
	m.logger.Info("gate approved", "gate", gateName)
	return nil
}

// Skip resolves the pending gate without approval, recording it as
// explicitly bypassed. The phase advance is identical to Approve; only the
// audit record differs.
func (m *ApprovalGateManager) Skip(instance *WorkflowInstance, gateName string) error {
	state, err := m.resolve(instance, gateName)
	if err != nil {
		return err
	}
	state.Bypassed = true
	state.ApprovedAt = m.clock()
	m.logger.Warn("gate skipped without approval", "gate", gateName)
	return nil
}

func (m *ApprovalGateManager) resolve(instance *WorkflowInstance, gateName string) (*ApprovalGateState, error) {
	if instance.AwaitingApproval != gateName {
		if instance.AwaitingApproval == "" {
			return nil, NewError(ErrorKindApprovalGate, "no approval pending, cannot resolve gate %q", gateName)
		}
		return nil, NewError(ErrorKindApprovalGate,
			"gate %q is not pending (awaiting %q)", gateName, instance.AwaitingApproval)
	}
	state, ok := instance.GateState(gateName)
	if !ok {
		return nil, NewError(ErrorKindApprovalGate, "gate %q has no recorded state", gateName)
	}
	if state.Resolved() {
		return nil, NewError(ErrorKindApprovalGate, "gate %q already resolved", gateName)
	}
	instance.AwaitingApproval = ""
	instance.CanResume = true
	return state, nil
}

// CheckTimeouts compares elapsed wall-clock time against each pending gate's
// timeout and returns the gates that have exceeded it.
func (m *ApprovalGateManager) CheckTimeouts(instance *WorkflowInstance) []GateTimeout {
	now := m.clock()
	var timedOut []GateTimeout
	for name, state := range instance.ApprovalGates {
		if state.Resolved() || state.ApprovalRequestedAt.IsZero() {
			continue
		}
		elapsed := now.Sub(state.ApprovalRequestedAt)
		if elapsed > time.Duration(state.TimeoutMinutes)*time.Minute {
			timedOut = append(timedOut, GateTimeout{
				Gate:           name,
				RequestedAt:    state.ApprovalRequestedAt,
				TimeoutMinutes: state.TimeoutMinutes,
				Elapsed:        elapsed,
			})
		}
	}
	return timedOut
}

// GatesObtained counts approved and bypassed gates separately. Skipped gates
// never count toward approvals.
func GatesObtained(instance *WorkflowInstance) (approved, bypassed int) {
	for _, state := range instance.ApprovalGates {
		switch {
		case state.Approved:
			approved++
		case state.Bypassed:
			bypassed++
		}
	}
	return approved, bypassed
}

// describeGate renders a gate for operator-facing messages
func describeGate(gate string) string {
	if IsSafeModeGate(gate) {
		return fmt.Sprintf("safe-mode transition gate %q", gate)
	}
	return fmt.Sprintf("approval gate %q", gate)
}
