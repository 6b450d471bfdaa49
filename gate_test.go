package conductor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newGateTestInstance() *WorkflowInstance {
	return &WorkflowInstance{
		ID:                NewInstanceID(),
		Type:              "new-project",
		CurrentPhaseIndex: 1,
		CurrentPhase:      "research",
		PhasesCompleted:   []PhaseID{"discovery"},
		CanResume:         true,
	}
}

func TestApprovalGateLifecycle(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), 0)
	m := NewApprovalGateManager(ApprovalGateManagerOptions{Clock: clock.Now})
	instance := newGateTestInstance()

	gate := &ApprovalGate{
		Name:           "post-research",
		AfterPhase:     "research",
		BeforePhase:    "analysis",
		TimeoutMinutes: 30,
	}
	require.True(t, m.RequestApproval(instance, gate))
	require.Equal(t, "post-research", instance.AwaitingApproval)
	require.False(t, instance.CanResume)

	pending, ok := m.PendingGate(instance)
	require.True(t, ok)
	require.Equal(t, "post-research", pending)

	// resolving a gate that is not pending is a protocol violation
	err := m.Approve(instance, "other-gate", nil)
	require.Error(t, err)
	var oerr *OrchestrationError
	require.ErrorAs(t, err, &oerr)
	require.Equal(t, ErrorKindApprovalGate, oerr.Kind)

	require.NoError(t, m.Approve(instance, "post-research", map[string]any{"note": "go ahead"}))
	require.Empty(t, instance.AwaitingApproval)
	require.True(t, instance.CanResume)

	state, ok := instance.GateState("post-research")
	require.True(t, ok)
	require.True(t, state.Approved)
	require.False(t, state.Bypassed)
	require.Equal(t, map[string]any{"note": "go ahead"}, state.Modifications)

	// a gate fires at most once per instance
	require.False(t, m.RequestApproval(instance, gate))
	require.Error(t, m.Approve(instance, "post-research", nil))
}

func TestSkipGateCountsAsBypassed(t *testing.T) {
	m := NewApprovalGateManager(ApprovalGateManagerOptions{})
	instance := newGateTestInstance()

	gate := &ApprovalGate{Name: "post-research", AfterPhase: "research", BeforePhase: "analysis", TimeoutMinutes: 30}
	require.True(t, m.RequestApproval(instance, gate))
	require.NoError(t, m.Skip(instance, "post-research"))

	state, ok := instance.GateState("post-research")
	require.True(t, ok)
	require.False(t, state.Approved)
	require.True(t, state.Bypassed)
	require.True(t, state.Resolved())

	approved, bypassed := GatesObtained(instance)
	require.Equal(t, 0, approved)
	require.Equal(t, 1, bypassed)
}

func TestApproveWithNothingPending(t *testing.T) {
	m := NewApprovalGateManager(ApprovalGateManagerOptions{})
	instance := newGateTestInstance()

	err := m.Approve(instance, "post-research", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no approval pending")
}

func TestGateTimeoutDetection(t *testing.T) {
	clock := newTestClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), 0)
	m := NewApprovalGateManager(ApprovalGateManagerOptions{Clock: clock.Now})
	instance := newGateTestInstance()

	gate := &ApprovalGate{Name: "post-research", AfterPhase: "research", BeforePhase: "analysis", TimeoutMinutes: 30}
	require.True(t, m.RequestApproval(instance, gate))

	clock.Advance(29 * time.Minute)
	require.Empty(t, m.CheckTimeouts(instance))

	clock.Advance(2 * time.Minute)
	timedOut := m.CheckTimeouts(instance)
	require.Len(t, timedOut, 1)
	require.Equal(t, "post-research", timedOut[0].Gate)
	require.Equal(t, 30, timedOut[0].TimeoutMinutes)
	require.Equal(t, 31*time.Minute, timedOut[0].Elapsed)

	// timeouts only report; the gate is still pending and resolvable
	require.Equal(t, "post-research", instance.AwaitingApproval)
	require.NoError(t, m.Approve(instance, "post-research", nil))
	require.Empty(t, m.CheckTimeouts(instance))
}

func TestSafeModeGateNames(t *testing.T) {
	name := SafeModeGateName("research")
	require.Equal(t, "safe-mode:research", name)
	require.True(t, IsSafeModeGate(name))
	require.False(t, IsSafeModeGate("post-research"))
}

func TestRequestSafeModeApproval(t *testing.T) {
	m := NewApprovalGateManager(ApprovalGateManagerOptions{SafeModeTimeoutMinutes: 15})
	instance := newGateTestInstance()

	m.RequestSafeModeApproval(instance, "research")
	require.Equal(t, SafeModeGateName("research"), instance.AwaitingApproval)

	state, ok := instance.GateState(SafeModeGateName("research"))
	require.True(t, ok)
	require.Equal(t, 15, state.TimeoutMinutes)
}
