package conductor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewDefinitionValidation(t *testing.T) {
	phases := []PhaseID{"discovery", "research", "analysis"}

	tests := []struct {
		name        string
		opts        DefinitionOptions
		errContains string
	}{
		{
			name:        "missing type",
			opts:        DefinitionOptions{Phases: phases},
			errContains: "workflow type required",
		},
		{
			name:        "no phases",
			opts:        DefinitionOptions{Type: "new-project"},
			errContains: "phases required",
		},
		{
			name: "empty phase name",
			opts: DefinitionOptions{
				Type:   "new-project",
				Phases: []PhaseID{"discovery", ""},
			},
			errContains: "phase name cannot be empty",
		},
		{
			name: "duplicate phase",
			opts: DefinitionOptions{
				Type:   "new-project",
				Phases: []PhaseID{"discovery", "discovery"},
			},
			errContains: "duplicate phase",
		},
		{
			name: "gate references unknown phase",
			opts: DefinitionOptions{
				Type:   "new-project",
				Phases: phases,
				Gates: []*ApprovalGate{{
					Name: "post-research", AfterPhase: "shipping", BeforePhase: "analysis", TimeoutMinutes: 30,
				}},
			},
			errContains: "unknown phase",
		},
		{
			name: "gate spans non-consecutive phases",
			opts: DefinitionOptions{
				Type:   "new-project",
				Phases: phases,
				Gates: []*ApprovalGate{{
					Name: "post-discovery", AfterPhase: "discovery", BeforePhase: "analysis", TimeoutMinutes: 30,
				}},
			},
			errContains: "consecutive phases",
		},
		{
			name: "duplicate gate name",
			opts: DefinitionOptions{
				Type:   "new-project",
				Phases: phases,
				Gates: []*ApprovalGate{
					{Name: "gate", AfterPhase: "discovery", BeforePhase: "research", TimeoutMinutes: 30},
					{Name: "gate", AfterPhase: "research", BeforePhase: "analysis", TimeoutMinutes: 30},
				},
			},
			errContains: "duplicate approval gate",
		},
		{
			name: "two gates after one phase",
			opts: DefinitionOptions{
				Type:   "new-project",
				Phases: phases,
				Gates: []*ApprovalGate{
					{Name: "gate-a", AfterPhase: "research", BeforePhase: "analysis", TimeoutMinutes: 30},
					{Name: "gate-b", AfterPhase: "research", BeforePhase: "analysis", TimeoutMinutes: 30},
				},
			},
			errContains: "both follow phase",
		},
		{
			name: "non-positive timeout",
			opts: DefinitionOptions{
				Type:   "new-project",
				Phases: phases,
				Gates: []*ApprovalGate{{
					Name: "post-research", AfterPhase: "research", BeforePhase: "analysis",
				}},
			},
			errContains: "positive timeout",
		},
		{
			name: "estimate for unknown phase",
			opts: DefinitionOptions{
				Type:      "new-project",
				Phases:    phases,
				Estimates: map[PhaseID]time.Duration{"shipping": time.Hour},
			},
			errContains: "unknown phase",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDefinition(tt.opts)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestDefinitionAccessors(t *testing.T) {
	def := testDefinition(t)

	require.Equal(t, "new-project", def.Type())
	require.Equal(t, 3, def.PhaseCount())
	require.Equal(t, []PhaseID{"discovery", "research", "analysis"}, def.Phases())

	phase, ok := def.PhaseAt(1)
	require.True(t, ok)
	require.Equal(t, PhaseID("research"), phase)
	_, ok = def.PhaseAt(3)
	require.False(t, ok)
	_, ok = def.PhaseAt(-1)
	require.False(t, ok)

	i, ok := def.PhaseIndex("analysis")
	require.True(t, ok)
	require.Equal(t, 2, i)
	_, ok = def.PhaseIndex("shipping")
	require.False(t, ok)

	gate, ok := def.Gate("post-research")
	require.True(t, ok)
	require.Equal(t, PhaseID("research"), gate.AfterPhase)

	gate, ok = def.GateAfter("research")
	require.True(t, ok)
	require.Equal(t, "post-research", gate.Name)
	_, ok = def.GateAfter("discovery")
	require.False(t, ok)

	require.Equal(t, 2*time.Hour, def.Estimate("research"))
	require.Equal(t, time.Duration(0), def.Estimate("shipping"))
	require.Equal(t, 4*time.Hour, def.EstimatedTotal())
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	def := testDefinition(t)

	require.NoError(t, registry.Register(def))
	require.Error(t, registry.Register(def))

	got, err := registry.Get("new-project")
	require.NoError(t, err)
	require.Equal(t, def, got)

	_, err = registry.Get("nonexistent")
	require.Error(t, err)
	var oerr *OrchestrationError
	require.ErrorAs(t, err, &oerr)
	require.Equal(t, ErrorKindInvalidWorkflowType, oerr.Kind)

	other, err := NewDefinition(DefinitionOptions{
		Type:   "bugfix",
		Phases: []PhaseID{"triage", "fix", "verify"},
	})
	require.NoError(t, err)
	require.NoError(t, registry.Register(other))
	require.Equal(t, []string{"bugfix", "new-project"}, registry.Types())
}

func TestLoadDefinitionString(t *testing.T) {
	def, err := LoadDefinitionString(`
type: new-project
description: Greenfield project workflow
phases:
  - discovery
  - research
  - analysis
approval_gates:
  - name: post-research
    after_phase: research
    before_phase: analysis
    timeout_minutes: 30
`)
	require.NoError(t, err)
	require.Equal(t, "new-project", def.Type())
	require.Equal(t, "Greenfield project workflow", def.Description())
	require.Equal(t, 3, def.PhaseCount())

	gate, ok := def.Gate("post-research")
	require.True(t, ok)
	require.Equal(t, 30, gate.TimeoutMinutes)

	_, err = LoadDefinitionString("{not yaml")
	require.Error(t, err)

	// well-formed YAML that fails definition validation
	_, err = LoadDefinitionString(`
type: new-project
phases:
  - discovery
approval_gates:
  - name: gate
    after_phase: discovery
    before_phase: discovery
    timeout_minutes: 30
`)
	require.Error(t, err)
}
