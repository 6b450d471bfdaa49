package conductor

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// PhaseID names one stage of a workflow's ordered phase sequence. Phase IDs
// form a closed set per workflow type, checked at registration time.
type PhaseID string

// ApprovalGate declares a named sign-off point between two consecutive phases.
type ApprovalGate struct {
	Name           string  `json:"name" yaml:"name"`
	AfterPhase     PhaseID `json:"after_phase" yaml:"after_phase"`
	BeforePhase    PhaseID `json:"before_phase" yaml:"before_phase"`
	TimeoutMinutes int     `json:"timeout_minutes" yaml:"timeout_minutes"`
}

// DefinitionOptions are used to configure a workflow definition.
type DefinitionOptions struct {
	Type        string                    `json:"type" yaml:"type"`
	Description string                    `json:"description,omitempty" yaml:"description,omitempty"`
	Phases      []PhaseID                 `json:"phases" yaml:"phases"`
	Gates       []*ApprovalGate           `json:"approval_gates,omitempty" yaml:"approval_gates,omitempty"`
	Estimates   map[PhaseID]time.Duration `json:"phase_duration_estimates,omitempty" yaml:"phase_duration_estimates,omitempty"`
}

// WorkflowDefinition is the immutable, validated description of one workflow
// type: its ordered phases, approval gates, and per-phase duration estimates.
type WorkflowDefinition struct {
	typ         string
	description string
	phases      []PhaseID
	phaseIndex  map[PhaseID]int
	gates       []*ApprovalGate
	gatesByName map[string]*ApprovalGate
	estimates   map[PhaseID]time.Duration
}

// NewDefinition returns a validated WorkflowDefinition for the given options.
func NewDefinition(opts DefinitionOptions) (*WorkflowDefinition, error) {
	if opts.Type == "" {
		return nil, fmt.Errorf("workflow type required")
	}
	if len(opts.Phases) == 0 {
		return nil, fmt.Errorf("phases required")
	}

	phaseIndex := make(map[PhaseID]int, len(opts.Phases))
	for i, phase := range opts.Phases {
		if phase == "" {
			return nil, fmt.Errorf("phase name cannot be empty")
		}
		if _, ok := phaseIndex[phase]; ok {
			return nil, fmt.Errorf("duplicate phase %q", phase)
		}
		phaseIndex[phase] = i
	}

	gatesByName := make(map[string]*ApprovalGate, len(opts.Gates))
	gatesByPhase := make(map[PhaseID]string, len(opts.Gates))
	for _, gate := range opts.Gates {
		if gate.Name == "" {
			return nil, fmt.Errorf("approval gate name required")
		}
		if _, ok := gatesByName[gate.Name]; ok {
			return nil, fmt.Errorf("duplicate approval gate %q", gate.Name)
		}
		afterIdx, ok := phaseIndex[gate.AfterPhase]
		if !ok {
			return nil, fmt.Errorf("gate %q references unknown phase %q", gate.Name, gate.AfterPhase)
		}
		beforeIdx, ok := phaseIndex[gate.BeforePhase]
		if !ok {
			return nil, fmt.Errorf("gate %q references unknown phase %q", gate.Name, gate.BeforePhase)
		}
		if beforeIdx != afterIdx+1 {
			return nil, fmt.Errorf("gate %q must sit between consecutive phases, got %q -> %q",
				gate.Name, gate.AfterPhase, gate.BeforePhase)
		}
		if prior, ok := gatesByPhase[gate.AfterPhase]; ok {
			return nil, fmt.Errorf("gates %q and %q both follow phase %q", prior, gate.Name, gate.AfterPhase)
		}
		if gate.TimeoutMinutes <= 0 {
			return nil, fmt.Errorf("gate %q requires a positive timeout", gate.Name)
		}
		gatesByName[gate.Name] = gate
		gatesByPhase[gate.AfterPhase] = gate.Name
	}

	for phase := range opts.Estimates {
		if _, ok := phaseIndex[phase]; !ok {
			return nil, fmt.Errorf("duration estimate for unknown phase %q", phase)
		}
	}

	return &WorkflowDefinition{
		typ:         opts.Type,
		description: opts.Description,
		phases:      opts.Phases,
		phaseIndex:  phaseIndex,
		gates:       opts.Gates,
		gatesByName: gatesByName,
		estimates:   opts.Estimates,
	}, nil
}

// Type returns the workflow type name
func (d *WorkflowDefinition) Type() string {
	return d.typ
}

// Description returns the workflow description
func (d *WorkflowDefinition) Description() string {
	return d.description
}

// Phases returns the ordered phase sequence
func (d *WorkflowDefinition) Phases() []PhaseID {
	return d.phases
}

// PhaseCount returns the number of phases
func (d *WorkflowDefinition) PhaseCount() int {
	return len(d.phases)
}

// PhaseAt returns the phase at the given index
func (d *WorkflowDefinition) PhaseAt(index int) (PhaseID, bool) {
	if index < 0 || index >= len(d.phases) {
		return "", false
	}
	return d.phases[index], true
}

// PhaseIndex returns the position of a phase within the ordered sequence
func (d *WorkflowDefinition) PhaseIndex(phase PhaseID) (int, bool) {
	i, ok := d.phaseIndex[phase]
	return i, ok
}

// Gates returns the approval gates in definition order
func (d *WorkflowDefinition) Gates() []*ApprovalGate {
	return d.gates
}

// Gate returns a gate by name
func (d *WorkflowDefinition) Gate(name string) (*ApprovalGate, bool) {
	gate, ok := d.gatesByName[name]
	return gate, ok
}

// GateAfter returns the gate registered after the given phase, if any.
// Definition order decides if multiple match (rejected at registration, but
// stored instances may carry older definitions).
func (d *WorkflowDefinition) GateAfter(phase PhaseID) (*ApprovalGate, bool) {
	for _, gate := range d.gates {
		if gate.AfterPhase == phase {
			return gate, true
		}
	}
	return nil, false
}

// Estimate returns the duration estimate for a phase, or zero if none is set
func (d *WorkflowDefinition) Estimate(phase PhaseID) time.Duration {
	return d.estimates[phase]
}

// EstimatedTotal returns the sum of all phase duration estimates
func (d *WorkflowDefinition) EstimatedTotal() time.Duration {
	var total time.Duration
	for _, phase := range d.phases {
		total += d.estimates[phase]
	}
	return total
}

// Registry holds the known workflow definitions, keyed by type.
type Registry struct {
	mutex sync.RWMutex
	defs  map[string]*WorkflowDefinition
}

// NewRegistry creates an empty workflow definition registry
func NewRegistry() *Registry {
	return &Registry{defs: map[string]*WorkflowDefinition{}}
}

// Register adds a definition to the registry
func (r *Registry) Register(def *WorkflowDefinition) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.defs[def.Type()]; ok {
		return fmt.Errorf("workflow type %q already registered", def.Type())
	}
	r.defs[def.Type()] = def
	return nil
}

// Get returns the definition for a workflow type
func (r *Registry) Get(typ string) (*WorkflowDefinition, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	def, ok := r.defs[typ]
	if !ok {
		return nil, &OrchestrationError{
			Kind:  ErrorKindInvalidWorkflowType,
			Cause: fmt.Sprintf("unknown workflow type %q", typ),
		}
	}
	return def, nil
}

// Types returns the registered workflow type names, sorted
func (r *Registry) Types() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	types := make([]string, 0, len(r.defs))
	for typ := range r.defs {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// LoadDefinitionFile loads a workflow definition from a YAML file
func LoadDefinitionFile(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	return LoadDefinitionString(string(data))
}

// LoadDefinitionString loads a workflow definition from a YAML string
func LoadDefinitionString(data string) (*WorkflowDefinition, error) {
	var opts DefinitionOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	return NewDefinition(opts)
}
