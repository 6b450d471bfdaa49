package conductor

import (
	"context"
)

// PhaseResult is the opaque output of a phase worker. The orchestrator never
// inspects the semantic content of Outputs.
type PhaseResult struct {
	Outputs          map[string]any `json:"outputs,omitempty"`
	ArtifactsCreated int            `json:"artifacts_created,omitempty"`
}

// Worker is an external, opaque unit of work executed during a phase.
type Worker interface {

	// Name returns the name of the worker
	Name() string

	// Execute runs the worker against a snapshot of the current instance.
	// Errors should be classified OrchestrationErrors where possible.
	Execute(ctx context.Context, instance *WorkflowInstance) (*PhaseResult, error)
}

// WorkerFunction is a function that can be used as a worker
type WorkerFunction struct {
	name string
	fn   func(ctx context.Context, instance *WorkflowInstance) (*PhaseResult, error)
}

// NewWorkerFunction creates a new WorkerFunction
func NewWorkerFunction(name string, fn func(ctx context.Context, instance *WorkflowInstance) (*PhaseResult, error)) *WorkerFunction {
	return &WorkerFunction{name: name, fn: fn}
}

func (w *WorkerFunction) Name() string {
	return w.name
}

func (w *WorkerFunction) Execute(ctx context.Context, instance *WorkflowInstance) (*PhaseResult, error) {
	return w.fn(ctx, instance)
}
