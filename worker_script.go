package conductor

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/conductor/script"
)

// ScriptWorker runs a compiled script as a phase worker. The script receives
// a read-only snapshot of the instance under the "workflow" global and
// should return a map of outputs. Returning a falsy value fails the phase.
type ScriptWorker struct {
	name     string
	code     string
	compiler script.Compiler
	compiled script.Script
}

// NewScriptWorker compiles the source eagerly so definition errors surface
// at registration rather than mid-phase.
func NewScriptWorker(ctx context.Context, name, code string, compiler script.Compiler) (*ScriptWorker, error) {
	if compiler == nil {
		// The workflow global must be declared at compile time so scripts
		// can reference it; the real value is supplied per evaluation.
		compiler = script.NewRisorScriptingEngine(map[string]any{"workflow": nil})
	}
	compiled, err := compiler.Compile(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile worker script %q: %w", name, err)
	}
	return &ScriptWorker{
		name:     name,
		code:     code,
		compiler: compiler,
		compiled: compiled,
	}, nil
}

func (w *ScriptWorker) Name() string {
	return w.name
}

func (w *ScriptWorker) Execute(ctx context.Context, instance *WorkflowInstance) (*PhaseResult, error) {
	value, err := w.compiled.Evaluate(ctx, map[string]any{
		"workflow": map[string]any{
			"id":       instance.ID,
			"type":     instance.Type,
			"phase":    string(instance.CurrentPhase),
			"index":    instance.CurrentPhaseIndex,
			"progress": instance.PhaseDetails.ProgressPercentage,
		},
	})
	if err != nil {
		return nil, NewWorkerFailure(fmt.Sprintf("script worker %s: %v", w.name, err), false)
	}
	if !value.IsTruthy() {
		return nil, NewWorkerFailure(fmt.Sprintf("script worker %s returned a falsy result", w.name), false)
	}
	result := &PhaseResult{}
	if outputs, ok := value.Value().(map[string]any); ok {
		result.Outputs = outputs
	} else {
		result.Outputs = map[string]any{"result": value.Value()}
	}
	return result, nil
}
