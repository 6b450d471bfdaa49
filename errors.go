package conductor

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"

	"github.com/deepnoodle-ai/conductor/retry"
)

// ErrNoActiveWorkflow indicates an operation was attempted with no live
// workflow instance in the state store.
var ErrNoActiveWorkflow = errors.New("no active workflow")

// ErrorKind classifies a failure into the fixed recovery taxonomy.
type ErrorKind string

const (
	// ErrorKindStateCorruption indicates the persisted state failed
	// integrity validation. Recovered by restoring the latest checkpoint.
	ErrorKindStateCorruption ErrorKind = "state_corruption"

	// ErrorKindFileAccess indicates a filesystem failure while persisting
	// or loading state. Retryable file errors are retried with backoff.
	ErrorKindFileAccess ErrorKind = "file_access"

	// ErrorKindInvalidPhase indicates the instance references a phase the
	// definition does not know. Recovered by resetting the current phase.
	ErrorKindInvalidPhase ErrorKind = "invalid_phase"

	// ErrorKindInvalidWorkflowType indicates an unknown workflow type.
	ErrorKindInvalidWorkflowType ErrorKind = "invalid_workflow_type"

	// ErrorKindApprovalGate indicates a gate protocol violation, e.g.
	// approving a gate that is not pending.
	ErrorKindApprovalGate ErrorKind = "approval_gate_error"

	// ErrorKindWorkerFailure indicates a phase worker failed. Critical
	// failures require manual intervention; non-critical ones skip the
	// worker and continue the phase.
	ErrorKindWorkerFailure ErrorKind = "worker_failure"

	// ErrorKindNetwork indicates a transient network failure.
	ErrorKindNetwork ErrorKind = "network_error"

	// ErrorKindValidation is the default classification for unrecognized
	// errors. Mapped to safe-mode degradation.
	ErrorKindValidation ErrorKind = "validation_error"

	// ErrorKindRecoveryFailed indicates a recovery strategy itself failed.
	// Always escalates to manual intervention, never loops.
	ErrorKindRecoveryFailed ErrorKind = "recovery_failed"
)

// OrchestrationError is a structured error carrying its taxonomy kind and a
// typed payload. It supports Go's error wrapping patterns with Unwrap().
type OrchestrationError struct {
	Kind      ErrorKind      `json:"kind"`
	Cause     string         `json:"cause"`
	Retryable bool           `json:"retryable,omitempty"`
	Critical  bool           `json:"critical,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Wrapped   error          `json:"-"`
}

// Error implements the error interface
func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

// Unwrap implements the error unwrapping interface for errors.Is and errors.As
func (e *OrchestrationError) Unwrap() error {
	return e.Wrapped
}

// NewError creates a new OrchestrationError with the given kind and cause.
func NewError(kind ErrorKind, format string, args ...any) *OrchestrationError {
	return &OrchestrationError{Kind: kind, Cause: fmt.Sprintf(format, args...)}
}

// NewWorkerFailure creates a worker failure error. Critical failures are
// never retried or skipped automatically.
func NewWorkerFailure(cause string, critical bool) *OrchestrationError {
	return &OrchestrationError{
		Kind:      ErrorKindWorkerFailure,
		Cause:     cause,
		Critical:  critical,
		Retryable: !critical,
	}
}

// NewNetworkError creates a retryable network error.
func NewNetworkError(cause string) *OrchestrationError {
	return &OrchestrationError{Kind: ErrorKindNetwork, Cause: cause, Retryable: true}
}

// NewFileAccessError creates a file access error, retryable or not.
func NewFileAccessError(cause string, retryable bool) *OrchestrationError {
	return &OrchestrationError{Kind: ErrorKindFileAccess, Cause: cause, Retryable: retryable}
}

// NewStateCorruptionError wraps an integrity failure as state corruption.
func NewStateCorruptionError(err error) *OrchestrationError {
	return &OrchestrationError{
		Kind:    ErrorKindStateCorruption,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// Classify maps an arbitrary error onto the recovery taxonomy. Errors that
// are already OrchestrationErrors pass through unchanged. Network and
// filesystem failures are recognized by type; everything else defaults to
// the validation kind, which routes to safe-mode degradation.
func Classify(err error) *OrchestrationError {
	var oerr *OrchestrationError
	if errors.As(err, &oerr) {
		return oerr
	}

	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.As(err, &urlErr) {
		return &OrchestrationError{
			Kind:      ErrorKindNetwork,
			Cause:     err.Error(),
			Retryable: true,
			Wrapped:   err,
		}
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return &OrchestrationError{
			Kind:      ErrorKindFileAccess,
			Cause:     err.Error(),
			Retryable: retry.IsRecoverable(err),
			Wrapped:   err,
		}
	}

	return &OrchestrationError{
		Kind:    ErrorKindValidation,
		Cause:   err.Error(),
		Wrapped: err,
	}
}
