package conductor

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrchestrationErrorFormatting(t *testing.T) {
	err := NewError(ErrorKindInvalidPhase, "phase %q unknown", "shipping")
	require.Equal(t, `invalid_phase: phase "shipping" unknown`, err.Error())
}

func TestOrchestrationErrorUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	err := NewStateCorruptionError(fmt.Errorf("save failed: %w", inner))
	require.ErrorIs(t, err, inner)

	var oerr *OrchestrationError
	require.ErrorAs(t, fmt.Errorf("context: %w", err), &oerr)
	require.Equal(t, ErrorKindStateCorruption, oerr.Kind)
}

func TestClassifyPassthrough(t *testing.T) {
	original := NewNetworkError("connection reset")
	require.Same(t, original, Classify(original))

	// wrapped orchestration errors pass through to the inner error
	wrapped := fmt.Errorf("during phase: %w", original)
	require.Same(t, original, Classify(wrapped))
}

func TestClassifyNetworkErrors(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	classified := Classify(opErr)
	require.Equal(t, ErrorKindNetwork, classified.Kind)
	require.True(t, classified.Retryable)
	require.ErrorIs(t, classified, opErr)

	urlErr := &url.Error{Op: "Get", URL: "https://example.com", Err: errors.New("timeout")}
	classified = Classify(urlErr)
	require.Equal(t, ErrorKindNetwork, classified.Kind)
	require.True(t, classified.Retryable)
}

func TestClassifyFileErrors(t *testing.T) {
	pathErr := &fs.PathError{Op: "open", Path: "/data/state.json", Err: fs.ErrNotExist}
	classified := Classify(pathErr)
	require.Equal(t, ErrorKindFileAccess, classified.Kind)
	require.False(t, classified.Retryable)
	require.ErrorIs(t, classified, fs.ErrNotExist)

	busy := &fs.PathError{Op: "write", Path: "/data/state.json", Err: errors.New("resource temporarily unavailable")}
	classified = Classify(busy)
	require.Equal(t, ErrorKindFileAccess, classified.Kind)
	require.True(t, classified.Retryable)
}

func TestClassifyDefaultsToValidation(t *testing.T) {
	err := errors.New("something inexplicable")
	classified := Classify(err)
	require.Equal(t, ErrorKindValidation, classified.Kind)
	require.False(t, classified.Retryable)
	require.ErrorIs(t, classified, err)
}

func TestWorkerFailureCriticality(t *testing.T) {
	noncritical := NewWorkerFailure("agent crashed", false)
	require.False(t, noncritical.Critical)
	require.True(t, noncritical.Retryable)

	critical := NewWorkerFailure("agent crashed", true)
	require.True(t, critical.Critical)
	require.False(t, critical.Retryable)
}
