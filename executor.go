package conductor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// DefaultMaxRetries bounds worker re-invocations within one phase run.
const DefaultMaxRetries = 3

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Orchestrator *Orchestrator
	MaxRetries   int
	BaseDelay    time.Duration
	Logger       *slog.Logger

	// Sleep is the backoff wait. Tests substitute an instant version.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Executor runs a phase's external worker under the error recovery engine
// with bounded retries and exponential backoff, updating persisted progress
// before and after.
type Executor struct {
	orchestrator *Orchestrator
	maxRetries   int
	baseDelay    time.Duration
	logger       *slog.Logger
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an execution wrapper around the orchestrator.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Executor{
		orchestrator: opts.Orchestrator,
		maxRetries:   opts.MaxRetries,
		baseDelay:    opts.BaseDelay,
		logger:       opts.Logger,
		sleep:        opts.Sleep,
	}, nil
}

// RunPhase invokes the worker for the current phase. On success the result
// is forwarded to CompletePhase. On failure the recovery engine decides:
// retry with backoff (bounded by maxRetries), continue with the engine's
// recovered result, or surface the error with manual-intervention
// instructions.
func (x *Executor) RunPhase(ctx context.Context, worker Worker) error {
	instance, err := x.orchestrator.Current(ctx)
	if err != nil {
		return err
	}
	if err := x.orchestrator.UpdatePhase(ctx, func(details *PhaseDetails) {
		if !containsWorker(details.ActiveWorkers, worker.Name()) {
			details.ActiveWorkers = append(details.ActiveWorkers, worker.Name())
		}
	}); err != nil {
		x.logger.Error("failed to record worker registration", "worker", worker.Name(), "error", err)
	}

	attempts := 0
	for {
		result, err := worker.Execute(ctx, instance)
		if err == nil {
			x.logger.Info("worker succeeded",
				"worker", worker.Name(),
				"phase", instance.CurrentPhase,
				"attempts", attempts+1)
			var outputs map[string]any
			var artifacts int
			if result != nil {
				outputs = result.Outputs
				artifacts = result.ArtifactsCreated
			}
			if artifacts > 0 {
				if err := x.orchestrator.UpdatePhase(ctx, func(details *PhaseDetails) {
					details.ArtifactsCreated += artifacts
				}); err != nil {
					x.logger.Error("failed to record created artifacts", "worker", worker.Name(), "error", err)
				}
			}
			return x.orchestrator.CompletePhase(ctx, outputs)
		}

		attempts++
		recovery, handleErr := x.orchestrator.HandleFailure(ctx, err, worker.Name())
		if handleErr != nil {
			return handleErr
		}

		switch {
		case recovery.Retry:
			if attempts >= x.maxRetries {
				terminal := &OrchestrationError{
					Kind:      ErrorKindWorkerFailure,
					Cause:     fmt.Sprintf("worker %s failed after %d attempts: %v", worker.Name(), attempts, err),
					Critical:  true,
					Retryable: false,
					Wrapped:   err,
				}
				x.logger.Error("worker exhausted retries", "worker", worker.Name(), "attempts", attempts)
				return terminal
			}
			delay := x.baseDelay * (1 << attempts)
			x.logger.Warn("worker failed, retrying",
				"worker", worker.Name(),
				"attempt", attempts,
				"delay", delay,
				"error", err)
			if err := x.sleep(ctx, delay); err != nil {
				return err
			}
			if instance, err = x.orchestrator.Current(ctx); err != nil {
				return err
			}

		case recovery.Recovered:
			// The engine resolved the failure; the phase advances with the
			// engine's result rather than the worker's.
			x.logger.Info("worker failure recovered",
				"worker", worker.Name(),
				"strategy", recovery.Strategy,
				"message", recovery.Message)
			if recovery.Strategy == StrategySkipWorker {
				return x.orchestrator.CompletePhase(ctx, map[string]any{
					"recovery": string(recovery.Strategy),
					"message":  recovery.Message,
				})
			}
			// Reset or restore already adjusted persisted state; the phase
			// is re-runnable from there.
			return nil

		default:
			x.logger.Error("worker failure requires manual intervention",
				"worker", worker.Name(),
				"strategy", recovery.Strategy,
				"message", recovery.Message)
			for _, instruction := range recovery.Instructions {
				x.logger.Error(instruction)
			}
			return Classify(err)
		}
	}
}

func containsWorker(workers []string, name string) bool {
	for _, w := range workers {
		if w == name {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
