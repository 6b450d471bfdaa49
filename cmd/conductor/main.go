package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/deepnoodle-ai/conductor"
	"github.com/fatih/color"
	cli "github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "conductor",
		Usage: "Phase-based workflow orchestration with approval gates and checkpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "data-dir",
				Usage: "State directory (default ~/.conductor/workflows)",
			},
			&cli.StringFlag{
				Name:  "definitions",
				Usage: "Directory of workflow definition YAML files (default ~/.conductor/definitions)",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			startCmd(),
			statusCmd(),
			resumeCmd(),
			saveStateCmd(),
			approveGateCmd(),
			checkpointsCmd(),
			recoveryCmd(),
			typesCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// env bundles everything a command needs, built from the global flags.
type env struct {
	orchestrator *conductor.Orchestrator
	store        *conductor.FileStateStore
	registry     *conductor.Registry
}

func setup(cmd *cli.Command) (*env, error) {
	store, err := conductor.NewFileStateStore(cmd.String("data-dir"))
	if err != nil {
		return nil, err
	}

	registry := conductor.NewRegistry()
	if err := loadDefinitions(registry, cmd.String("definitions")); err != nil {
		return nil, err
	}

	level := slog.LevelWarn
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}
	orchestrator, err := conductor.NewOrchestrator(conductor.OrchestratorOptions{
		Registry: registry,
		Store:    store,
		ErrorLog: conductor.NewFileErrorLogger(filepath.Join(store.DataDir(), "errors")),
		Logger:   conductor.NewLogger(level),
	})
	if err != nil {
		return nil, err
	}
	return &env{orchestrator: orchestrator, store: store, registry: registry}, nil
}

func loadDefinitions(registry *conductor.Registry, dir string) error {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		dir = filepath.Join(homeDir, ".conductor", "definitions")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		def, err := conductor.LoadDefinitionFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("definition %s: %w", name, err)
		}
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("definition %s: %w", name, err)
		}
	}
	return nil
}

func startCmd() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Start a new workflow",
		ArgsUsage: "<type>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "parallel", Usage: "Allow parallel workers within a phase"},
			&cli.BoolFlag{Name: "dry-run", Usage: "Show what would start without persisting anything"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			workflowType := cmd.Args().First()
			if workflowType == "" {
				return fmt.Errorf("workflow type is required")
			}
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			instance, err := e.orchestrator.Start(ctx, workflowType, conductor.StartOptions{
				Parallel: cmd.Bool("parallel"),
				DryRun:   cmd.Bool("dry-run"),
			})
			if err != nil {
				return err
			}
			if cmd.Bool("dry-run") {
				color.Yellow("Dry run: workflow %s would start at phase %s", workflowType, instance.CurrentPhase)
				return nil
			}
			color.Green("Started workflow %s (%s)", instance.ID, workflowType)
			color.White("Current phase: %s", instance.CurrentPhase)
			return nil
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the live workflow status",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Emit status as JSON"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			status, err := e.orchestrator.Status(ctx)
			if err != nil {
				return err
			}
			if cmd.Bool("json") {
				data, err := json.MarshalIndent(status, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			printStatus(status)
			return nil
		},
	}
}

func printStatus(status *conductor.WorkflowStatus) {
	color.Cyan("Workflow %s (%s)", status.ID, status.Type)
	color.White("Phase:     %s (%d/%d)", status.Phase, status.PhaseIndex+1, status.PhaseCount)
	color.White("Progress:  %.0f%%", status.Progress)
	if len(status.PhasesCompleted) > 0 {
		phases := make([]string, len(status.PhasesCompleted))
		for i, phase := range status.PhasesCompleted {
			phases[i] = string(phase)
		}
		color.White("Completed: %s", strings.Join(phases, ", "))
	}
	if status.AwaitingApproval != "" {
		color.Yellow("Awaiting approval: %s (run: conductor approve-gate %s)",
			status.AwaitingApproval, status.AwaitingApproval)
	}
	for _, timeout := range status.TimedOutGates {
		color.Red("Gate %s pending for %s (timeout %dm)",
			timeout.Gate, timeout.Elapsed.Round(time.Minute), timeout.TimeoutMinutes)
	}
	if status.SafeMode {
		color.Red("SAFE MODE: every phase transition requires approval")
	}
	for _, skipped := range status.SkippedWorkers {
		color.Yellow("Skipped worker: %s (phase %s)", skipped.Name, skipped.Phase)
	}
	if status.EstimatedRemaining > 0 {
		color.White("Estimated remaining: %s", status.EstimatedRemaining.Round(time.Minute))
	}
}

func resumeCmd() *cli.Command {
	return &cli.Command{
		Name:  "resume",
		Usage: "Resume the interrupted workflow from its last saved state",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			instance, err := e.orchestrator.Resume(ctx)
			if err != nil {
				return err
			}
			color.Green("Resumed workflow %s at phase %s (%.0f%%)",
				instance.ID, instance.CurrentPhase, instance.PhaseDetails.ProgressPercentage)
			return nil
		},
	}
}

func saveStateCmd() *cli.Command {
	return &cli.Command{
		Name:      "save-state",
		Usage:     "Take a manual checkpoint of the live workflow",
		ArgsUsage: "[name]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "note", Usage: "Attach a note to the checkpoint"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			checkpoint, err := e.orchestrator.SaveCheckpoint(ctx, cmd.Args().First(), cmd.String("note"))
			if err != nil {
				return err
			}
			color.Green("Saved checkpoint %s (phase %s, %.0f%%)",
				checkpoint.Name, checkpoint.Phase, checkpoint.ProgressAtCreation)
			return nil
		},
	}
}

func approveGateCmd() *cli.Command {
	return &cli.Command{
		Name:      "approve-gate",
		Usage:     "Approve the pending gate and advance the workflow",
		ArgsUsage: "<gate>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "set", Usage: "Record a modification as key=value (repeatable)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			gate := cmd.Args().First()
			if gate == "" {
				return fmt.Errorf("gate name is required")
			}
			modifications, err := parseModifications(cmd.StringSlice("set"))
			if err != nil {
				return err
			}
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			if err := e.orchestrator.ApproveGate(ctx, gate, modifications); err != nil {
				return err
			}
			color.Green("Gate %s approved", gate)
			status, err := e.orchestrator.Status(ctx)
			if err == nil {
				color.White("Current phase: %s", status.Phase)
			}
			return nil
		},
	}
}

func parseModifications(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	modifications := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid modification %q, expected key=value", pair)
		}
		modifications[key] = value
	}
	return modifications, nil
}

func checkpointsCmd() *cli.Command {
	return &cli.Command{
		Name:  "checkpoints",
		Usage: "List saved checkpoints, newest first",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			infos, err := e.store.ListCheckpoints(ctx)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				color.Yellow("No checkpoints")
				return nil
			}
			for _, info := range infos {
				kind := "manual"
				if info.Automatic {
					kind = string(info.Trigger)
				}
				color.White("%s  %s  phase=%s  progress=%.0f%%  (%s)",
					info.CreatedAt.Format(time.RFC3339), info.Name, info.Phase, info.Progress, kind)
			}
			return nil
		},
	}
}

func typesCmd() *cli.Command {
	return &cli.Command{
		Name:  "types",
		Usage: "List registered workflow types",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			types := e.registry.Types()
			if len(types) == 0 {
				color.Yellow("No workflow types registered (add YAML definitions to the definitions directory)")
				return nil
			}
			for _, typ := range types {
				def, err := e.registry.Get(typ)
				if err != nil {
					return err
				}
				color.White("%s  (%d phases, %d gates)", typ, def.PhaseCount(), len(def.Gates()))
			}
			return nil
		},
	}
}

func recoveryCmd() *cli.Command {
	return &cli.Command{
		Name:  "recovery",
		Usage: "Diagnose and recover a stuck or corrupted workflow",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "diagnostic", Usage: "Validate state and print a recovery report"},
			&cli.BoolFlag{Name: "restore-checkpoint", Usage: "Restore the latest checkpoint (see --checkpoint)"},
			&cli.StringFlag{Name: "checkpoint", Usage: "Checkpoint name for --restore-checkpoint"},
			&cli.BoolFlag{Name: "reset-phase", Usage: "Reset the current phase to zero progress"},
			&cli.BoolFlag{Name: "reset-workflow", Usage: "Archive a backup and discard the live workflow"},
			&cli.BoolFlag{Name: "skip-approval", Usage: "Bypass the pending approval gate"},
			&cli.StringFlag{Name: "skip-agent", Usage: "Skip a failed worker for the current phase"},
			&cli.StringFlag{Name: "retry-agent", Usage: "Clear a worker's skip record so it runs again"},
			&cli.StringFlag{Name: "reason", Usage: "Reason for --skip-agent or --safe-mode"},
			&cli.BoolFlag{Name: "safe-mode", Usage: "Enter restricted operation"},
			&cli.BoolFlag{Name: "exit-safe-mode", Usage: "Return to normal operation"},
			&cli.StringFlag{Name: "export-state", Usage: "Write the live state as JSON to the given file"},
			&cli.StringFlag{Name: "import-state", Usage: "Replace the live state from a JSON file"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			o := e.orchestrator

			switch {
			case cmd.Bool("diagnostic"):
				report, err := o.Diagnostic(ctx)
				if err != nil {
					return err
				}
				return printDiagnostic(report)

			case cmd.Bool("restore-checkpoint"):
				instance, err := o.RestoreCheckpoint(ctx, cmd.String("checkpoint"))
				if err != nil {
					return err
				}
				color.Green("Restored to phase %s (%.0f%%)",
					instance.CurrentPhase, instance.PhaseDetails.ProgressPercentage)
				return nil

			case cmd.Bool("reset-phase"):
				if err := o.ResetPhase(ctx); err != nil {
					return err
				}
				color.Green("Phase reset to zero progress")
				return nil

			case cmd.Bool("reset-workflow"):
				if err := o.ResetWorkflow(ctx); err != nil {
					return err
				}
				color.Green("Workflow reset; a backup was archived")
				return nil

			case cmd.Bool("skip-approval"):
				if err := o.SkipPendingApproval(ctx); err != nil {
					return err
				}
				color.Yellow("Pending approval bypassed")
				return nil

			case cmd.String("skip-agent") != "":
				worker := cmd.String("skip-agent")
				if err := o.SkipWorker(ctx, worker, cmd.String("reason")); err != nil {
					return err
				}
				color.Yellow("Worker %s skipped for the current phase", worker)
				return nil

			case cmd.String("retry-agent") != "":
				worker := cmd.String("retry-agent")
				if err := o.RetryWorker(ctx, worker); err != nil {
					return err
				}
				color.Green("Worker %s will be dispatched again", worker)
				return nil

			case cmd.Bool("safe-mode"):
				reason := cmd.String("reason")
				if reason == "" {
					reason = "operator requested"
				}
				if err := o.EnterSafeMode(ctx, reason); err != nil {
					return err
				}
				color.Yellow("Safe mode enabled: %s", reason)
				return nil

			case cmd.Bool("exit-safe-mode"):
				if err := o.ExitSafeMode(ctx); err != nil {
					return err
				}
				color.Green("Safe mode disabled")
				return nil

			case cmd.String("export-state") != "":
				data, err := o.ExportState(ctx)
				if err != nil {
					return err
				}
				path := cmd.String("export-state")
				if err := os.WriteFile(path, data, 0644); err != nil {
					return err
				}
				color.Green("State exported to %s", path)
				return nil

			case cmd.String("import-state") != "":
				path := cmd.String("import-state")
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if err := o.ImportState(ctx, data); err != nil {
					return err
				}
				color.Green("State imported from %s", path)
				return nil

			default:
				return fmt.Errorf("no recovery action specified (try --diagnostic)")
			}
		},
	}
}

func printDiagnostic(report *conductor.DiagnosticReport) error {
	if report.Valid {
		color.Green("State validation: OK")
	} else {
		color.Red("State validation: FAILED (%s)", report.ValidationError)
	}
	if !report.ActiveWorkflow {
		color.Yellow("No active workflow")
	} else if report.Status != nil {
		printStatus(report.Status)
	}
	if len(report.Checkpoints) > 0 {
		color.White("Checkpoints: %d (latest %s)", len(report.Checkpoints), report.Checkpoints[0].Name)
	}
	for _, record := range report.RecentErrors {
		outcome := record.Outcome
		if outcome == "" {
			outcome = "unresolved"
		}
		color.White("Incident %s: %s -> %s", record.Time.Format(time.RFC3339), record.Kind, outcome)
	}
	if len(report.Recommendations) > 0 {
		color.Cyan("Recommended next steps:")
		for _, recommendation := range report.Recommendations {
			color.White("  %s", recommendation)
		}
	}
	return nil
}
