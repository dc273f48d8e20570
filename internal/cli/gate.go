package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crewlyhq/crewly/internal/core/errs"
	"github.com/crewlyhq/crewly/internal/core/quality"
	"github.com/crewlyhq/crewly/internal/core/tasks"
	"github.com/crewlyhq/crewly/internal/store"
)

// GateCmd exposes QualityGateRunner directly, without bringing up the
// continuation engine or periodic checker, so gates can be run ad hoc
// (e.g. from a pre-commit hook) or scripted in CI.
func GateCmd() *cobra.Command {
	var gatesPath string
	var skipOptional bool
	var branch string
	var only []string

	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Run quality gates against the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			proj := projectDir
			if proj == "" {
				proj, _ = os.Getwd()
			}
			if gatesPath == "" {
				gatesPath = ServerConfig.Storage.GatesPath
			}

			doc, err := loadOrDefaultGates(gatesPath)
			if err != nil {
				return fmt.Errorf("load gates from %s: %w", gatesPath, err)
			}

			runner := quality.NewRunner(maxParallelGates)
			results, err := runner.RunAll(context.Background(), proj, doc.GateConfig(), quality.RunOptions{
				GateNames:    only,
				SkipOptional: skipOptional,
				Branch:       branch,
			})
			if err != nil {
				return fmt.Errorf("run gates: %w", err)
			}

			for _, g := range results.Gates {
				status := "PASS"
				if !g.Passed {
					status = "FAIL"
				}
				fmt.Printf("[%s] %-20s %dms\n", status, g.Name, g.DurationMS)
				if !g.Passed && g.Output != "" {
					fmt.Println(g.Output)
				}
			}

			if !results.AllRequiredPassed {
				return fmt.Errorf("%w: one or more required quality gates failed", errs.ErrGateFailed)
			}
			fmt.Println("all required gates passed")
			return nil
		},
	}

	cmd.Flags().StringVar(&gatesPath, "gates", "", "path to quality-gates.yaml (default: main config's Storage.GatesPath)")
	cmd.Flags().BoolVar(&skipOptional, "skip-optional", false, "skip optional gates")
	cmd.Flags().StringVar(&branch, "branch", "", "current branch, for runOnBranches filtering")
	cmd.Flags().StringSliceVar(&only, "only", nil, "restrict to specific gate names")

	cmd.AddCommand(gateCompleteCmd())

	return cmd
}

// gateCompleteCmd wires tasks.CompleteTask: run the configured gates
// against a specific task and only mark it completed if every required
// gate passes, per §4.E/§4.F's completeTask contract.
func gateCompleteCmd() *cobra.Command {
	var taskID string
	var gatesPath string
	var skipGates bool
	var branch string

	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Run quality gates for a task and mark it completed if they pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			if taskID == "" {
				return fmt.Errorf("--task is required")
			}
			proj := projectDirOrCwd()
			if gatesPath == "" {
				gatesPath = ServerConfig.Storage.GatesPath
			}

			doc, err := loadOrDefaultGates(gatesPath)
			if err != nil {
				return fmt.Errorf("load gates from %s: %w", gatesPath, err)
			}

			st, err := store.NewSQLite(ServerConfig.Storage.SQLitePath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			repo := store.NewTaskRepo(st)
			runner := quality.NewRunner(maxParallelGates)

			result, err := tasks.CompleteTask(context.Background(), repo, runner, tasks.CompleteInput{
				TaskID:      taskID,
				ProjectPath: proj,
				GateConfig:  doc.GateConfig(),
				Branch:      branch,
				SkipGates:   skipGates,
			})
			if err != nil {
				return err
			}

			if !result.Success {
				fmt.Printf("task %s not completed; %d required gate(s) failed:\n", taskID, len(result.FailedGates))
				for _, g := range result.FailedGates {
					fmt.Printf("  [FAIL] %-20s exit=%d\n%s\n", g.Name, g.ExitCode, g.Output)
				}
				return fmt.Errorf("%w: required quality gates failed", errs.ErrGateFailed)
			}

			fmt.Printf("task %s completed\n", taskID)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "task ID to complete (required)")
	cmd.Flags().StringVar(&gatesPath, "gates", "", "path to quality-gates.yaml (default: main config's Storage.GatesPath)")
	cmd.Flags().BoolVar(&skipGates, "skip-gates", false, "mark complete without running quality gates")
	cmd.Flags().StringVar(&branch, "branch", "", "current branch, for runOnBranches filtering")

	return cmd
}
