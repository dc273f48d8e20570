package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crewlyhq/crewly/internal/core/errs"
	"github.com/crewlyhq/crewly/internal/core/model"
	"github.com/crewlyhq/crewly/internal/core/selfimprove"
)

// SelfImproveCmd drives SelfImprovementDriver (§4.J) from the command
// line: status, history, cancel, and validate, each a thin wrapper
// over a freshly built Driver sharing the configured marker directory.
func SelfImproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "selfimprove",
		Short: "Inspect or drive a self-improvement change",
	}
	cmd.AddCommand(selfImproveStatusCmd())
	cmd.AddCommand(selfImproveHistoryCmd())
	cmd.AddCommand(selfImproveCancelCmd())
	cmd.AddCommand(selfImproveValidateCmd())
	return cmd
}

func newSelfImproveDriver() *selfimprove.Driver {
	proj := projectDirOrCwd()
	return selfimprove.NewDriver(proj, ServerConfig.Storage.SelfImprovementDir)
}

func selfImproveStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current self-improvement marker, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			marker, err := newSelfImproveDriver().Status(context.Background())
			if err != nil {
				return err
			}
			if marker == nil {
				fmt.Println("no self-improvement in progress")
				return nil
			}
			printMarker(*marker)
			return nil
		},
	}
}

func selfImproveHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List archived self-improvement markers",
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := newSelfImproveDriver().History(context.Background())
			if err != nil {
				return err
			}
			if len(history) == 0 {
				fmt.Println("no archived self-improvement markers")
				return nil
			}
			for _, m := range history {
				fmt.Printf("%s  %-12s %-10s %s\n", m.UpdatedAt.Format("2006-01-02T15:04:05"), m.Phase, m.RiskLevel, m.Description)
			}
			return nil
		},
	}
}

func selfImproveCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a planned self-improvement before any file is changed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newSelfImproveDriver().Cancel(context.Background()); err != nil {
				return err
			}
			fmt.Println("self-improvement cancelled")
			return nil
		},
	}
}

// selfImproveValidateCmd runs the marker's configured validation checks
// ad hoc (outside StartupReconciler's own pass at daemon boot), so the
// owner can check whether changes_applied is ready to promote without
// waiting for a restart. Unlike Reconciler.Reconcile, it does not persist
// results back to the marker or roll anything back on failure.
func selfImproveValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Run the current marker's validation checks without restarting",
		RunE: func(cmd *cobra.Command, args []string) error {
			marker, err := newSelfImproveDriver().Status(context.Background())
			if err != nil {
				return err
			}
			if marker == nil {
				return fmt.Errorf("no self-improvement marker in progress")
			}

			validator := selfimprove.NewValidator()
			passed, err := validator.Run(context.Background(), projectDirOrCwd(), marker)
			if err != nil {
				return fmt.Errorf("run validation: %w", err)
			}

			for _, r := range marker.Validation.Results {
				status := "PASS"
				if !r.Passed {
					status = "FAIL"
				}
				fmt.Printf("[%s] %-20s %dms\n", status, r.Check, r.DurationMS)
			}

			if !passed {
				return fmt.Errorf("%w: one or more required validation checks failed", errs.ErrValidationFailed)
			}
			fmt.Println("all validation checks passed")
			return nil
		},
	}
}

func printMarker(m model.ImprovementMarker) {
	fmt.Printf("id:          %s\n", m.ID)
	fmt.Printf("phase:       %s\n", m.Phase)
	fmt.Printf("risk:        %s\n", m.RiskLevel)
	fmt.Printf("description: %s\n", m.Description)
	fmt.Printf("restarts:    %d\n", m.RestartCount)
	if m.Error != "" {
		fmt.Printf("error:       %s\n", m.Error)
	}
	fmt.Fprintln(os.Stdout)
}
