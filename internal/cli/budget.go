package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/crewlyhq/crewly/internal/core/budget"
	"github.com/crewlyhq/crewly/internal/core/errs"
	"github.com/crewlyhq/crewly/internal/store"
)

// BudgetCmd surfaces BudgetGuard's usage report (§4.G) without bringing
// the rest of the orchestrator up.
func BudgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect agent spend against configured budgets",
	}
	cmd.AddCommand(budgetReportCmd())
	cmd.AddCommand(budgetExportCmd())
	return cmd
}

func budgetReportCmd() *cobra.Command {
	var agentID string
	var period string
	var budgetsPath string

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report usage and cost for an agent over a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent is required")
			}
			if budgetsPath == "" {
				budgetsPath = ServerConfig.Storage.BudgetsPath
			}

			doc, err := loadOrDefaultBudgets(budgetsPath)
			if err != nil {
				return fmt.Errorf("load budgets from %s: %w", budgetsPath, err)
			}

			st, err := store.NewSQLite(ServerConfig.Storage.SQLitePath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			ledger := store.NewUsageLedger(st)
			guard := budget.NewGuard(ledger, doc.RateTable(), doc.BudgetConfigs())

			p := budget.Period(period)
			switch p {
			case budget.PeriodDay, budget.PeriodWeek, budget.PeriodMonth:
			default:
				return fmt.Errorf("invalid --period %q (want day, week, or month)", period)
			}

			summary, err := guard.GetUsage(context.Background(), agentID, p)
			if err != nil {
				return fmt.Errorf("get usage: %w", err)
			}

			status, err := guard.CheckBudget(context.Background(), agentID, projectDirOrCwd())
			if err != nil {
				return fmt.Errorf("check budget: %w", err)
			}

			fmt.Printf("agent:          %s\n", agentID)
			fmt.Printf("period:         %s\n", period)
			fmt.Printf("input tokens:   %d\n", summary.InputTokens)
			fmt.Printf("output tokens:  %d\n", summary.OutputTokens)
			fmt.Printf("total tokens:   %d\n", summary.TotalTokens)
			fmt.Printf("cost:           $%.4f\n", summary.Cost)
			fmt.Printf("within budget:  %v\n", status.WithinBudget)
			fmt.Printf("daily used:     $%.2f / $%.2f (%.1f%%)\n", status.DailyUsed, status.DailyLimit, status.PercentUsed*100)

			if !status.WithinBudget {
				return fmt.Errorf("%w: agent %s is over budget (%.1f%% of daily limit)", errs.ErrBudgetExceeded, agentID, status.PercentUsed*100)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "agent ID to report on (required)")
	cmd.Flags().StringVar(&period, "period", "day", "aggregation period: day, week, or month")
	cmd.Flags().StringVar(&budgetsPath, "budgets", "", "path to budgets.yaml (default: main config's Storage.BudgetsPath)")

	return cmd
}

// budgetExportCmd regenerates the day-bucketed usage/YYYY-MM-DD.log JSONL
// file from the SQLite ledger, for external tools that read the flat-file
// layout directly instead of querying the database (§6).
func budgetExportCmd() *cobra.Command {
	var day string
	var exportDir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export one UTC day of usage records as JSONL",
		RunE: func(cmd *cobra.Command, args []string) error {
			date := time.Now().UTC()
			if day != "" {
				parsed, err := time.Parse("2006-01-02", day)
				if err != nil {
					return fmt.Errorf("invalid --day %q (want YYYY-MM-DD): %w", day, err)
				}
				date = parsed
			}
			if exportDir == "" {
				exportDir = ServerConfig.Storage.UsageExportDir
			}

			st, err := store.NewSQLite(ServerConfig.Storage.SQLitePath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			exporter := store.NewUsageExporter(store.NewUsageLedger(st), exportDir)
			path, err := exporter.ExportDay(context.Background(), date)
			if err != nil {
				return fmt.Errorf("export usage: %w", err)
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&day, "day", "", "UTC day to export, YYYY-MM-DD (default: today)")
	cmd.Flags().StringVar(&exportDir, "dir", "", "usage export directory (default: main config's Storage.UsageExportDir)")

	return cmd
}

func projectDirOrCwd() string {
	if projectDir != "" {
		return projectDir
	}
	dir, _ := os.Getwd()
	return dir
}
