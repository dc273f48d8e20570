// Package cli wires the orchestrator's command-line surface: the root
// "crewlyd" command and its subcommands (serve, gate, selfimprove,
// budget), grounded on the teacher's cmd/nebo command split (one file
// per command group, a shared vars.go for cross-file flags).
package cli

import (
	"github.com/spf13/cobra"

	"github.com/crewlyhq/crewly/internal/config"
)

// Shared CLI flags.
var (
	cfgFile    string
	projectDir string
	verbose    bool
)

// ServerConfig holds the loaded main config (set by SetupRootCmd, read
// by every subcommand).
var ServerConfig *config.Config

// SetupRootCmd builds the root cobra.Command and attaches every
// subcommand. c is the already-loaded, already-defaulted main config.
func SetupRootCmd(c *config.Config) *cobra.Command {
	ServerConfig = c

	root := &cobra.Command{
		Use:   "crewlyd",
		Short: "crewlyd supervises long-running terminal coding agents",
		Long: `crewlyd is the control-plane daemon that watches PTY-hosted coding
agent sessions, decides when to continue, hand off the next task, run
quality gates, or escalate to a human — without ever invoking a model
itself.`,
		Run: func(cmd *cobra.Command, args []string) {
			runServe(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "main config file path (not read; crewlyd runs on its built-in defaults)")
	root.PersistentFlags().StringVar(&projectDir, "project", "", "project working directory (default: current directory)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging (not read; has no effect)")

	root.AddCommand(ServeCmd())
	root.AddCommand(GateCmd())
	root.AddCommand(SelfImproveCmd())
	root.AddCommand(BudgetCmd())

	return root
}
