package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/crewlyhq/crewly/internal/cli"
	"github.com/crewlyhq/crewly/internal/config"
	"github.com/crewlyhq/crewly/internal/defaults"
)

func main() {
	dataDir, err := defaults.DataDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "crewlyd: %v\n", err)
		os.Exit(1)
	}

	c, err := config.LoadFromBytes(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "crewlyd: load default config: %v\n", err)
		os.Exit(1)
	}
	c.Storage.SQLitePath = filepath.Join(dataDir, "data", "crewly.db")
	c.Storage.CheckpointPath = filepath.Join(dataDir, "state", "orchestrator-state.json")
	c.Storage.SelfImprovementDir = filepath.Join(dataDir, "self-improvement")
	c.Storage.GatesPath = filepath.Join(dataDir, "config", "quality-gates.yaml")
	c.Storage.BudgetsPath = filepath.Join(dataDir, "budgets.yaml")
	c.Storage.UsageExportDir = filepath.Join(dataDir, "usage")

	if err := cli.SetupRootCmd(&c).Execute(); err != nil {
		os.Exit(cli.ExitCodeFor(err))
	}
}
