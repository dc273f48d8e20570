// Package config loads the orchestrator's YAML configuration documents:
// the main server config (storage location, continuation policy,
// checkpoint cadence, self-improvement validation), and the two
// independently reloadable documents quality-gates.yaml and budgets.yaml
// (see gates.go, budgets.go) — with environment-variable expansion and
// defaulting, the same way the teacher's web-server config does.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crewlyhq/crewly/internal/core/model"
)

// LoadFromBytes loads the main server config from YAML bytes with
// environment variable expansion applied before parsing.
func LoadFromBytes(data []byte) (Config, error) {
	var c Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	return c, nil
}

// Load reads and parses the main server config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return LoadFromBytes(data)
}

func applyDefaults(c *Config) {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 29875
	}
	if c.Storage.SQLitePath == "" {
		home, _ := os.UserHomeDir()
		c.Storage.SQLitePath = filepath.Join(home, ".crewly", "data", "crewly.db")
	}
	if c.Storage.CheckpointPath == "" {
		home, _ := os.UserHomeDir()
		c.Storage.CheckpointPath = filepath.Join(home, ".crewly", "data", "state.json")
	}
	if c.Storage.SelfImprovementDir == "" {
		home, _ := os.UserHomeDir()
		c.Storage.SelfImprovementDir = filepath.Join(home, ".crewly", "data", "self-improvement")
	}
	if c.Storage.GatesPath == "" {
		home, _ := os.UserHomeDir()
		c.Storage.GatesPath = filepath.Join(home, ".crewly", "config", "quality-gates.yaml")
	}
	if c.Storage.BudgetsPath == "" {
		home, _ := os.UserHomeDir()
		c.Storage.BudgetsPath = filepath.Join(home, ".crewly", "budgets.yaml")
	}
	if c.Storage.UsageExportDir == "" {
		home, _ := os.UserHomeDir()
		c.Storage.UsageExportDir = filepath.Join(home, ".crewly", "usage")
	}
	if c.Continuation.MaxIterationsDefault == 0 {
		c.Continuation.MaxIterationsDefault = 10
	}
	if c.Continuation.ActingTimeoutSeconds == 0 {
		c.Continuation.ActingTimeoutSeconds = 60
	}
	if c.Continuation.IdleTimeoutSeconds == 0 {
		c.Continuation.IdleTimeoutSeconds = 300
	}
	if c.Checkpoint.IntervalSeconds == 0 {
		c.Checkpoint.IntervalSeconds = 60
	}
	if c.Checkpoint.MaxPersistedMessages == 0 {
		c.Checkpoint.MaxPersistedMessages = 50
	}
	if len(c.SelfImprovement.ValidationChecks) == 0 {
		c.SelfImprovement.ValidationChecks = []string{"go build ./...", "go vet ./...", "go test ./..."}
	}
	if c.SelfImprovement.MaxHistory == 0 {
		c.SelfImprovement.MaxHistory = 20
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// parseBool parses a string as boolean with a default value.
// Accepts: "true", "1", "yes" as true; empty or other values return default.
func parseBool(s string, defaultVal bool) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return defaultVal
	}
	return s == "true" || s == "1" || s == "yes"
}

// Config is the orchestrator's main server configuration document:
// listen address, storage locations, and the continuation/checkpoint/
// self-improvement policy knobs. Quality gates and budgets live in their
// own documents (GatesDocument, BudgetsDocument) so they can be edited
// and reloaded independently, per §9.
type Config struct {
	Name string `yaml:"Name"`
	Host string `yaml:"Host"`
	Port int    `yaml:"Port"`

	Storage struct {
		SQLitePath         string `yaml:"SQLitePath"`
		CheckpointPath     string `yaml:"CheckpointPath"`
		SelfImprovementDir string `yaml:"SelfImprovementDir"`
		GatesPath          string `yaml:"GatesPath"`
		BudgetsPath        string `yaml:"BudgetsPath"`
		UsageExportDir     string `yaml:"UsageExportDir"`
	} `yaml:"Storage"`

	Continuation struct {
		Enabled              string `yaml:"Enabled"`
		AutoAssignNext       string `yaml:"AutoAssignNext"`
		NotifyOnMax          string `yaml:"NotifyOnMax"`
		NotifyOnError        string `yaml:"NotifyOnError"`
		MaxIterationsDefault int    `yaml:"MaxIterationsDefault"`
		ActingTimeoutSeconds int    `yaml:"ActingTimeoutSeconds"`
		IdleTimeoutSeconds   int    `yaml:"IdleTimeoutSeconds"`
	} `yaml:"Continuation"`

	Checkpoint struct {
		IntervalSeconds      int `yaml:"IntervalSeconds"`
		MaxPersistedMessages int `yaml:"MaxPersistedMessages"`
	} `yaml:"Checkpoint"`

	SelfImprovement struct {
		ValidationChecks []string `yaml:"ValidationChecks"`
		MaxHistory       int      `yaml:"MaxHistory"`
	} `yaml:"SelfImprovement"`

	Logging struct {
		Level string `yaml:"Level"`
	} `yaml:"Logging"`
}

func (c Config) IsContinuationEnabled() bool { return parseBool(c.Continuation.Enabled, true) }
func (c Config) IsAutoAssignNext() bool      { return parseBool(c.Continuation.AutoAssignNext, true) }
func (c Config) IsNotifyOnMax() bool         { return parseBool(c.Continuation.NotifyOnMax, true) }
func (c Config) IsNotifyOnError() bool       { return parseBool(c.Continuation.NotifyOnError, true) }

// ContinuationConfig adapts the YAML document into the core model type.
func (c Config) ContinuationConfig() model.ContinuationConfig {
	return model.ContinuationConfig{
		Enabled:        c.IsContinuationEnabled(),
		AutoAssignNext: c.IsAutoAssignNext(),
		NotifyOnMax:    c.IsNotifyOnMax(),
		NotifyOnError:  c.IsNotifyOnError(),
		MaxIterations:  c.Continuation.MaxIterationsDefault,
		ActingTimeout:  time.Duration(c.Continuation.ActingTimeoutSeconds) * time.Second,
	}
}
