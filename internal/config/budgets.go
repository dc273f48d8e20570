package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/crewlyhq/crewly/internal/core/budget"
	"github.com/crewlyhq/crewly/internal/core/model"
)

// BudgetsDocument is the on-disk shape of budgets.yaml, edited by hand
// and reloaded independently of the main server config (§9).
type BudgetsDocument struct {
	Global   *BudgetScopeSpec          `yaml:"global"`
	Projects []BudgetScopeSpec         `yaml:"projects"`
	Agents   []BudgetScopeSpec         `yaml:"agents"`
	Rates    map[string]RateSpec       `yaml:"rates"`
}

// BudgetScopeSpec is one scope's limits. Scope defaults from the
// section it was read from (global/projects/agents) unless set
// explicitly.
type BudgetScopeSpec struct {
	Scope            string   `yaml:"scope"`
	ScopeID          string   `yaml:"scopeId"`
	DailyLimit       *float64 `yaml:"dailyLimit"`
	WeeklyLimit      *float64 `yaml:"weeklyLimit"`
	MonthlyLimit     *float64 `yaml:"monthlyLimit"`
	WarningThreshold float64  `yaml:"warningThreshold"`
	MaxTokensPerTask *int64   `yaml:"maxTokensPerTask"`
}

// RateSpec is the per-model $/token pricing used to convert token counts
// into dollar costs.
type RateSpec struct {
	InputRate  float64 `yaml:"inputRate"`
	OutputRate float64 `yaml:"outputRate"`
}

const defaultWarningThreshold = 0.8

// LoadBudgets reads and parses budgets.yaml at path.
func LoadBudgets(path string) (BudgetsDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BudgetsDocument{}, err
	}
	return LoadBudgetsFromBytes(data)
}

// LoadBudgetsFromBytes parses budgets.yaml content, with environment
// variable expansion applied first.
func LoadBudgetsFromBytes(data []byte) (BudgetsDocument, error) {
	var d BudgetsDocument
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &d); err != nil {
		return d, err
	}
	return d, nil
}

// BudgetConfigs adapts the document into the core model type. The most
// specific matching scope wins at lookup time (budget.Guard.resolveConfig),
// so order here doesn't matter.
func (d BudgetsDocument) BudgetConfigs() []model.BudgetConfig {
	var out []model.BudgetConfig
	if d.Global != nil {
		out = append(out, d.Global.toModel(model.ScopeGlobal))
	}
	for _, s := range d.Projects {
		out = append(out, s.toModel(model.ScopeProject))
	}
	for _, s := range d.Agents {
		out = append(out, s.toModel(model.ScopeAgent))
	}
	return out
}

func (s BudgetScopeSpec) toModel(fallbackScope model.BudgetScope) model.BudgetConfig {
	scope := fallbackScope
	if s.Scope != "" {
		scope = model.BudgetScope(s.Scope)
	}
	threshold := s.WarningThreshold
	if threshold == 0 {
		threshold = defaultWarningThreshold
	}
	return model.BudgetConfig{
		Scope:            scope,
		ScopeID:          s.ScopeID,
		DailyLimit:       s.DailyLimit,
		WeeklyLimit:      s.WeeklyLimit,
		MonthlyLimit:     s.MonthlyLimit,
		WarningThreshold: threshold,
		MaxTokensPerTask: s.MaxTokensPerTask,
	}
}

// RateTable adapts the document's model pricing table into a
// budget.RateTable.
func (d BudgetsDocument) RateTable() budget.RateTable {
	out := make(budget.RateTable, len(d.Rates))
	for name, r := range d.Rates {
		out[name] = budget.Rate{InputRate: r.InputRate, OutputRate: r.OutputRate}
	}
	return out
}
