package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewlyhq/crewly/internal/config"
	"github.com/crewlyhq/crewly/internal/core/model"
)

func TestBudgetsDocumentResolvesScopesFromSection(t *testing.T) {
	doc, err := config.LoadBudgetsFromBytes([]byte(`
global:
  dailyLimit: 50.0
  warningThreshold: 0.9

projects:
  - scopeId: /repos/foo
    dailyLimit: 10.0

agents:
  - scopeId: agent-1
    warningThreshold: 0.5
`))
	require.NoError(t, err)

	scopes := doc.BudgetConfigs()
	require.Len(t, scopes, 3)
	assert.Equal(t, model.ScopeGlobal, scopes[0].Scope)
	assert.Equal(t, 0.9, scopes[0].WarningThreshold)
	assert.Equal(t, model.ScopeProject, scopes[1].Scope)
	assert.Equal(t, "/repos/foo", scopes[1].ScopeID)
	assert.Equal(t, model.ScopeAgent, scopes[2].Scope)
	assert.Equal(t, 0.5, scopes[2].WarningThreshold)
	assert.Equal(t, 0.8, scopes[1].WarningThreshold, "project scope has no explicit threshold so it falls back to the package default, not global's")
}

func TestBudgetsDocumentExplicitScopeOverridesSection(t *testing.T) {
	doc, err := config.LoadBudgetsFromBytes([]byte(`
projects:
  - scope: agent
    scopeId: weirdly-scoped
`))
	require.NoError(t, err)

	scopes := doc.BudgetConfigs()
	require.Len(t, scopes, 1)
	assert.Equal(t, model.ScopeAgent, scopes[0].Scope)
}

func TestBudgetsDocumentRateTable(t *testing.T) {
	doc, err := config.LoadBudgetsFromBytes([]byte(`
rates:
  claude-sonnet:
    inputRate: 0.000003
    outputRate: 0.000015
`))
	require.NoError(t, err)

	rates := doc.RateTable()
	assert.Equal(t, 0.000015, rates["claude-sonnet"].OutputRate)
}

func TestLoadBudgetsNoGlobalSectionIsEmpty(t *testing.T) {
	doc, err := config.LoadBudgetsFromBytes([]byte(`projects: []
agents: []
`))
	require.NoError(t, err)
	assert.Empty(t, doc.BudgetConfigs())
}
