// Package budget implements BudgetGuard (§4.G): an append-only,
// day-bucketed usage ledger with threshold signals and most-specific-wins
// scope resolution (agent > project > global).
//
// The append-then-check idiom and the "never throw on overuse, emit a
// signal and return status" contract are modeled after
// internal/agent/config/authprofiles.go's cooldown bookkeeping (that file
// itself was dropped — its provider-auth domain doesn't survive the
// AI-model-invocation non-goal — but its "append record, recompute derived
// state, compare against a threshold" shape is the grounding here) and the
// append-only-ledger policy in §5.
package budget

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/crewlyhq/crewly/internal/core/model"
)

// Ledger persists UsageRecords and answers period-scoped summaries. A
// day-bucketed backing store (internal/store) satisfies this; callers
// needing pure in-memory behavior for tests can implement it directly.
type Ledger interface {
	Append(ctx context.Context, rec model.UsageRecord) error
	// Scan returns every record for agentID with Timestamp in [since, now].
	Scan(ctx context.Context, agentID string, since time.Time) ([]model.UsageRecord, error)
}

// RateTable maps a model name to its per-token input/output cost. The
// "default" key is the fallback for unlisted models.
type RateTable map[string]Rate

// Rate is a per-token cost pair, expressed in currency units per token.
type Rate struct {
	InputRate  float64
	OutputRate float64
}

func (t RateTable) rateFor(model string) Rate {
	if r, ok := t[model]; ok {
		return r
	}
	return t["default"]
}

// Cost derives the dollar cost of one UsageRecord from the rate table.
// Per the Open Question resolution (§9), cost is always computed at read
// time and never trusted if a caller happened to persist one.
func Cost(rec model.UsageRecord, rates RateTable) float64 {
	r := rates.rateFor(rec.Model)
	return float64(rec.InputTokens)*r.InputRate + float64(rec.OutputTokens)*r.OutputRate
}

// Signal is emitted when recording usage crosses a threshold.
type Signal struct {
	Type    string // "budget_warning" or "budget_exceeded"
	AgentID string
	Status  model.BudgetStatus
}

// Guard resolves effective budgets across scopes and evaluates usage
// against them. One Guard per process; agent pause state and
// warning-already-fired tracking live only in memory. Usage summaries are
// recomputed from a ledger scan on every call; no summary cache is kept.
type Guard struct {
	mu      sync.Mutex
	ledger  Ledger
	rates   RateTable
	configs []model.BudgetConfig // any scope; most specific wins at resolution time

	pausedAgents  map[string]bool
	warnedAgents  map[string]bool // agents that already received a warning for the current crossing
	onSignal      func(Signal)
}

// NewGuard creates a Guard over ledger using rates for cost derivation and
// configs for threshold resolution.
func NewGuard(ledger Ledger, rates RateTable, configs []model.BudgetConfig) *Guard {
	return &Guard{
		ledger:       ledger,
		rates:        rates,
		configs:      configs,
		pausedAgents: make(map[string]bool),
		warnedAgents: make(map[string]bool),
	}
}

// OnSignal registers a callback for threshold crossings.
func (g *Guard) OnSignal(fn func(Signal)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onSignal = fn
}

// Reload swaps in a freshly parsed rate table and scope config list,
// taking effect for every budget check from this point on. Pause/warning
// state from before the reload is kept, since it reflects usage already
// recorded against the ledger, not the old config.
func (g *Guard) Reload(rates RateTable, configs []model.BudgetConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rates = rates
	g.configs = configs
}

// Period is the aggregation window for GetUsage.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

func periodStart(p Period, now time.Time) time.Time {
	switch p {
	case PeriodWeek:
		return startOfDay(now).AddDate(0, 0, -6)
	case PeriodMonth:
		return startOfDay(now).AddDate(0, -1, 0)
	default:
		return startOfDay(now)
	}
}

// GetUsage aggregates an agent's usage over period into a UsageSummary.
func (g *Guard) GetUsage(ctx context.Context, agentID string, period Period) (model.UsageSummary, error) {
	since := periodStart(period, time.Now())
	records, err := g.ledger.Scan(ctx, agentID, since)
	if err != nil {
		return model.UsageSummary{}, fmt.Errorf("scan usage: %w", err)
	}

	summary := model.UsageSummary{
		OperationBreakdown: make(map[string]float64),
		ModelBreakdown:     make(map[string]float64),
	}
	for _, r := range records {
		cost := Cost(r, g.rates)
		summary.InputTokens += r.InputTokens
		summary.OutputTokens += r.OutputTokens
		summary.Cost += cost
		if r.Operation != "" {
			summary.OperationBreakdown[r.Operation] += cost
		}
		if r.Model != "" {
			summary.ModelBreakdown[r.Model] += cost
		}
	}
	summary.TotalTokens = summary.InputTokens + summary.OutputTokens
	return summary, nil
}

// RecordUsage appends rec to the ledger then checks the agent's budget,
// emitting a signal on a threshold crossing.
func (g *Guard) RecordUsage(ctx context.Context, rec model.UsageRecord) (model.BudgetStatus, error) {
	if err := g.ledger.Append(ctx, rec); err != nil {
		return model.BudgetStatus{}, fmt.Errorf("append usage record: %w", err)
	}
	return g.CheckBudget(ctx, rec.AgentID, rec.ProjectPath)
}

// CheckBudget computes BudgetStatus for agentID and fires signals on
// threshold crossings.
func (g *Guard) CheckBudget(ctx context.Context, agentID, projectPath string) (model.BudgetStatus, error) {
	cfg := g.resolveConfig(agentID, projectPath)

	since := startOfDay(time.Now())
	records, err := g.ledger.Scan(ctx, agentID, since)
	if err != nil {
		return model.BudgetStatus{}, fmt.Errorf("scan usage: %w", err)
	}

	var dailyCost float64
	var opCount int
	for _, r := range records {
		dailyCost += Cost(r, g.rates)
		opCount++
	}

	limit := math.Inf(1)
	if cfg.DailyLimit != nil {
		limit = *cfg.DailyLimit
	}

	status := model.BudgetStatus{
		WithinBudget: dailyCost < limit,
		DailyUsed:    dailyCost,
		DailyLimit:   limit,
		PercentUsed:  dailyCost / limit, // 0 when limit is +Inf
	}
	status.EstimatedRunway = estimateRunway(dailyCost, limit, opCount)

	g.applyThreshold(agentID, status, cfg.WarningThreshold)
	return status, nil
}

func (g *Guard) applyThreshold(agentID string, status model.BudgetStatus, warningThreshold float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if status.PercentUsed >= 1.0 {
		g.pausedAgents[agentID] = true
		g.emitLocked(Signal{Type: "budget_exceeded", AgentID: agentID, Status: status})
		return
	}

	if warningThreshold <= 0 {
		warningThreshold = 0.8
	}
	if status.PercentUsed >= warningThreshold {
		if !g.warnedAgents[agentID] {
			g.warnedAgents[agentID] = true
			g.emitLocked(Signal{Type: "budget_warning", AgentID: agentID, Status: status})
		}
	} else {
		// Below threshold again: allow a future crossing to re-warn.
		delete(g.warnedAgents, agentID)
		delete(g.pausedAgents, agentID)
	}
}

func (g *Guard) emitLocked(s Signal) {
	if g.onSignal != nil {
		go g.onSignal(s)
	}
}

// IsWithinBudget reports whether agentID is currently permitted to
// receive prompt injections, per the pause flag set by CheckBudget.
func (g *Guard) IsWithinBudget(agentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.pausedAgents[agentID]
}

// resolveConfig picks the most specific BudgetConfig for (agentID,
// projectPath): agent scope wins over project scope wins over global.
func (g *Guard) resolveConfig(agentID, projectPath string) model.BudgetConfig {
	var global, project, agent *model.BudgetConfig
	for i := range g.configs {
		c := g.configs[i]
		switch c.Scope {
		case model.ScopeGlobal:
			global = &c
		case model.ScopeProject:
			if c.ScopeID == projectPath {
				project = &c
			}
		case model.ScopeAgent:
			if c.ScopeID == agentID {
				agent = &c
			}
		}
	}
	if agent != nil {
		return *agent
	}
	if project != nil {
		return *project
	}
	if global != nil {
		return *global
	}
	return model.BudgetConfig{WarningThreshold: 0.8}
}

func estimateRunway(used, limit float64, opCount int) string {
	if limit <= 0 || math.IsInf(limit, 1) {
		return "unbounded"
	}
	if used >= limit {
		return "Budget exceeded"
	}
	if opCount == 0 {
		return "unknown"
	}
	avgPerOp := used / float64(opCount)
	if avgPerOp <= 0 {
		return "unbounded"
	}
	remaining := (limit - used) / avgPerOp
	return fmt.Sprintf("%.0f operations remaining", remaining)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
