package selfimprove

import (
	"context"
	"time"

	"github.com/crewlyhq/crewly/internal/core/model"
	"github.com/crewlyhq/crewly/internal/core/quality"
)

// DefaultValidationChecks are run when a plan doesn't specify its own
// check commands.
var DefaultValidationChecks = []string{"go build ./...", "go vet ./...", "go test ./..."}

// Validator runs the sequential validation pass of §4.J, reusing
// QualityGateRunner's subprocess execution rather than re-implementing
// it: each configured check becomes a required, sequential quality
// gate, and a marker's Validation.Results mirror QualityGateRunner's
// GateResult per check.
type Validator struct {
	runner *quality.Runner
}

// NewValidator creates a Validator. Validation never runs in parallel
// (§4.J: "first required failure stops validation"), so the runner's
// concurrency bound is irrelevant here.
func NewValidator() *Validator {
	return &Validator{runner: quality.NewRunner(1)}
}

// Run executes marker.Validation.Required sequentially against
// projectPath, skipping checks already recorded as passed (so a
// resumed validation after a restart doesn't redo completed work), and
// appends a model.ValidationResult per check it runs. It returns true
// once every required check has passed.
func (v *Validator) Run(ctx context.Context, projectPath string, marker *model.ImprovementMarker) (bool, error) {
	already := make(map[string]bool, len(marker.Validation.Results))
	for _, r := range marker.Validation.Results {
		if r.Passed {
			already[r.Check] = true
		}
	}

	gates := make([]model.QualityGate, 0, len(marker.Validation.Required))
	for _, check := range marker.Validation.Required {
		if already[check] {
			continue
		}
		gates = append(gates, model.QualityGate{Name: check, Command: check, Required: true, TimeoutMS: int(5 * time.Minute / time.Millisecond)})
	}

	cfg := model.GateConfig{Required: gates, Settings: model.GateRunSettings{Parallel: false, StopOnFirstFailure: true}}
	results, err := v.runner.RunAll(ctx, projectPath, cfg, quality.RunOptions{})
	if err != nil {
		return false, err
	}

	for _, g := range results.Gates {
		marker.Validation.Results = append(marker.Validation.Results, model.ValidationResult{
			Check:      g.Name,
			Passed:     g.Passed,
			Output:     g.Output,
			DurationMS: g.DurationMS,
		})
	}

	return results.AllRequiredPassed, nil
}
