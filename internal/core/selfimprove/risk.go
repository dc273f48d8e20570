package selfimprove

import (
	"path/filepath"

	"github.com/crewlyhq/crewly/internal/core/model"
)

// highRiskPatterns are root entry points and package manifests: a bad
// edit here can stop the whole binary from building or starting.
var highRiskPatterns = []string{
	"main.go",
	"cmd/*/main.go",
	"go.mod",
	"go.sum",
	"Makefile",
}

// mediumRiskPatterns are long-running service/controller/middleware
// code: a regression here degrades one subsystem rather than the whole
// process.
var mediumRiskPatterns = []string{
	"*service*.go",
	"*controller*.go",
	"*middleware*.go",
	"internal/store/*",
}

// restartPatterns are target files whose change can't take effect
// without restarting the process (anything reachable only at process
// start: entry points, wiring, config loading).
var restartPatterns = []string{
	"main.go",
	"cmd/*/*.go",
	"go.mod",
	"internal/config/*.go",
}

// ComputeRiskLevel classifies a plan's risk from the target files it
// touches, per §4.J's plan step 2: high if any target matches a
// startup-critical pattern, medium for service/controller/middleware
// code, else low.
func ComputeRiskLevel(targetFiles []string) model.RiskLevel {
	for _, f := range targetFiles {
		if matchesAny(f, highRiskPatterns) {
			return model.RiskHigh
		}
	}
	for _, f := range targetFiles {
		if matchesAny(f, mediumRiskPatterns) {
			return model.RiskMedium
		}
	}
	return model.RiskLow
}

// ComputeRequiresRestart reports whether applying changes to
// targetFiles requires restarting the process before they take effect.
func ComputeRequiresRestart(targetFiles []string) bool {
	for _, f := range targetFiles {
		if matchesAny(f, restartPatterns) {
			return true
		}
	}
	return false
}

func matchesAny(path string, patterns []string) bool {
	base := filepath.Base(path)
	for _, p := range patterns {
		if matched, _ := filepath.Match(p, path); matched {
			return true
		}
		// Only directory-less patterns ("main.go", "*service*.go") also
		// match by base name, so "internal/store/*" stays scoped to its dir.
		if filepath.Base(p) == p {
			if matched, _ := filepath.Match(p, base); matched {
				return true
			}
		}
	}
	return false
}
