// Package quality implements QualityGateRunner (§4.E): composes the
// required/optional/custom gate lists from GateConfig, runs them
// sequentially or in parallel against a project path, and aggregates
// pass/fail with truncated output capture.
//
// Subprocess spawning with merged env and head/tail output truncation is
// grounded on internal/agent/tools/cron.go's runNow (dropped — depended
// on the removed internal/db — but its 5000-char elision-marker idiom is
// reused here, generalized to a configurable byte budget). Parallel
// execution is bounded by a semaphore.Weighted, with fan-out/fan-in
// through golang.org/x/sync/errgroup (internal/core/workpool is not used
// here), the way the rest of this codebase's concurrency
// primitives are built atop golang.org/x/sync rather than raw channels.
package quality

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/crewlyhq/crewly/internal/core/model"
)

// maxOutputBytes bounds captured stdout+stderr per gate; output beyond
// this is elided from the middle, preserving head and tail.
const maxOutputBytes = 5000

// RunOptions narrows or overrides a RunAll invocation.
type RunOptions struct {
	GateNames    []string // if non-empty, restrict to gates with these names
	SkipOptional bool
	Branch       string // current git branch, for RunOnBranches filtering
}

// Results is the aggregate outcome of RunAll.
type Results struct {
	Gates             []model.GateResult
	AllRequiredPassed bool
}

// Runner executes quality gates for a project.
type Runner struct {
	sem *semaphore.Weighted
}

// NewRunner creates a Runner whose parallel mode bounds concurrent
// subprocesses to maxParallel.
func NewRunner(maxParallel int64) *Runner {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Runner{sem: semaphore.NewWeighted(maxParallel)}
}

// RunAll implements the §4.E algorithm. cfg.Settings.TotalTimeoutMS, when
// set, bounds the whole call (all gates combined, §5's 300s aggregate
// default) in addition to each gate's own per-gate timeout: whichever
// deadline arrives first force-cancels the remaining/running subprocesses.
func (r *Runner) RunAll(ctx context.Context, projectPath string, cfg model.GateConfig, opts RunOptions) (Results, error) {
	if cfg.Settings.TotalTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.Settings.TotalTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	gates := compose(cfg, opts)
	gates = filterByBranch(gates, opts.Branch)

	var results []model.GateResult
	var err error
	if cfg.Settings.Parallel {
		results, err = r.runParallel(ctx, projectPath, gates)
	} else {
		results, err = r.runSequential(ctx, projectPath, gates, cfg.Settings.StopOnFirstFailure)
	}
	if err != nil {
		return Results{}, err
	}

	return Results{Gates: results, AllRequiredPassed: allRequiredPassed(results)}, nil
}

func compose(cfg model.GateConfig, opts RunOptions) []model.QualityGate {
	var all []model.QualityGate
	all = append(all, cfg.Required...)
	if !opts.SkipOptional {
		all = append(all, cfg.Optional...)
	}
	all = append(all, cfg.Custom...)

	if len(opts.GateNames) == 0 {
		return all
	}
	wanted := make(map[string]bool, len(opts.GateNames))
	for _, n := range opts.GateNames {
		wanted[n] = true
	}
	var filtered []model.QualityGate
	for _, g := range all {
		if wanted[g.Name] {
			filtered = append(filtered, g)
		}
	}
	return filtered
}

func filterByBranch(gates []model.QualityGate, branch string) []model.QualityGate {
	if branch == "" {
		return gates
	}
	var out []model.QualityGate
	for _, g := range gates {
		if len(g.RunOnBranches) == 0 {
			out = append(out, g)
			continue
		}
		for _, pattern := range g.RunOnBranches {
			if matched, _ := filepath.Match(pattern, branch); matched {
				out = append(out, g)
				break
			}
		}
	}
	return out
}

func allRequiredPassed(results []model.GateResult) bool {
	for _, r := range results {
		if r.Required && !r.Passed {
			return false
		}
	}
	return true
}

func (r *Runner) runSequential(ctx context.Context, projectPath string, gates []model.QualityGate, stopOnFirstFailure bool) ([]model.GateResult, error) {
	var results []model.GateResult
	for _, g := range gates {
		res := r.runOne(ctx, projectPath, g)
		results = append(results, res)
		if stopOnFirstFailure && g.Required && !res.Passed {
			break
		}
	}
	return results, nil
}

func (r *Runner) runParallel(ctx context.Context, projectPath string, gates []model.QualityGate) ([]model.GateResult, error) {
	results := make([]model.GateResult, len(gates))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, gate := range gates {
		i, gate := i, gate
		g.Go(func() error {
			if err := r.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer r.sem.Release(1)

			res := r.runOne(gctx, projectPath, gate)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Runner) runOne(ctx context.Context, projectPath string, gate model.QualityGate) model.GateResult {
	timeout := time.Duration(gate.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	shell, shellArgs := shellCommand()
	args := append(shellArgs, gate.Command)
	cmd := exec.CommandContext(gctx, shell, args...)
	cmd.Dir = projectPath
	cmd.Env = mergedEnv(gate.Env)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	duration := time.Since(start).Milliseconds()
	output := truncate(buf.String(), maxOutputBytes)

	if gctx.Err() == context.DeadlineExceeded {
		return model.GateResult{
			Name: gate.Name, Required: gate.Required, Passed: false,
			DurationMS: duration, Output: output, Error: "timeout",
		}
	}

	exitCode := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		exitCode = -1
	}

	passed := exitCode == 0 || gate.AllowFailure
	res := model.GateResult{
		Name: gate.Name, Required: gate.Required, Passed: passed,
		DurationMS: duration, Output: output, ExitCode: exitCode,
	}
	if runErr != nil && exitCode == -1 {
		res.Error = runErr.Error()
	}
	return res
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	env = append(env, "CI=true")
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// truncate preserves the head and tail of s with an elision marker when s
// exceeds max bytes.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	half := max / 2
	return s[:half] + fmt.Sprintf("\n... (%d bytes elided) ...\n", len(s)-max) + s[len(s)-half:]
}

func shellCommand() (string, []string) {
	if strings.EqualFold(os.Getenv("OS"), "Windows_NT") {
		return "cmd.exe", []string{"/C"}
	}
	return "/bin/sh", []string{"-c"}
}

// DefaultGateConfig is the built-in gate set for components that have no
// quality-gates.yaml loaded (config.LoadGates parses one).
func DefaultGateConfig() model.GateConfig {
	return model.GateConfig{
		Settings: model.GateRunSettings{TotalTimeoutMS: 300_000},
		Required: []model.QualityGate{
			{Name: "typecheck", Command: "true", Required: true, TimeoutMS: 60_000},
			{Name: "tests", Command: "true", Required: true, TimeoutMS: 120_000},
			{Name: "build", Command: "true", Required: true, TimeoutMS: 180_000},
		},
		Optional: []model.QualityGate{
			{Name: "lint", Command: "true", Required: false, TimeoutMS: 60_000},
		},
	}
}
