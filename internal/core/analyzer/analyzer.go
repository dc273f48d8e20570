// Package analyzer implements OutputAnalyzer (§4.C): a pure function that
// classifies captured terminal output, an optional exit code, and the
// current task into an AgentStateAnalysis. Analyze holds no state across
// calls — the caller supplies whatever cursor/diff context it captured.
//
// The ordered, first-match-wins rule evaluation and the signature-set
// matching idiom are grounded on internal/agent/steering/generators.go's
// sequence of independent Generate() checks (there run per steering
// generator; here run per classification rule) and on pipeline.go's
// panic-isolated, ordered Pipeline.Generate loop.
package analyzer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/crewlyhq/crewly/internal/core/model"
)

// Input is everything Analyze needs to classify one analysis cycle.
type Input struct {
	SessionRef     model.SessionRef
	Output         string
	PreviousOutput string // output captured at the prior analysis, for growth detection
	CurrentTask    *model.Task
	ExitCode       *int
	Iterations     int
	MaxIterations  int
}

// Signatures holds the compiled regexp sets Analyze matches against.
// Built-in defaults are returned by DefaultSignatures; projects override
// via the signatures document described in §6.
type Signatures struct {
	Error            []*regexp.Regexp
	TaskComplete     []*regexp.Regexp
	WaitingForInput  []*regexp.Regexp
}

// DefaultSignatures returns the built-in fallback signature sets used when
// a project supplies no override document.
func DefaultSignatures() Signatures {
	return Signatures{
		Error: compileAll(
			`(?i)\berror:`,
			`(?i)\bexception\b`,
			`(?i)panic:`,
			`(?im)^\s*at .+\(.+:\d+:\d+\)`, // stack trace frame
			`(?i)traceback \(most recent call last\)`,
			`(?i)\b\d+\s+failed\b`, // "3 failed" test summaries
			`(?i)fatal:`,
		),
		TaskComplete: compileAll(
			`(?i)all tests passed`,
			`(?i)\b0\s+failed\b.*\bpassed\b`,
			`(?i)build succeeded`,
			`(?i)quality gates? passed`,
		),
		WaitingForInput: compileAll(
			`\?\s*$`,
			`(?i)\bconfirm\s*\(y/n\)`,
			`(?i)\(y/n\)\s*$`,
			`(?i)\bchoose\b.*:\s*$`,
			`(?i)do you want to (continue|proceed)`,
		),
	}
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

func matches(patterns []*regexp.Regexp, s string) []string {
	var evidence []string
	for _, p := range patterns {
		if p.MatchString(s) {
			evidence = append(evidence, "matched "+p.String())
		}
	}
	return evidence
}

// Analyze applies the ordered decision rules (§4.C), first match wins.
func Analyze(in Input, sig Signatures) model.AgentStateAnalysis {
	base := model.AgentStateAnalysis{
		Iterations:    in.Iterations,
		MaxIterations: in.MaxIterations,
	}

	// Rule 1: non-zero exit or an error signature.
	if errEvidence := matches(sig.Error, in.Output); len(errEvidence) > 0 || (in.ExitCode != nil && *in.ExitCode != 0) {
		evidence := errEvidence
		if in.ExitCode != nil && *in.ExitCode != 0 {
			evidence = append([]string{exitCodeEvidence(*in.ExitCode)}, evidence...)
		}
		base.Conclusion = model.ConclusionStuckOrError
		base.Recommendation = model.RecommendRetryWithHints
		base.Evidence = evidence
		base.Confidence = confidenceFor(len(evidence))
		return base
	}

	// Rule 2: task-complete signature, only meaningful while a task is in progress.
	if in.CurrentTask != nil && in.CurrentTask.Status == model.TaskInProgress {
		if evidence := matches(sig.TaskComplete, in.Output); len(evidence) > 0 {
			base.Conclusion = model.ConclusionTaskComplete
			base.Recommendation = model.RecommendAssignNextTask
			base.Evidence = evidence
			base.Confidence = confidenceFor(len(evidence))
			return base
		}
	}

	// Rule 3: waiting-for-input signature.
	if evidence := matches(sig.WaitingForInput, in.Output); len(evidence) > 0 {
		base.Conclusion = model.ConclusionWaitingOnInput
		base.Recommendation = model.RecommendNotifyOwner
		base.Evidence = evidence
		base.Confidence = confidenceFor(len(evidence))
		return base
	}

	// Rule 4: iteration limit reached.
	if in.MaxIterations > 0 && in.Iterations >= in.MaxIterations {
		base.Conclusion = model.ConclusionUnknown
		base.Recommendation = model.RecommendPauseAgent
		base.Evidence = []string{"iteration limit"}
		base.Confidence = 1.0
		return base
	}

	// Rule 5: output grown since last analysis.
	if len(in.Output) > len(strings.TrimRight(in.PreviousOutput, "\n")) && in.Output != in.PreviousOutput {
		base.Conclusion = model.ConclusionIncomplete
		base.Recommendation = model.RecommendInjectPrompt
		base.Evidence = []string{"output grew since last analysis"}
		base.Confidence = 0.5
		return base
	}

	// Rule 6: fallback.
	base.Conclusion = model.ConclusionUnknown
	base.Recommendation = model.RecommendNoAction
	base.Evidence = []string{"no signature matched, output unchanged"}
	base.Confidence = 0.1
	return base
}

func exitCodeEvidence(code int) string {
	return fmt.Sprintf("non-zero exit code %d", code)
}

// confidenceFor is a simple heuristic: more matched signatures, more
// confidence, capped at 1.0.
func confidenceFor(matchCount int) float64 {
	if matchCount <= 0 {
		return 0.3
	}
	c := 0.5 + float64(matchCount)*0.15
	if c > 1.0 {
		c = 1.0
	}
	return c
}
