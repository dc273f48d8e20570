// Package continuation implements ContinuationEngine (§4.D): the
// orchestrator's core reactive loop. Handle(event) captures a session's
// output, classifies it via analyzer.Analyze, and dispatches a
// continuation prompt, a task handoff, a notification, or a pause.
//
// Non-reentrant ACTING per session is implemented with a dedicated
// workpool lane per SessionRef (MaxConcurrent=1): the teacher's
// internal/agenthub.LaneManager pattern, generalized from named lanes to
// one lane per session, so sessions still advance fully in parallel while
// a single session's events are strictly serialized. The lane's watchdog
// enforces the 60s re-entry timeout.
package continuation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crewlyhq/crewly/internal/core/analyzer"
	"github.com/crewlyhq/crewly/internal/core/events"
	"github.com/crewlyhq/crewly/internal/core/model"
	"github.com/crewlyhq/crewly/internal/core/ports"
	"github.com/crewlyhq/crewly/internal/core/tasks"
	"github.com/crewlyhq/crewly/internal/core/template"
	"github.com/crewlyhq/crewly/internal/core/workpool"
	"github.com/crewlyhq/crewly/internal/logging"
)

const defaultActingTimeout = 60 * time.Second

// BudgetChecker is the narrow slice of budget.Guard the engine depends on.
type BudgetChecker interface {
	IsWithinBudget(agentID string) bool
}

// AgentRuntime restarts a session's hosting process if it has died. nil
// is a valid, no-op implementation for deployments with no adapter.
type AgentRuntime interface {
	EnsureAlive(ctx context.Context, ref model.SessionRef) error
}

// NotificationSink persists a Notification somewhere durable (SQLite,
// in this module's store).
type NotificationSink interface {
	Notify(ctx context.Context, n model.Notification) error
}

// ConfigSource resolves the effective ContinuationConfig for a session.
type ConfigSource func(ref model.SessionRef) model.ContinuationConfig

// Assigner hands the next eligible task to a session, e.g.
// tasks.AssignNextTask bound to a concrete Repo/RoleMatchRule/template.
type Assigner func(ctx context.Context, ref model.SessionRef) (tasks.AssignmentResult, error)

// Engine is ContinuationEngine. One Engine serves every session in a
// process; per-session state lives in the statuses map.
type Engine struct {
	port     ports.SessionPort
	taskRepo tasks.Repo
	budget   BudgetChecker
	runtime  AgentRuntime
	notify   NotificationSink
	configOf ConfigSource
	assign   Assigner
	sig      analyzer.Signatures
	lanes    *workpool.Manager
	bus      *events.Subject

	continuationTemplate string
	retryTemplate        string
	hints                map[model.Conclusion]string

	mu             sync.Mutex
	running        bool
	statuses       map[model.SessionRef]*model.SessionStatus
	prevOutputs    map[model.SessionRef]string
	iterOverride   map[model.SessionRef]int
	learningsOf    func(model.SessionRef) []string
	pendingIdle    map[model.SessionRef]bool
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithRuntime installs an AgentRuntime adapter for reviving dead sessions.
func WithRuntime(rt AgentRuntime) Option { return func(e *Engine) { e.runtime = rt } }

// WithLearnings installs a callback returning recent learnings text for a
// session's continuation prompt; defaults to none.
func WithLearnings(fn func(model.SessionRef) []string) Option {
	return func(e *Engine) { e.learningsOf = fn }
}

// WithEventBus installs the Subject engine events are emitted on.
func WithEventBus(bus *events.Subject) Option { return func(e *Engine) { e.bus = bus } }

// WithTemplates overrides the built-in continuation/retry prompt templates.
func WithTemplates(continuationTmpl, retryTmpl string) Option {
	return func(e *Engine) {
		if continuationTmpl != "" {
			e.continuationTemplate = continuationTmpl
		}
		if retryTmpl != "" {
			e.retryTemplate = retryTmpl
		}
	}
}

// NewEngine wires an Engine from its dependencies.
func NewEngine(
	port ports.SessionPort,
	taskRepo tasks.Repo,
	budget BudgetChecker,
	notify NotificationSink,
	configOf ConfigSource,
	assign Assigner,
	sig analyzer.Signatures,
	opts ...Option,
) *Engine {
	e := &Engine{
		port:                 port,
		taskRepo:             taskRepo,
		budget:               budget,
		notify:               notify,
		configOf:             configOf,
		assign:               assign,
		sig:                  sig,
		lanes:                workpool.NewManager(1, defaultActingTimeout),
		continuationTemplate: DefaultContinuationTemplate,
		retryTemplate:        DefaultRetryTemplate,
		hints:                defaultHints(),
		statuses:             make(map[model.SessionRef]*model.SessionStatus),
		prevOutputs:          make(map[model.SessionRef]string),
		iterOverride:         make(map[model.SessionRef]int),
		pendingIdle:          make(map[model.SessionRef]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start marks the engine active. Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = true
}

// Stop marks the engine inactive; in-flight Handle calls finish but new
// ones return immediately without acting. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
}

// SetMaxIterations overrides maxIterations for one session, taking
// precedence over ConfigSource's value.
func (e *Engine) SetMaxIterations(ref model.SessionRef, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.iterOverride[ref] = n
}

// GetSessionStatus returns the last-known status for ref.
func (e *Engine) GetSessionStatus(ref model.SessionRef) (model.SessionStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.statuses[ref]
	if !ok {
		return model.SessionStatus{}, false
	}
	return *st, true
}

// Handle is the engine's entry point (§4.D). It enqueues onto the
// session's dedicated lane, which guarantees non-reentrant ACTING.
//
// Backpressure (§5): a small wrapper around the lane enqueue de-duplicates
// by (sessionRef, trigger=idle_timeout) — if an idle_timeout event for this
// session is already queued or in flight, a second one is dropped rather
// than piling up behind it. Other triggers (process_exit, explicit_request,
// scheduled_check) are never deduplicated; they each carry information the
// pending one might not (an exit code, a task ID).
func (e *Engine) Handle(ctx context.Context, event model.ContinuationEvent) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return nil
	}

	ref := event.SessionRef
	if event.Trigger == model.TriggerIdleTimeout {
		e.mu.Lock()
		if e.pendingIdle[ref] {
			e.mu.Unlock()
			logging.Debugf("continuation: dropping duplicate idle_timeout for %s, one already queued", ref)
			return nil
		}
		e.pendingIdle[ref] = true
		e.mu.Unlock()
		defer func() {
			e.mu.Lock()
			delete(e.pendingIdle, ref)
			e.mu.Unlock()
		}()
	}

	lane := string(ref)
	return e.lanes.Enqueue(ctx, lane, "continuation.handle", func(ctx context.Context) error {
		return e.handleOne(ctx, event)
	})
}

func (e *Engine) handleOne(ctx context.Context, event model.ContinuationEvent) error {
	ref := event.SessionRef
	cfg := e.configOf(ref)
	if !cfg.Enabled {
		return nil
	}

	e.setState(ref, model.StateAnalyzing)

	output, err := e.port.CaptureOutput(ctx, ref)
	if err != nil {
		e.fail(ctx, ref, fmt.Errorf("capture output: %w", err))
		return nil
	}
	currentTask, err := e.taskRepo.CurrentFor(ctx, ref)
	if err != nil {
		e.fail(ctx, ref, fmt.Errorf("lookup current task: %w", err))
		return nil
	}

	e.mu.Lock()
	prev := e.prevOutputs[ref]
	iterations := 0
	if currentTask != nil {
		iterations = currentTask.Iterations
	}
	maxIterations := cfg.MaxIterations
	if override, ok := e.iterOverride[ref]; ok {
		maxIterations = override
	}
	e.mu.Unlock()

	analysis := analyzer.Analyze(analyzer.Input{
		SessionRef:     ref,
		Output:         output,
		PreviousOutput: prev,
		CurrentTask:    currentTask,
		ExitCode:       event.ExitCode,
		Iterations:     iterations,
		MaxIterations:  maxIterations,
	}, e.sig)

	e.mu.Lock()
	e.prevOutputs[ref] = output
	e.mu.Unlock()

	e.updateStatus(ref, &analysis)
	e.setState(ref, model.StateActing)

	recommendation := analysis.Recommendation
	notifyReason := "waiting_for_input"
	if isPromptInjection(recommendation) {
		agentID := string(ref)
		if e.budget != nil && !e.budget.IsWithinBudget(agentID) {
			recommendation = model.RecommendNotifyOwner
			notifyReason = "budget_exceeded"
		}
	}

	switch recommendation {
	case model.RecommendInjectPrompt:
		e.injectContinuation(ctx, ref, currentTask, analysis)
	case model.RecommendAssignNextTask:
		if cfg.AutoAssignNext && e.assign != nil {
			if _, err := e.assign(ctx, ref); err != nil {
				e.fail(ctx, ref, fmt.Errorf("auto-assign next task: %w", err))
			}
		} else {
			e.notifyOwner(ctx, ref, "next_task_available", analysis)
		}
	case model.RecommendNotifyOwner:
		e.notifyOwner(ctx, ref, notifyReason, analysis)
	case model.RecommendRetryWithHints:
		e.injectRetry(ctx, ref, currentTask, analysis)
	case model.RecommendPauseAgent:
		e.pause(ctx, ref, "max_iterations_reached", analysis)
	case model.RecommendNoAction:
		// nothing to do
	}

	if recommendation != model.RecommendPauseAgent {
		e.setState(ref, model.StateMonitored)
	}
	return nil
}

func isPromptInjection(r model.Recommendation) bool {
	return r == model.RecommendInjectPrompt || r == model.RecommendRetryWithHints
}

func (e *Engine) injectContinuation(ctx context.Context, ref model.SessionRef, task *model.Task, analysis model.AgentStateAnalysis) {
	if e.runtime != nil {
		if err := e.runtime.EnsureAlive(ctx, ref); err != nil {
			e.fail(ctx, ref, fmt.Errorf("ensure agent alive: %w", err))
			return
		}
	}

	iterations := analysis.Iterations + 1
	if task != nil {
		task.Iterations = iterations
		if err := e.taskRepo.Update(ctx, task); err != nil {
			e.fail(ctx, ref, fmt.Errorf("persist iteration count: %w", err))
			return
		}
	}

	data := e.promptData(ref, task, analysis, iterations)
	prompt := template.Render(e.continuationTemplate, data)
	if err := e.port.WriteInput(ctx, ref, prompt+"\n"); err != nil {
		e.fail(ctx, ref, fmt.Errorf("write continuation prompt: %w", err))
	}
}

func (e *Engine) injectRetry(ctx context.Context, ref model.SessionRef, task *model.Task, analysis model.AgentStateAnalysis) {
	iterations := analysis.Iterations + 1
	if task != nil {
		task.Iterations = iterations
		if err := e.taskRepo.Update(ctx, task); err != nil {
			e.fail(ctx, ref, fmt.Errorf("persist iteration count: %w", err))
			return
		}
	}

	hint := ""
	if len(analysis.Evidence) > 0 {
		hint = analysis.Evidence[0]
	}
	data := e.promptData(ref, task, analysis, iterations)
	data["HINT"] = hint
	prompt := template.Render(e.retryTemplate, data)
	if err := e.port.WriteInput(ctx, ref, prompt+"\n"); err != nil {
		e.fail(ctx, ref, fmt.Errorf("write retry prompt: %w", err))
	}
}

func (e *Engine) promptData(ref model.SessionRef, task *model.Task, analysis model.AgentStateAnalysis, iterations int) template.Data {
	data := template.Data{
		"ITERATIONS":     fmt.Sprintf("%d", iterations),
		"MAX_ITERATIONS": fmt.Sprintf("%d", analysis.MaxIterations),
		"HINT":           e.hints[analysis.Conclusion],
	}
	if task != nil {
		data["TASK_TITLE"] = task.Title
		data["TASK_DESCRIPTION"] = task.Description
	}
	if e.learningsOf != nil {
		var items []map[string]string
		for _, l := range e.learningsOf(ref) {
			items = append(items, map[string]string{"TEXT": l})
		}
		data["LEARNINGS"] = items
	}
	return data
}

func (e *Engine) notifyOwner(ctx context.Context, ref model.SessionRef, reason string, analysis model.AgentStateAnalysis) {
	n := model.Notification{
		Type:       model.NotifyContinuation,
		SessionRef: ref,
		Reason:     reason,
		Analysis:   &analysis,
		Timestamp:  time.Now(),
	}
	if e.notify != nil {
		if err := e.notify.Notify(ctx, n); err != nil {
			e.fail(ctx, ref, fmt.Errorf("persist notification: %w", err))
			return
		}
	}
	e.emit("notify_owner", n)
}

func (e *Engine) pause(ctx context.Context, ref model.SessionRef, reason string, analysis model.AgentStateAnalysis) {
	e.mu.Lock()
	st := e.statusLocked(ref)
	st.State = model.StatePaused
	st.PausedReason = reason
	e.mu.Unlock()
	e.notifyOwner(ctx, ref, reason, analysis)
}

func (e *Engine) setState(ref model.SessionRef, s model.SessionState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.statusLocked(ref)
	st.State = s
}

func (e *Engine) updateStatus(ref model.SessionRef, analysis *model.AgentStateAnalysis) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.statusLocked(ref)
	st.LastAnalysis = analysis
	st.LastAction = analysis.Recommendation
	st.LastHandledAt = time.Now()
}

// statusLocked returns the SessionStatus for ref, creating it if absent.
// Callers must hold e.mu.
func (e *Engine) statusLocked(ref model.SessionRef) *model.SessionStatus {
	st, ok := e.statuses[ref]
	if !ok {
		st = &model.SessionStatus{SessionRef: ref, State: model.StateMonitored}
		e.statuses[ref] = st
	}
	return st
}

// fail implements the failure semantics (§4.D): log, emit an error event,
// leave the session's state as it was before the failing step.
func (e *Engine) fail(ctx context.Context, ref model.SessionRef, err error) {
	logging.Errorf("[continuation] session=%s: %v", ref, err)
	e.emit("handle_error", map[string]string{
		"session_ref": string(ref),
		"error":       err.Error(),
	})
}

func (e *Engine) emit(topic string, payload any) {
	if e.bus == nil {
		return
	}
	if err := events.Emit(e.bus, topic, payload); err != nil {
		logging.Debugf("[continuation] emit %s failed: %v", topic, err)
	}
}

func defaultHints() map[model.Conclusion]string {
	return map[model.Conclusion]string{
		model.ConclusionStuckOrError:   "The previous attempt hit an error. Review the output above, fix the root cause, and continue.",
		model.ConclusionIncomplete:     "Keep going with the current task; it looks unfinished.",
		model.ConclusionWaitingOnInput: "Provide the input the agent is waiting for, or escalate to the task owner.",
		model.ConclusionUnknown:       "No clear signal was found in the output; consider narrowing the task.",
	}
}

// DefaultContinuationTemplate is the built-in inject_prompt template.
const DefaultContinuationTemplate = `Continue working on: {{TASK_TITLE}}

{{TASK_DESCRIPTION}}

This is iteration {{ITERATIONS}} of {{MAX_ITERATIONS}}.
{{#if HINT}}
Hint: {{HINT}}
{{/if}}
{{#if LEARNINGS}}
Recent learnings:
{{#each LEARNINGS}}
- {{TEXT}}
{{/each}}
{{/if}}`

// DefaultRetryTemplate is the built-in retry_with_hints template.
const DefaultRetryTemplate = `The last attempt at "{{TASK_TITLE}}" did not succeed (iteration {{ITERATIONS}} of {{MAX_ITERATIONS}}).

{{#if HINT}}
What went wrong: {{HINT}}
{{/if}}

Please address this and try again.`
