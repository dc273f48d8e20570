// Package model defines the entities shared across the orchestration core:
// sessions, agents, tasks, continuation events, analyses, quality gates,
// usage records, and the self-improvement marker. Each entity is owned by
// exactly one component (tasks by the queue, analyses ephemeral to the
// analyzer, events by the continuation engine, usage by the budget guard,
// markers by the self-improvement driver); other components refer to them
// by identifier only.
package model

import "time"

// SessionRef is an opaque identifier for a PTY session, owned and created
// by an external session manager. The core never interprets its contents.
type SessionRef string

// AgentStatus is derived, never persisted as ground truth.
type AgentStatus string

const (
	AgentActive AgentStatus = "active"
	AgentBusy   AgentStatus = "busy"
	AgentIdle   AgentStatus = "idle"
	AgentError  AgentStatus = "error"
)

// Agent is one role-bound participant hosted by a single session.
type Agent struct {
	SessionRef  SessionRef
	AgentID     string
	Role        string
	ProjectPath string
	Status      AgentStatus
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskOpen       TaskStatus = "open"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskPaused     TaskStatus = "paused"
	TaskCompleted  TaskStatus = "completed"
)

// Priority orders tasks within the queue; higher sorts first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// priorityRank gives Priority a total numeric order for sorting.
var priorityRank = map[Priority]int{
	PriorityCritical: 3,
	PriorityHigh:     2,
	PriorityMedium:   1,
	PriorityLow:      0,
}

// Rank returns a numeric rank for sorting (higher is more urgent). Unknown
// priorities rank lowest.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return -1
}

// Task is the unit of work tracked by TaskQueue/AutoAssigner.
//
// Invariant: Iterations is monotonically nondecreasing. A task whose status
// is TaskCompleted must have every required gate in QualityGateResults
// passed, unless skipGates was set explicitly on completion. A task is
// blocked iff any entry in Dependencies refers to a non-completed task.
type Task struct {
	ID                 string
	Title              string
	Description        string
	Status             TaskStatus
	Priority           Priority
	RequiredRole       string
	TaskType           string
	Dependencies       []string
	Iterations         int
	MaxIterations      int
	QualityGateResults []GateResult
	SessionRef         SessionRef
	Deadline           *time.Time
	CreatedAt          time.Time
}

// Trigger identifies why a ContinuationEvent was raised.
type Trigger string

const (
	TriggerIdleTimeout     Trigger = "idle_timeout"
	TriggerProcessExit     Trigger = "process_exit"
	TriggerExplicitRequest Trigger = "explicit_request"
	TriggerScheduledCheck  Trigger = "scheduled_check"
)

// ContinuationEvent is immutable and never persisted; it is the sole input
// to ContinuationEngine.Handle.
type ContinuationEvent struct {
	SessionRef   SessionRef
	Trigger      Trigger
	ExitCode     *int
	LastOutputAt time.Time
	Timestamp    time.Time
}

// Conclusion is the OutputAnalyzer's classification of agent state.
type Conclusion string

const (
	ConclusionTaskComplete    Conclusion = "TASK_COMPLETE"
	ConclusionIncomplete      Conclusion = "INCOMPLETE"
	ConclusionStuckOrError    Conclusion = "STUCK_OR_ERROR"
	ConclusionWaitingOnInput  Conclusion = "WAITING_FOR_INPUT"
	ConclusionUnknown         Conclusion = "UNKNOWN"
)

// Recommendation is the action ContinuationEngine should dispatch on.
type Recommendation string

const (
	RecommendInjectPrompt    Recommendation = "inject_prompt"
	RecommendAssignNextTask  Recommendation = "assign_next_task"
	RecommendNotifyOwner     Recommendation = "notify_owner"
	RecommendRetryWithHints  Recommendation = "retry_with_hints"
	RecommendPauseAgent      Recommendation = "pause_agent"
	RecommendNoAction        Recommendation = "no_action"
)

// AgentStateAnalysis is the pure-function output of OutputAnalyzer.Analyze.
// It is cacheable by (SessionRef, outputHash, taskID) but the analyzer
// itself holds no state across calls.
type AgentStateAnalysis struct {
	Conclusion     Conclusion
	Confidence     float64
	Evidence       []string
	Recommendation Recommendation
	Iterations     int
	MaxIterations  int
}

// SessionState is a node in the per-session state machine driven by
// ContinuationEngine (§4.D):
//
//	MONITORED -> ANALYZING -> ACTING -> MONITORED
//	                              \-> PAUSED
//	                              \-> ESCALATED (terminal)
type SessionState string

const (
	StateMonitored SessionState = "MONITORED"
	StateAnalyzing SessionState = "ANALYZING"
	StateActing    SessionState = "ACTING"
	StatePaused    SessionState = "PAUSED"
	StateEscalated SessionState = "ESCALATED"
)

// QualityGate is one declarative verification command.
type QualityGate struct {
	Name          string
	Command       string
	TimeoutMS     int
	Required      bool
	AllowFailure  bool
	Env           map[string]string
	RunOnBranches []string // glob patterns; empty means all branches
}

// GateResult is the outcome of running one QualityGate.
type GateResult struct {
	Name       string
	Passed     bool
	Required   bool
	DurationMS int64
	Output     string // truncated, head/tail preserved with an elision marker
	ExitCode   int
	Error      string
}

// GateRunSettings controls QualityGateRunner.RunAll's execution mode.
type GateRunSettings struct {
	Parallel           bool
	StopOnFirstFailure bool
	TotalTimeoutMS     int
}

// GateConfig is the project-level quality-gate configuration (§6).
type GateConfig struct {
	Settings GateRunSettings
	Required []QualityGate
	Optional []QualityGate
	Custom   []QualityGate
}

// BudgetScope is the resolution level of a BudgetConfig; most specific wins.
type BudgetScope string

const (
	ScopeGlobal  BudgetScope = "global"
	ScopeProject BudgetScope = "project"
	ScopeAgent   BudgetScope = "agent"
)

// BudgetConfig bounds usage for one scope (§6).
type BudgetConfig struct {
	Scope            BudgetScope
	ScopeID          string
	DailyLimit       *float64
	WeeklyLimit      *float64
	MonthlyLimit     *float64
	WarningThreshold float64
	MaxTokensPerTask *int64
}

// UsageRecord is one append-only ledger entry.
type UsageRecord struct {
	AgentID     string
	SessionRef  SessionRef
	ProjectPath string
	Timestamp   time.Time
	InputTokens int64
	OutputTokens int64
	Model        string
	Operation    string
	TaskID       string
	Cost         float64 // always derived at read time; never trusted if persisted (see Open Questions)
}

// UsageSummary aggregates usage over a period for one agent.
type UsageSummary struct {
	InputTokens       int64
	OutputTokens      int64
	TotalTokens       int64
	Cost              float64
	OperationBreakdown map[string]float64
	ModelBreakdown     map[string]float64
}

// BudgetStatus is the result of BudgetGuard.CheckBudget.
type BudgetStatus struct {
	WithinBudget    bool
	DailyUsed       float64
	DailyLimit      float64 // +Inf if unset
	PercentUsed     float64
	EstimatedRunway string
}

// ImprovementPhase is a state in the self-improvement marker's phase
// machine (§4.J). A transition out of Planning requires Backup to be
// populated; a transition into ChangesApplied requires every Change to
// have Applied=true.
type ImprovementPhase string

const (
	PhasePlanning       ImprovementPhase = "planning"
	PhaseBackingUp      ImprovementPhase = "backing_up"
	PhaseChangesApplied ImprovementPhase = "changes_applied"
	PhaseValidating     ImprovementPhase = "validating"
	PhaseRollingBack    ImprovementPhase = "rolling_back"
	PhaseRolledBack     ImprovementPhase = "rolled_back"
	PhaseComplete       ImprovementPhase = "complete"
)

// BackupFile records one pre-change copy of a target file.
type BackupFile struct {
	OriginalPath string
	BackupPath   string
	Checksum     string
	Existed      bool
}

// Backup is the git/file snapshot taken before any mutation, per the
// critical ordering invariant: persisted strictly before target-file writes.
type Backup struct {
	GitCommit string
	GitBranch string
	Files     []BackupFile
	CreatedAt time.Time
}

// ChangeType is the kind of mutation one Change applies.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeModify ChangeType = "modify"
	ChangeDelete ChangeType = "delete"
)

// Change is one file mutation within a self-improvement plan.
type Change struct {
	File        string
	Type        ChangeType
	Description string
	NewContent  string // used for create/modify; ignored for delete
	Applied     bool
}

// ValidationResult is one recorded validation-check outcome.
type ValidationResult struct {
	Check      string
	Passed     bool
	Output     string
	DurationMS int64
}

// Validation tracks the self-improvement validation run.
type Validation struct {
	Required    []string
	Results     []ValidationResult
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Rollback records a rollback attempt.
type Rollback struct {
	Reason        string
	StartedAt     time.Time
	CompletedAt   *time.Time
	FilesRestored []string
	GitReset      bool
}

// RiskLevel is computed from the target files touched by a plan.
type RiskLevel string

const (
	RiskHigh   RiskLevel = "high"
	RiskMedium RiskLevel = "medium"
	RiskLow    RiskLevel = "low"
)

// ImprovementMarker is the single persisted JSON record making
// self-improvement survive a process restart (§3, §4.J).
//
// Invariant: at most one marker exists at any time with Phase != PhaseComplete.
type ImprovementMarker struct {
	ID              string
	Description     string
	Phase           ImprovementPhase
	RestartCount    int
	RiskLevel       RiskLevel
	RequiresRestart bool
	TargetFiles     []string
	Backup          *Backup
	Changes         []Change
	Validation      Validation
	Rollback        *Rollback
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NotificationType classifies a persisted notification record.
type NotificationType string

const (
	NotifyContinuation NotificationType = "continuation"
	NotifyBudget       NotificationType = "budget"
	NotifySelfImprove  NotificationType = "self_improvement"
)

// Notification is a persisted, dashboard-visible record of something the
// core could not resolve on its own.
type Notification struct {
	ID           string
	Type         NotificationType
	SessionRef   SessionRef
	Reason       string
	Analysis     *AgentStateAnalysis
	Timestamp    time.Time
	Acknowledged bool
}

// ContinuationConfig governs one ContinuationEngine.Handle invocation.
type ContinuationConfig struct {
	Enabled        bool
	AutoAssignNext bool
	NotifyOnMax    bool
	NotifyOnError  bool
	MaxIterations  int
	ActingTimeout  time.Duration // not read by continuation.Engine; its lanes always use a 60s watchdog
}

// SessionStatus is the continuation engine's per-session bookkeeping,
// updated on every Handle call.
type SessionStatus struct {
	SessionRef    SessionRef
	State         SessionState
	LastAnalysis  *AgentStateAnalysis
	LastAction    Recommendation
	LastHandledAt time.Time
	PausedReason  string
}

// CheckpointReason is why a StateCheckpointer snapshot was taken.
type CheckpointReason string

const (
	ReasonScheduled       CheckpointReason = "scheduled"
	ReasonBeforeRestart   CheckpointReason = "before_restart"
	ReasonTaskCompleted   CheckpointReason = "task_completed"
	ReasonUserRequest     CheckpointReason = "user_request"
	ReasonSelfImprovement CheckpointReason = "self_improvement"
	ReasonErrorRecovery   CheckpointReason = "error_recovery"
)

// ConversationMessage is one turn retained in a Conversation snapshot.
type ConversationMessage struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// Conversation is one session's retained message history plus an
// optional summary of older turns trimmed beyond MaxPersistedMessages.
type Conversation struct {
	SessionRef SessionRef
	Messages   []ConversationMessage
	Summary    string
	UpdatedAt  time.Time
}

// StateMetadata is process-identifying information captured in a snapshot.
type StateMetadata struct {
	Hostname      string
	PID           int
	StartedAt     time.Time
	UptimeSeconds int64
	RestartCount  int
}

// OrchestratorState is the single periodic snapshot persisted by
// StateCheckpointer (§3, §4.I).
type OrchestratorState struct {
	ID               string
	Version          int
	CheckpointedAt   time.Time
	CheckpointReason CheckpointReason
	Conversations    []Conversation
	Tasks            []Task
	Agents           []Agent
	Projects         []string
	SelfImprovement  *ImprovementMarker
	Metadata         StateMetadata
}

// TaskToResume is one entry in ResumeInstructions.TasksToResume.
type TaskToResume struct {
	Task                 Task
	ResumeFromCheckpoint bool
}

// ResumeInstructions is the output of
// StateCheckpointer.GenerateResumeInstructions, handed to whatever
// restarts the orchestrator.
type ResumeInstructions struct {
	TasksToResume         []TaskToResume
	ConversationsToResume []Conversation
	Notifications         []string
}
