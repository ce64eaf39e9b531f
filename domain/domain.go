// Package domain defines the core entities the orchestrator persists and
// transitions: Workflow, Phase, Event and the daily MetricsAggregate.
package domain

import (
	"time"

	"github.com/devflow/orchestrator/errkind"
)

// WorkflowState is the top-level workflow lifecycle state.
type WorkflowState string

const (
	WorkflowCreated     WorkflowState = "created"
	WorkflowInitialized WorkflowState = "initialized"
	WorkflowRunning     WorkflowState = "running"
	WorkflowPaused      WorkflowState = "paused"
	WorkflowCompleted   WorkflowState = "completed"
	WorkflowFailed      WorkflowState = "failed"
	WorkflowCancelled   WorkflowState = "cancelled"
	WorkflowStuck       WorkflowState = "stuck"
	WorkflowArchived    WorkflowState = "archived"
)

// IsValid reports whether s is one of the declared workflow states.
func (s WorkflowState) IsValid() bool {
	switch s {
	case WorkflowCreated, WorkflowInitialized, WorkflowRunning, WorkflowPaused,
		WorkflowCompleted, WorkflowFailed, WorkflowCancelled, WorkflowStuck, WorkflowArchived:
		return true
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions other than archive.
func (s WorkflowState) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// transitions is the legal workflow state-machine table from spec §4.1.
var transitions = map[WorkflowState]map[WorkflowState]bool{
	WorkflowCreated: {
		WorkflowInitialized: true,
		WorkflowRunning:      true, // create() followed directly by start() may skip "initialized"
	},
	WorkflowInitialized: {
		WorkflowRunning: true,
	},
	WorkflowRunning: {
		WorkflowCompleted: true,
		WorkflowFailed:    true,
		WorkflowCancelled: true,
		WorkflowPaused:    true,
		WorkflowStuck:     true,
	},
	WorkflowPaused: {
		WorkflowRunning:   true,
		WorkflowCancelled: true,
	},
	WorkflowStuck: {
		WorkflowRunning:   true,
		WorkflowFailed:    true,
		WorkflowCancelled: true,
	},
	WorkflowCompleted: {WorkflowArchived: true},
	WorkflowFailed:    {WorkflowArchived: true},
	WorkflowCancelled: {WorkflowArchived: true},
}

// CanTransition reports whether from -> to is a legal workflow transition.
func CanTransition(from, to WorkflowState) bool {
	return transitions[from][to]
}

// WorkflowKind selects a workflow's phase DAG.
type WorkflowKind string

const (
	KindStandard   WorkflowKind = "standard"
	KindTDD        WorkflowKind = "tdd"
	KindPlanOnly   WorkflowKind = "plan-only"
	KindTestOnly   WorkflowKind = "test-only"
	KindReviewOnly WorkflowKind = "review-only"
)

func (k WorkflowKind) IsValid() bool {
	switch k {
	case KindStandard, KindTDD, KindPlanOnly, KindTestOnly, KindReviewOnly:
		return true
	}
	return false
}

// Phases returns the ordered phase plan for a workflow kind.
func (k WorkflowKind) Phases() []PhaseName {
	switch k {
	case KindStandard:
		return []PhaseName{PhasePlan, PhaseBuild, PhaseTest, PhaseReview}
	case KindTDD:
		return []PhaseName{PhasePlan, PhaseGenerateTests, PhaseVerifyRed, PhaseBuild, PhaseVerifyGreen, PhaseRefactor, PhaseReview}
	case KindPlanOnly:
		return []PhaseName{PhasePlan}
	case KindTestOnly:
		return []PhaseName{PhaseTest}
	case KindReviewOnly:
		return []PhaseName{PhaseReview}
	}
	return nil
}

// IssueClass categorizes the originating issue.
type IssueClass string

const (
	IssueFeature IssueClass = "feature"
	IssueBug     IssueClass = "bug"
	IssueTest    IssueClass = "test"
	IssueRefactor IssueClass = "refactor"
	IssueDocs    IssueClass = "docs"
	IssueChore   IssueClass = "chore"
)

func (c IssueClass) IsValid() bool {
	switch c {
	case "", IssueFeature, IssueBug, IssueTest, IssueRefactor, IssueDocs, IssueChore:
		return true
	}
	return false
}

// ModelSet selects which tier of models a workflow should prefer.
type ModelSet string

const (
	ModelSetBase     ModelSet = "base"
	ModelSetFast     ModelSet = "fast"
	ModelSetPowerful ModelSet = "powerful"
)

func (m ModelSet) IsValid() bool {
	switch m {
	case "", ModelSetBase, ModelSetFast, ModelSetPowerful:
		return true
	}
	return false
}

const (
	BackendPortMin  = 9100
	BackendPortMax  = 9199
	FrontendPortMin = 9200
	FrontendPortMax = 9299
)

// Workflow is the top-level unit of orchestration (spec §3).
type Workflow struct {
	ID   string
	Name string
	Kind WorkflowKind

	State WorkflowState

	CreatedAt      time.Time
	StartedAt      *time.Time
	LastActivityAt time.Time
	CompletedAt    *time.Time
	ArchivedAt     *time.Time

	IssueRef   string
	Branch     string
	BaseBranch string
	WorktreePath string

	Tags     []string
	Metadata map[string]string

	ExitCode     *int
	ErrorMessage string
	RetryCount   int

	CostUSD     float64
	TotalTokens int64
	PhaseCount  int

	BackendPort  *int
	FrontendPort *int
	IssueClass   IssueClass
	ModelSet     ModelSet
	BudgetUSD    *float64
}

// Validate checks invariants from spec §3 that do not depend on other rows.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return errValidation("workflow id is required")
	}
	if !w.Kind.IsValid() {
		return errValidation("invalid workflow kind %q", w.Kind)
	}
	if !w.State.IsValid() {
		return errValidation("invalid workflow state %q", w.State)
	}
	if w.BaseBranch == "" {
		w.BaseBranch = "main"
	}
	if w.ModelSet == "" {
		w.ModelSet = ModelSetBase
	}
	if !w.IssueClass.IsValid() {
		return errValidation("invalid issue class %q", w.IssueClass)
	}
	if !w.ModelSet.IsValid() {
		return errValidation("invalid model set %q", w.ModelSet)
	}
	if w.ArchivedAt != nil && w.State != WorkflowArchived {
		return errValidation("archived_at set but state is not archived")
	}
	if w.State == WorkflowArchived && w.ArchivedAt == nil {
		return errValidation("state archived requires archived_at")
	}
	switch w.State {
	case WorkflowRunning, WorkflowPaused, WorkflowCompleted, WorkflowFailed, WorkflowStuck:
		if w.StartedAt == nil {
			return errValidation("state %q requires started_at", w.State)
		}
	}
	if w.BackendPort != nil && (*w.BackendPort < BackendPortMin || *w.BackendPort > BackendPortMax) {
		return errValidation("backend_port out of range")
	}
	if w.FrontendPort != nil && (*w.FrontendPort < FrontendPortMin || *w.FrontendPort > FrontendPortMax) {
		return errValidation("frontend_port out of range")
	}
	if w.CostUSD < 0 {
		return errValidation("cost_usd must be non-negative")
	}
	if w.TotalTokens < 0 {
		return errValidation("total_tokens must be non-negative")
	}
	if w.RetryCount < 0 {
		return errValidation("retry_count must be non-negative")
	}
	return nil
}

// PhaseName is a named step inside a workflow plan.
type PhaseName string

const (
	PhasePlan          PhaseName = "plan"
	PhaseBuild         PhaseName = "build"
	PhaseTest          PhaseName = "test"
	PhaseReview        PhaseName = "review"
	PhaseDeploy        PhaseName = "deploy"
	PhaseGenerateTests PhaseName = "generate_tests"
	PhaseVerifyRed     PhaseName = "verify_red"
	PhaseVerifyGreen   PhaseName = "verify_green"
	PhaseRefactor      PhaseName = "refactor"
)

func (n PhaseName) IsValid() bool {
	switch n {
	case PhasePlan, PhaseBuild, PhaseTest, PhaseReview, PhaseDeploy,
		PhaseGenerateTests, PhaseVerifyRed, PhaseVerifyGreen, PhaseRefactor:
		return true
	}
	return false
}

// PhaseState is a single phase attempt's lifecycle state.
type PhaseState string

const (
	PhasePending   PhaseState = "pending"
	PhaseRunning   PhaseState = "running"
	PhaseCompleted PhaseState = "completed"
	PhaseFailed    PhaseState = "failed"
	PhaseSkipped   PhaseState = "skipped"
)

func (s PhaseState) IsValid() bool {
	switch s {
	case PhasePending, PhaseRunning, PhaseCompleted, PhaseFailed, PhaseSkipped:
		return true
	}
	return false
}

// Phase is one execution attempt of a named step inside a workflow (spec §3).
type Phase struct {
	WorkflowID string
	Name       PhaseName
	Attempt    int
	Index      int

	State PhaseState

	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64

	ExitCode     *int
	ErrorMessage string
	MaxAttempts  int

	LLMRequests  int
	LLMTokensIn  int64
	LLMTokensOut int64
	CostUSD      float64
}

func (p *Phase) Validate() error {
	if p.WorkflowID == "" {
		return errValidation("phase requires workflow id")
	}
	if !p.Name.IsValid() {
		return errValidation("invalid phase name %q", p.Name)
	}
	if !p.State.IsValid() {
		return errValidation("invalid phase state %q", p.State)
	}
	if p.Attempt < 1 {
		return errValidation("phase attempt must start at 1")
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.CostUSD < 0 {
		return errValidation("phase cost_usd must be non-negative")
	}
	return nil
}

// EventType is the closed vocabulary of published/persisted events (spec §4.5).
type EventType string

const (
	EventWorkflowCreated      EventType = "workflow_created"
	EventWorkflowStateChanged EventType = "workflow_state_changed"
	EventPhaseStarted         EventType = "phase_started"
	EventPhaseCompleted       EventType = "phase_completed"
	EventPhaseFailed          EventType = "phase_failed"
	EventWorkflowPaused       EventType = "workflow_paused"
	EventWorkflowResumed      EventType = "workflow_resumed"
	EventWorkflowCancelled    EventType = "workflow_cancelled"
	EventWorkflowArchived     EventType = "workflow_archived"
	EventResourceAllocated    EventType = "resource_allocated"
	EventResourceReleased     EventType = "resource_released"
	EventErrorOccurred        EventType = "error_occurred"
	EventResumeRequired       EventType = "resume_required"
)

func (t EventType) IsValid() bool {
	switch t {
	case EventWorkflowCreated, EventWorkflowStateChanged, EventPhaseStarted, EventPhaseCompleted,
		EventPhaseFailed, EventWorkflowPaused, EventWorkflowResumed, EventWorkflowCancelled,
		EventWorkflowArchived, EventResourceAllocated, EventResourceReleased, EventErrorOccurred,
		EventResumeRequired:
		return true
	}
	return false
}

// Severity classifies an Event's importance.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Event is an immutable audit entry (spec §3).
type Event struct {
	Seq        int64
	WorkflowID string
	EventType  EventType
	Severity   Severity
	PhaseName  PhaseName
	FromState  string
	ToState    string
	Message    string
	Metadata   map[string]string
	CreatedAt  time.Time
}

// MetricsAggregate is a daily rollup per (date, kind) (spec §3). Recomputed
// on demand from the workflows table; never authoritative by itself.
type MetricsAggregate struct {
	Date             string // YYYY-MM-DD (UTC)
	Kind             WorkflowKind
	WorkflowCount    int
	CompletedCount   int
	FailedCount      int
	CancelledCount   int
	TotalDurationSec float64
	TotalCostUSD     float64
	SuccessRate      float64
}

func errValidation(format string, args ...any) error {
	return errkind.NewValidation(format, args...)
}
