// Package store defines the State Manager's typed persistence contract
// (spec §4.6): Workflow/Phase CRUD with compare-and-swap transitions,
// append-only Event storage with range queries, and on-demand metrics
// aggregation. No raw SQL is exposed to callers.
package store

import (
	"context"
	"errors"

	"github.com/devflow/orchestrator/domain"
)

// ErrNotFound is returned when a requested entity does not exist.
// Grounded on graph/store/store.go's ErrNotFound sentinel.
var ErrNotFound = errors.New("store: not found")

// ErrCASConflict is returned when a compare-and-swap workflow/phase update
// loses the race: the row's state no longer matches the expected value.
var ErrCASConflict = errors.New("store: compare-and-swap conflict")

// ErrDuplicatePhase is returned when (workflow_id, name, attempt) already
// exists.
var ErrDuplicatePhase = errors.New("store: duplicate phase")

// WorkflowFilter narrows ListWorkflows results. Zero value matches all.
type WorkflowFilter struct {
	State    domain.WorkflowState
	Kind     domain.WorkflowKind
	IssueRef string
	Tag      string
	Limit    int
	Offset   int
}

// Store is the State Manager's full typed operation surface. Implementations
// must serialize writes through a single writer (spec §4.6 concurrency
// model) and must only return from a publish-triggering write after the
// underlying transaction has committed.
type Store interface {
	// Workflow operations.
	CreateWorkflow(ctx context.Context, w *domain.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*domain.Workflow, error)

	// UpdateWorkflowCAS applies mutate to the current row only if its state
	// equals expectedState, persists the result, and returns the updated
	// workflow. Returns ErrCASConflict if the state already changed.
	UpdateWorkflowCAS(ctx context.Context, id string, expectedState domain.WorkflowState, mutate func(*domain.Workflow) error) (*domain.Workflow, error)

	// ArchiveWorkflow moves id to archived and cascades event/phase
	// deletion. Idempotent: archiving an already-archived workflow is a
	// no-op returning nil.
	ArchiveWorkflow(ctx context.Context, id string) error

	// Phase operations.
	CreatePhase(ctx context.Context, p *domain.Phase) error
	GetPhase(ctx context.Context, workflowID string, name domain.PhaseName, attempt int) (*domain.Phase, error)
	UpdatePhase(ctx context.Context, p *domain.Phase) error
	ListPhases(ctx context.Context, workflowID string) ([]*domain.Phase, error)

	// Event operations. AppendEvent assigns and returns the global
	// monotonic seq.
	AppendEvent(ctx context.Context, e *domain.Event) (int64, error)
	RangeEvents(ctx context.Context, workflowID string, sinceSeq int64) ([]domain.Event, error)

	// Aggregate recomputes the MetricsAggregate for (date, kind) from the
	// current workflows table.
	Aggregate(ctx context.Context, date string, kind domain.WorkflowKind) (*domain.MetricsAggregate, error)

	// Port allocation (spec §5 shared resource policy; persisted here so
	// crashes don't permanently leak allocations).
	AllocatePort(ctx context.Context, kind string, workflowID string) (int, error)
	ReleasePort(ctx context.Context, workflowID string) error
	ReconcilePorts(ctx context.Context, liveWorkflowIDs []string) error

	Ping(ctx context.Context) error
	Close() error
}
