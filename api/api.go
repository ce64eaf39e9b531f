// Package api defines the orchestrator's transport-agnostic operations
// surface (spec §6): the same typed interface cmd/orchestrator's CLI
// calls directly, and a future network-facing adapter would wrap
// unchanged. No framing/serialization lives here, matching spec.md's
// explicit non-goal of a built-in network API — this package only
// names the capability set.
//
// Grounded on the teacher's small capability-interface convention
// (graph/node.go's Node, graph/emit's Emitter, graph/store's Store[S]):
// a narrow, directly-implementable interface rather than a generated
// RPC service definition.
package api

import (
	"context"

	"github.com/devflow/orchestrator/domain"
	"github.com/devflow/orchestrator/engine"
	"github.com/devflow/orchestrator/provider"
	"github.com/devflow/orchestrator/store"
)

// ComponentStatus mirrors spec §6's health surface: one HealthStatus per
// named component.
type ComponentStatus = provider.HealthStatus

// HealthReport is the transport-agnostic response to Health (spec §6).
type HealthReport struct {
	State    ComponentStatus
	Events   ComponentStatus
	Registry ComponentStatus
}

// Overall reports the least-healthy of the three components.
func (h HealthReport) Overall() ComponentStatus {
	status := provider.Healthy
	for _, c := range []ComponentStatus{h.State, h.Events, h.Registry} {
		if c == provider.Unhealthy {
			return provider.Unhealthy
		}
		if c == provider.Degraded {
			status = provider.Degraded
		}
	}
	return status
}

// Orchestrator is the full operations surface consumed by a caller
// (spec §6's transport-agnostic operations): workflow lifecycle,
// introspection and health. Adapter implements it over an *engine.Engine.
type Orchestrator interface {
	Health(ctx context.Context) HealthReport

	CreateWorkflow(ctx context.Context, spec engine.Spec) (string, error)
	StartWorkflow(ctx context.Context, workflowID string) error
	PauseWorkflow(ctx context.Context, workflowID string) error
	ResumeWorkflow(ctx context.Context, workflowID string) error
	CancelWorkflow(ctx context.Context, workflowID string, reason string) error
	ArchiveWorkflow(ctx context.Context, workflowID string) error
	GetWorkflow(ctx context.Context, workflowID string) (*domain.Workflow, error)
	ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*domain.Workflow, error)

	Events(ctx context.Context, workflowID string, sinceSeq int64) ([]domain.Event, error)

	Metrics(ctx context.Context, date string, kind domain.WorkflowKind) (*domain.MetricsAggregate, error)
}

// Adapter wraps an *engine.Engine and a *provider.Registry to satisfy
// Orchestrator, translating the Engine's broader method set (Create,
// Start, ...) into the operations-surface names spec §6 uses
// (workflows.create, workflows.start, ...) and adding the Health
// rollup the Engine alone has no view of (provider registry health).
type Adapter struct {
	eng *engine.Engine
	st  store.Store
	reg *provider.Registry
}

// NewAdapter builds an Orchestrator from its collaborators.
func NewAdapter(eng *engine.Engine, st store.Store, reg *provider.Registry) *Adapter {
	return &Adapter{eng: eng, st: st, reg: reg}
}

// Health reports state/events/registry health (spec §6). Events health
// has no independent failure mode distinct from State in this
// single-process design (the Event Bus has no external dependency of
// its own), so it mirrors State's status; Registry health comes from
// provider.Registry.Health.
func (a *Adapter) Health(ctx context.Context) HealthReport {
	state := provider.Healthy
	if err := a.st.Ping(ctx); err != nil {
		state = provider.Unhealthy
	}
	return HealthReport{
		State:    state,
		Events:   state,
		Registry: a.reg.Health(),
	}
}

func (a *Adapter) CreateWorkflow(ctx context.Context, spec engine.Spec) (string, error) {
	return a.eng.Create(ctx, spec)
}

func (a *Adapter) StartWorkflow(ctx context.Context, workflowID string) error {
	return a.eng.Start(ctx, workflowID)
}

func (a *Adapter) PauseWorkflow(ctx context.Context, workflowID string) error {
	return a.eng.Pause(ctx, workflowID)
}

func (a *Adapter) ResumeWorkflow(ctx context.Context, workflowID string) error {
	return a.eng.Resume(ctx, workflowID)
}

func (a *Adapter) CancelWorkflow(ctx context.Context, workflowID string, reason string) error {
	return a.eng.Cancel(ctx, workflowID, reason)
}

func (a *Adapter) ArchiveWorkflow(ctx context.Context, workflowID string) error {
	return a.eng.Archive(ctx, workflowID)
}

func (a *Adapter) GetWorkflow(ctx context.Context, workflowID string) (*domain.Workflow, error) {
	return a.eng.Get(ctx, workflowID)
}

func (a *Adapter) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*domain.Workflow, error) {
	return a.eng.List(ctx, filter)
}

func (a *Adapter) Events(ctx context.Context, workflowID string, sinceSeq int64) ([]domain.Event, error) {
	return a.eng.Events(ctx, workflowID, sinceSeq)
}

func (a *Adapter) Metrics(ctx context.Context, date string, kind domain.WorkflowKind) (*domain.MetricsAggregate, error) {
	return a.st.Aggregate(ctx, date, kind)
}
