package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devflow/orchestrator/api"
	"github.com/devflow/orchestrator/bus"
	"github.com/devflow/orchestrator/consensus"
	"github.com/devflow/orchestrator/cost"
	"github.com/devflow/orchestrator/domain"
	"github.com/devflow/orchestrator/engine"
	"github.com/devflow/orchestrator/metrics"
	"github.com/devflow/orchestrator/provider"
	"github.com/devflow/orchestrator/provider/mock"
	"github.com/devflow/orchestrator/resource"
	"github.com/devflow/orchestrator/router"
	"github.com/devflow/orchestrator/store"
	"github.com/devflow/orchestrator/store/memory"
)

func newTestAdapter(t *testing.T) (*api.Adapter, store.Store) {
	t.Helper()
	st := memory.New()
	b := bus.New(bus.WithWorkers(0))
	reg := provider.NewRegistry()
	client := mock.New("claude", "claude-sonnet-4-5-20250929")
	client.Responses = []provider.Response{{Text: "ok", TokensIn: 10, TokensOut: 20, CostUSD: 0.0003}}
	reg.Register(client)

	def := router.RoutingDecision{Provider: "claude", Model: "claude-sonnet-4-5-20250929", MaxTokens: 1024}
	rtr := router.New(nil, def)
	ce := consensus.New(reg, nil)
	ct := cost.New(st)
	m := metrics.New(prometheus.NewRegistry())
	ports := resource.NewPortAllocator(st)
	sems := resource.NewProviderSemaphores(nil)

	eng := engine.New(st, b, reg, rtr, ce, ct, m, ports, sems, engine.Options{
		ProviderCallTimeout: 2 * time.Second,
		ConsensusTimeout:    time.Second,
		RetryBaseDelay:      time.Millisecond,
		RetryMaxDelay:       5 * time.Millisecond,
	})

	return api.NewAdapter(eng, st, reg), st
}

func TestHealthReportsHealthyWithRegisteredProviderAndLiveStore(t *testing.T) {
	a, _ := newTestAdapter(t)
	report := a.Health(context.Background())
	if report.Overall() != provider.Healthy {
		t.Fatalf("expected overall healthy, got state=%v events=%v registry=%v",
			report.State, report.Events, report.Registry)
	}
}

func TestHealthReportsUnhealthyRegistryWithNoProviders(t *testing.T) {
	st := memory.New()
	b := bus.New(bus.WithWorkers(0))
	reg := provider.NewRegistry()
	rtr := router.New(nil, router.RoutingDecision{Provider: "claude"})
	ce := consensus.New(reg, nil)
	ct := cost.New(st)
	m := metrics.New(prometheus.NewRegistry())
	ports := resource.NewPortAllocator(st)
	sems := resource.NewProviderSemaphores(nil)
	eng := engine.New(st, b, reg, rtr, ce, ct, m, ports, sems, engine.Options{})

	a := api.NewAdapter(eng, st, reg)
	report := a.Health(context.Background())
	if report.Registry != provider.Unhealthy {
		t.Fatalf("expected registry unhealthy with no providers, got %v", report.Registry)
	}
	if report.Overall() != provider.Unhealthy {
		t.Fatalf("expected overall unhealthy, got %v", report.Overall())
	}
}

func TestCreateStartWorkflowThroughAdapter(t *testing.T) {
	a, st := newTestAdapter(t)
	ctx := context.Background()

	id, err := a.CreateWorkflow(ctx, engine.Spec{
		Name: "demo", Kind: domain.KindPlanOnly, TaskDescription: "do the thing",
	})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	w, err := a.GetWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if w.State != domain.WorkflowCreated {
		t.Fatalf("expected created state, got %v", w.State)
	}

	if err := a.StartWorkflow(ctx, id); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		w, err := st.GetWorkflow(ctx, id)
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if w.State == domain.WorkflowCompleted {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	final, err := a.GetWorkflow(ctx, id)
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if final.State != domain.WorkflowCompleted {
		t.Fatalf("expected workflow to complete, got %v", final.State)
	}

	events, err := a.Events(ctx, id, 0)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected at least one event")
	}
}

func TestListWorkflowsFiltersByState(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	id, err := a.CreateWorkflow(ctx, engine.Spec{Name: "a", Kind: domain.KindPlanOnly, TaskDescription: "x"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}

	results, err := a.ListWorkflows(ctx, store.WorkflowFilter{State: domain.WorkflowCreated})
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	found := false
	for _, w := range results {
		if w.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected created workflow %s in filtered list", id)
	}
}

func TestArchiveWorkflowThroughAdapter(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	id, err := a.CreateWorkflow(ctx, engine.Spec{Name: "a", Kind: domain.KindPlanOnly, TaskDescription: "x"})
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if err := a.StartWorkflow(ctx, id); err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		w, err := a.GetWorkflow(ctx, id)
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		if w.State == domain.WorkflowCompleted {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := a.ArchiveWorkflow(ctx, id); err != nil {
		t.Fatalf("ArchiveWorkflow: %v", err)
	}
	if err := a.ArchiveWorkflow(ctx, id); err != nil {
		t.Fatalf("ArchiveWorkflow idempotent call: %v", err)
	}
}

func TestMetricsReturnsAggregate(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()
	agg, err := a.Metrics(ctx, "2026-07-31", domain.KindPlanOnly)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if agg == nil {
		t.Fatalf("expected non-nil aggregate")
	}
}
