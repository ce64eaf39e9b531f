package cost_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devflow/orchestrator/cost"
	"github.com/devflow/orchestrator/domain"
	"github.com/devflow/orchestrator/errkind"
	"github.com/devflow/orchestrator/store/memory"
)

func newWorkflow(id string, budget *float64) *domain.Workflow {
	now := time.Now().UTC()
	return &domain.Workflow{
		ID: id, Name: "w", Kind: domain.KindStandard, State: domain.WorkflowCreated,
		CreatedAt: now, LastActivityAt: now, BaseBranch: "main", ModelSet: domain.ModelSetBase,
		BudgetUSD: budget,
	}
}

func TestApplyAccumulatesAndPersists(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	w := newWorkflow("wf-1", nil)
	if err := st.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("create: %v", err)
	}

	tr := cost.New(st)
	if _, err := tr.Apply(ctx, "wf-1", cost.Delta{TokensIn: 10, TokensOut: 20, CostUSD: 0.01}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	total, err := tr.Apply(ctx, "wf-1", cost.Delta{TokensIn: 5, TokensOut: 5, CostUSD: 0.02})
	if err != nil {
		t.Fatalf("apply 2: %v", err)
	}
	if total.CostUSD != 0.03 || total.TokensIn != 15 || total.TokensOut != 25 {
		t.Fatalf("unexpected cumulative total: %+v", total)
	}

	got, err := st.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CostUSD != 0.03 {
		t.Fatalf("expected persisted cost_usd 0.03, got %v", got.CostUSD)
	}
	if got.TotalTokens != 40 {
		t.Fatalf("expected persisted total_tokens 40, got %v", got.TotalTokens)
	}
}

func TestApplyRejectsWhenBudgetExceeded(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	budget := 0.01
	w := newWorkflow("wf-1", &budget)
	if err := st.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("create: %v", err)
	}

	tr := cost.New(st)
	_, err := tr.Apply(ctx, "wf-1", cost.Delta{CostUSD: 0.02})
	if !errors.Is(err, errkind.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}

	got, _ := st.GetWorkflow(ctx, "wf-1")
	if got.CostUSD != 0 {
		t.Fatalf("expected no cost persisted on budget rejection, got %v", got.CostUSD)
	}
}

func TestWouldExceedBudget(t *testing.T) {
	budget := 1.0
	w := &domain.Workflow{CostUSD: 0.9, BudgetUSD: &budget}
	if !cost.WouldExceedBudget(w, 0.2) {
		t.Fatal("expected projected cost to exceed budget")
	}
	if cost.WouldExceedBudget(w, 0.05) {
		t.Fatal("expected projected cost to stay within budget")
	}
}
