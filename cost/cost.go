// Package cost implements the Cost/Budget tracker (spec §4.7):
// per-workflow running totals kept in memory and written through to the
// State Manager on every update, with pre-declared budget enforcement.
//
// Grounded on graph/cost.go's CostTracker: same per-run accumulation
// shape (mutex-protected totals, per-call record keeping), generalized
// from an in-memory-only tracker into one that writes every delta
// through to store.Store via UpdateWorkflowCAS, since spec §3 requires
// workflow.cost_usd/total_tokens to be durable, not just process-local.
package cost

import (
	"context"
	"sync"

	"github.com/devflow/orchestrator/domain"
	"github.com/devflow/orchestrator/errkind"
	"github.com/devflow/orchestrator/provider"
	"github.com/devflow/orchestrator/store"
)

// Delta is one provider response's contribution to a workflow/phase's
// running totals.
type Delta struct {
	TokensIn  int64
	TokensOut int64
	CostUSD   float64
}

// FromResponse builds a Delta from a provider Response.
func FromResponse(r provider.Response) Delta {
	return Delta{TokensIn: r.TokensIn, TokensOut: r.TokensOut, CostUSD: r.CostUSD}
}

// Tracker accumulates per-workflow running totals in memory and writes
// through to st on every Apply call (spec §4.7).
type Tracker struct {
	st store.Store

	mu     sync.Mutex
	totals map[string]Delta // workflowID -> cumulative
}

// New returns a Tracker backed by st.
func New(st store.Store) *Tracker {
	return &Tracker{st: st, totals: make(map[string]Delta)}
}

// Apply adds d to workflowID's running totals, persists the new workflow
// totals via CAS, and returns the updated cumulative Delta. If the
// workflow has a BudgetUSD set and the projected total would exceed it,
// Apply returns errkind.ErrBudgetExceeded (Permanent) without persisting
// the delta — callers must fail the phase permanently per spec §4.7.
func (t *Tracker) Apply(ctx context.Context, workflowID string, d Delta) (Delta, error) {
	t.mu.Lock()
	cumulative := t.totals[workflowID]
	cumulative.TokensIn += d.TokensIn
	cumulative.TokensOut += d.TokensOut
	cumulative.CostUSD += d.CostUSD
	t.totals[workflowID] = cumulative
	t.mu.Unlock()

	var budgetExceeded bool
	var err error
	// The caller's workflow row may be mutated concurrently by the
	// supervising Engine task between phases of different workflows;
	// retry on CAS conflict since only this workflow's state matters
	// here, not a cross-row invariant.
	for attempt := 0; attempt < 3; attempt++ {
		var current *domain.Workflow
		current, err = t.st.GetWorkflow(ctx, workflowID)
		if err != nil {
			break
		}
		budgetExceeded = false
		_, err = t.st.UpdateWorkflowCAS(ctx, workflowID, current.State, func(w *domain.Workflow) error {
			if w.BudgetUSD != nil && w.CostUSD+d.CostUSD > *w.BudgetUSD {
				budgetExceeded = true
				return errkind.ErrBudgetExceeded
			}
			w.CostUSD += d.CostUSD
			w.TotalTokens += d.TokensIn + d.TokensOut
			return nil
		})
		if err != store.ErrCASConflict {
			break
		}
	}
	if budgetExceeded {
		t.rollback(workflowID, d)
		return Delta{}, errkind.ErrBudgetExceeded
	}
	if err != nil {
		t.rollback(workflowID, d)
		return Delta{}, err
	}

	t.mu.Lock()
	cumulative = t.totals[workflowID]
	t.mu.Unlock()
	return cumulative, nil
}

func (t *Tracker) rollback(workflowID string, d Delta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.totals[workflowID]
	c.TokensIn -= d.TokensIn
	c.TokensOut -= d.TokensOut
	c.CostUSD -= d.CostUSD
	t.totals[workflowID] = c
}

// WouldExceedBudget reports whether applying projected on top of the
// workflow's current persisted cost would exceed its budget, without
// mutating any state. Used by the Engine's provider-call path to fail
// phases before making a provider call at all (spec §4.7).
func WouldExceedBudget(w *domain.Workflow, projectedCostUSD float64) bool {
	return w.BudgetUSD != nil && w.CostUSD+projectedCostUSD > *w.BudgetUSD
}

// Totals returns the in-memory cumulative Delta tracked for workflowID.
func (t *Tracker) Totals(workflowID string) Delta {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totals[workflowID]
}
