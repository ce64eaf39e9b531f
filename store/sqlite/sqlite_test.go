package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/devflow/orchestrator/domain"
	"github.com/devflow/orchestrator/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newWorkflow(id string) *domain.Workflow {
	now := time.Now().UTC()
	return &domain.Workflow{
		ID:             id,
		Name:           "test workflow",
		Kind:           domain.KindStandard,
		State:          domain.WorkflowCreated,
		CreatedAt:      now,
		LastActivityAt: now,
		BaseBranch:     "main",
		ModelSet:       domain.ModelSetBase,
	}
}

func TestCreateAndGetWorkflow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	w := newWorkflow("wf-1")
	if err := s.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != w.Name || got.State != domain.WorkflowCreated {
		t.Fatalf("unexpected workflow: %+v", got)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetWorkflow(context.Background(), "missing"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateWorkflowCASRejectsStaleExpectedState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := newWorkflow("wf-1")
	_ = s.CreateWorkflow(ctx, w)

	_, err := s.UpdateWorkflowCAS(ctx, "wf-1", domain.WorkflowRunning, func(w *domain.Workflow) error {
		w.State = domain.WorkflowInitialized
		return nil
	})
	if err != store.ErrCASConflict {
		t.Fatalf("expected ErrCASConflict, got %v", err)
	}
}

func TestUpdateWorkflowCASSucceeds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := newWorkflow("wf-1")
	_ = s.CreateWorkflow(ctx, w)

	updated, err := s.UpdateWorkflowCAS(ctx, "wf-1", domain.WorkflowCreated, func(w *domain.Workflow) error {
		w.State = domain.WorkflowInitialized
		return nil
	})
	if err != nil {
		t.Fatalf("cas update: %v", err)
	}
	if updated.State != domain.WorkflowInitialized {
		t.Fatalf("expected state initialized, got %s", updated.State)
	}
}

func TestArchiveCascadesPhasesAndEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := newWorkflow("wf-1")
	now := time.Now().UTC()
	w.StartedAt = &now
	w.State = domain.WorkflowCompleted
	w.CompletedAt = &now
	_ = s.CreateWorkflow(ctx, w)

	p := &domain.Phase{WorkflowID: "wf-1", Name: domain.PhasePlan, Attempt: 1, State: domain.PhaseCompleted, MaxAttempts: 3}
	if err := s.CreatePhase(ctx, p); err != nil {
		t.Fatalf("create phase: %v", err)
	}
	if _, err := s.AppendEvent(ctx, &domain.Event{WorkflowID: "wf-1", EventType: domain.EventWorkflowCreated, Severity: domain.SeverityInfo, CreatedAt: now}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	if err := s.ArchiveWorkflow(ctx, "wf-1"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	// idempotent second call
	if err := s.ArchiveWorkflow(ctx, "wf-1"); err != nil {
		t.Fatalf("second archive should be a no-op: %v", err)
	}

	phases, err := s.ListPhases(ctx, "wf-1")
	if err != nil {
		t.Fatalf("list phases: %v", err)
	}
	if len(phases) != 0 {
		t.Fatalf("expected phases cascade-deleted, got %d", len(phases))
	}

	events, err := s.RangeEvents(ctx, "wf-1", 0)
	if err != nil {
		t.Fatalf("range events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected events cascade-deleted, got %d", len(events))
	}
}

func TestDuplicatePhaseRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := newWorkflow("wf-1")
	_ = s.CreateWorkflow(ctx, w)

	p := &domain.Phase{WorkflowID: "wf-1", Name: domain.PhasePlan, Attempt: 1, State: domain.PhasePending, MaxAttempts: 3}
	if err := s.CreatePhase(ctx, p); err != nil {
		t.Fatalf("create phase: %v", err)
	}
	if err := s.CreatePhase(ctx, p); err != store.ErrDuplicatePhase {
		t.Fatalf("expected ErrDuplicatePhase, got %v", err)
	}
}

func TestEventRangeQueryOrdersBySeq(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := newWorkflow("wf-1")
	_ = s.CreateWorkflow(ctx, w)

	for i := 0; i < 3; i++ {
		if _, err := s.AppendEvent(ctx, &domain.Event{
			WorkflowID: "wf-1", EventType: domain.EventPhaseStarted, Severity: domain.SeverityInfo, CreatedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
	}

	events, err := s.RangeEvents(ctx, "wf-1", 1)
	if err != nil {
		t.Fatalf("range events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after seq=1, got %d", len(events))
	}
	if events[0].Seq >= events[1].Seq {
		t.Fatalf("expected ascending seq order, got %d then %d", events[0].Seq, events[1].Seq)
	}
}

func TestAllocatePortExhaustion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	total := domain.BackendPortMax - domain.BackendPortMin + 1
	for i := 0; i < total; i++ {
		wfID := string(rune('a' + i%26))
		if _, err := s.AllocatePort(ctx, "backend", wfID+string(rune(i))); err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
	}

	if _, err := s.AllocatePort(ctx, "backend", "overflow"); err == nil {
		t.Fatal("expected pool exhaustion error")
	}
}

func TestReleasePortFreesSlotForReallocation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	port, err := s.AllocatePort(ctx, "frontend", "wf-1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := s.ReleasePort(ctx, "wf-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	port2, err := s.AllocatePort(ctx, "frontend", "wf-2")
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	if port2 != port {
		t.Fatalf("expected released port %d to be reused, got %d", port, port2)
	}
}
