package mysqlstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/devflow/orchestrator/domain"
)

// These tests require a live MySQL instance; set MYSQL_TEST_DSN
// (e.g. "root@tcp(127.0.0.1:3306)/orchestrator_test?parseTime=true")
// to run them. They are skipped otherwise since no toolchain/service is
// assumed to be available in every environment that builds this package.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MYSQL_TEST_DSN")
	if dsn == "" {
		t.Skip("MYSQL_TEST_DSN not set, skipping mysqlstore integration tests")
	}
	s, err := New(dsn)
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

	w := newWorkflow("wf-mysql-1")
	if err := s.CreateWorkflow(ctx, w); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.GetWorkflow(ctx, "wf-mysql-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != w.Name {
		t.Fatalf("unexpected workflow: %+v", got)
	}
}

func TestUpdateWorkflowCASRejectsStaleExpectedState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := newWorkflow("wf-mysql-2")
	_ = s.CreateWorkflow(ctx, w)

	_, err := s.UpdateWorkflowCAS(ctx, "wf-mysql-2", domain.WorkflowRunning, func(w *domain.Workflow) error {
		w.State = domain.WorkflowInitialized
		return nil
	})
	if err == nil {
		t.Fatal("expected CAS conflict")
	}
}

func TestAllocateAndReleasePort(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	port, err := s.AllocatePort(ctx, "frontend", "wf-mysql-3")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port < domain.FrontendPortMin || port > domain.FrontendPortMax {
		t.Fatalf("port out of range: %d", port)
	}
	if err := s.ReleasePort(ctx, "wf-mysql-3"); err != nil {
		t.Fatalf("release: %v", err)
	}
}
