package resource_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/devflow/orchestrator/errkind"
	"github.com/devflow/orchestrator/resource"
	"github.com/devflow/orchestrator/store/memory"
)

func TestPortAllocatorAllocateRelease(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	pa := resource.NewPortAllocator(st)

	port, err := pa.Allocate(ctx, "backend", "wf-1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if port == 0 {
		t.Fatal("expected non-zero port")
	}
	if err := pa.Release(ctx, "wf-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestPortAllocatorExhaustion(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	pa := resource.NewPortAllocator(st)

	var last error
	for i := 0; i < 200; i++ {
		_, last = pa.Allocate(ctx, "backend", workflowID(i))
		if last != nil {
			break
		}
	}
	if !errors.Is(last, errkind.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted once the backend pool is full, got %v", last)
	}
}

func TestPortAllocatorReconcileDropsDeadAllocations(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	pa := resource.NewPortAllocator(st)

	first, err := pa.Allocate(ctx, "backend", "wf-1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := pa.Reconcile(ctx, []string{}); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	// wf-1's allocation should be gone, so its port is free again and is
	// the first one handed out by the next allocation.
	again, err := pa.Allocate(ctx, "backend", "wf-1")
	if err != nil {
		t.Fatalf("expected reconcile to free wf-1's port, allocate failed: %v", err)
	}
	if again != first {
		t.Fatalf("expected freed port %d to be reused, got %d", first, again)
	}
}

func TestProviderSemaphoresBoundsConcurrency(t *testing.T) {
	ps := resource.NewProviderSemaphores(map[string]int{"claude": 1})

	ctx := context.Background()
	release1, err := ps.Acquire(ctx, "claude")
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = ps.Acquire(cctx, "claude")
	if err == nil {
		t.Fatal("expected second acquire to block until timeout since limit is 1")
	}

	release1()
	release2, err := ps.Acquire(ctx, "claude")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestProviderSemaphoresUnboundedWhenUnconfigured(t *testing.T) {
	ps := resource.NewProviderSemaphores(map[string]int{})
	release, err := ps.Acquire(context.Background(), "unconfigured")
	if err != nil {
		t.Fatalf("expected unconfigured provider to acquire immediately: %v", err)
	}
	release()
}

func workflowID(i int) string {
	return fmt.Sprintf("wf-%d", i)
}
