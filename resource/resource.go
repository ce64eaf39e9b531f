// Package resource implements the shared resource policy of spec §5:
// bounded port pools (delegating persistence to store.Store's allocator)
// and a per-provider LLM concurrency semaphore.
//
// Grounded on the teacher's own bounded-concurrency idiom
// (graph/options.go's MaxConcurrentNodes/QueueDepth enforced via a
// buffered channel in graph/scheduler.go) — generalized here from
// per-node scheduling concurrency into per-provider call concurrency.
package resource

import (
	"context"
	"sync"

	"github.com/devflow/orchestrator/store"
)

// PortAllocator is a thin façade over store.Store's port operations,
// giving callers a narrower surface than the full Store interface and a
// single place to add in-process bookkeeping if ever needed.
type PortAllocator struct {
	st store.Store
}

// NewPortAllocator wraps st.
func NewPortAllocator(st store.Store) *PortAllocator {
	return &PortAllocator{st: st}
}

// Allocate reserves the next free port of kind ("backend" or "frontend")
// for workflowID. Returns errkind.ErrResourceExhausted (via st) when the
// pool is full.
func (p *PortAllocator) Allocate(ctx context.Context, kind, workflowID string) (int, error) {
	return p.st.AllocatePort(ctx, kind, workflowID)
}

// Release frees workflowID's allocation, if any. Idempotent.
func (p *PortAllocator) Release(ctx context.Context, workflowID string) error {
	return p.st.ReleasePort(ctx, workflowID)
}

// Reconcile drops every allocation not owned by a workflow in
// liveWorkflowIDs, run at startup so crashes don't permanently leak
// ports (spec §5).
func (p *PortAllocator) Reconcile(ctx context.Context, liveWorkflowIDs []string) error {
	return p.st.ReconcilePorts(ctx, liveWorkflowIDs)
}

// ProviderSemaphores caps concurrent in-flight calls per provider name,
// configured from providers.<name>.concurrency_limit (spec §6).
type ProviderSemaphores struct {
	mu    sync.Mutex
	sems  map[string]chan struct{}
	limit map[string]int
}

// NewProviderSemaphores builds a semaphore set from provider name ->
// concurrency limit. A provider absent from limits is unbounded.
func NewProviderSemaphores(limits map[string]int) *ProviderSemaphores {
	ps := &ProviderSemaphores{
		sems:  make(map[string]chan struct{}),
		limit: limits,
	}
	for name, n := range limits {
		if n > 0 {
			ps.sems[name] = make(chan struct{}, n)
		}
	}
	return ps
}

// Acquire blocks until a slot for provider is free or ctx is done. If
// provider has no configured limit, Acquire returns immediately.
func (ps *ProviderSemaphores) Acquire(ctx context.Context, provider string) (release func(), err error) {
	ps.mu.Lock()
	sem, ok := ps.sems[provider]
	ps.mu.Unlock()
	if !ok {
		return func() {}, nil
	}

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
