// Package memory is an in-memory store.Store implementation for unit
// tests, grounded on graph/store/memory.go's NewMemStore convention
// (map-backed, no persistence across process restarts).
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/devflow/orchestrator/domain"
	"github.com/devflow/orchestrator/errkind"
	"github.com/devflow/orchestrator/store"
)

type phaseKey struct {
	workflowID string
	name       domain.PhaseName
	attempt    int
}

// Store is a goroutine-safe in-memory implementation of store.Store.
type Store struct {
	mu        sync.Mutex
	workflows map[string]*domain.Workflow
	phases    map[phaseKey]*domain.Phase
	events    []domain.Event
	nextSeq   int64
	ports     map[string]portAlloc // workflowID -> allocation
}

type portAlloc struct {
	kind string
	port int
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		workflows: make(map[string]*domain.Workflow),
		phases:    make(map[phaseKey]*domain.Phase),
		ports:     make(map[string]portAlloc),
	}
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func (s *Store) CreateWorkflow(_ context.Context, w *domain.Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[w.ID]; exists {
		return store.ErrCASConflict
	}
	s.workflows[w.ID] = clone(w)
	return nil
}

func (s *Store) GetWorkflow(_ context.Context, id string) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(w), nil
}

func (s *Store) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Workflow
	for _, w := range s.workflows {
		if filter.State != "" && w.State != filter.State {
			continue
		}
		if filter.Kind != "" && w.Kind != filter.Kind {
			continue
		}
		if filter.IssueRef != "" && w.IssueRef != filter.IssueRef {
			continue
		}
		if filter.Tag != "" {
			found := false
			for _, t := range w.Tags {
				if t == filter.Tag {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, clone(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateWorkflowCAS(_ context.Context, id string, expectedState domain.WorkflowState, mutate func(*domain.Workflow) error) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if w.State != expectedState {
		return nil, store.ErrCASConflict
	}
	updated := clone(w)
	if err := mutate(updated); err != nil {
		return nil, err
	}
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	s.workflows[id] = updated
	return clone(updated), nil
}

func (s *Store) ArchiveWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return store.ErrNotFound
	}
	if w.State == domain.WorkflowArchived {
		return nil
	}
	if !domain.CanTransition(w.State, domain.WorkflowArchived) {
		return store.ErrCASConflict
	}
	now := w.LastActivityAt
	w.State = domain.WorkflowArchived
	w.ArchivedAt = &now

	for k := range s.phases {
		if k.workflowID == id {
			delete(s.phases, k)
		}
	}
	filtered := s.events[:0:0]
	for _, e := range s.events {
		if e.WorkflowID != id {
			filtered = append(filtered, e)
		}
	}
	s.events = filtered
	delete(s.ports, id)
	return nil
}

func (s *Store) CreatePhase(_ context.Context, p *domain.Phase) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := phaseKey{p.WorkflowID, p.Name, p.Attempt}
	if _, exists := s.phases[key]; exists {
		return store.ErrDuplicatePhase
	}
	s.phases[key] = clone(p)
	return nil
}

func (s *Store) GetPhase(_ context.Context, workflowID string, name domain.PhaseName, attempt int) (*domain.Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.phases[phaseKey{workflowID, name, attempt}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(p), nil
}

func (s *Store) UpdatePhase(_ context.Context, p *domain.Phase) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := phaseKey{p.WorkflowID, p.Name, p.Attempt}
	if _, ok := s.phases[key]; !ok {
		return store.ErrNotFound
	}
	s.phases[key] = clone(p)
	return nil
}

func (s *Store) ListPhases(_ context.Context, workflowID string) ([]*domain.Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Phase
	for k, p := range s.phases {
		if k.workflowID == workflowID {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

func (s *Store) AppendEvent(_ context.Context, e *domain.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	e.Seq = s.nextSeq
	s.events = append(s.events, *e)
	return e.Seq, nil
}

func (s *Store) RangeEvents(_ context.Context, workflowID string, sinceSeq int64) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, e := range s.events {
		if e.WorkflowID == workflowID && e.Seq > sinceSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) Aggregate(_ context.Context, date string, kind domain.WorkflowKind) (*domain.MetricsAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg := &domain.MetricsAggregate{Date: date, Kind: kind}
	for _, w := range s.workflows {
		if w.Kind != kind || w.CreatedAt.Format("2006-01-02") != date {
			continue
		}
		agg.WorkflowCount++
		agg.TotalCostUSD += w.CostUSD
		switch w.State {
		case domain.WorkflowCompleted:
			agg.CompletedCount++
		case domain.WorkflowFailed:
			agg.FailedCount++
		case domain.WorkflowCancelled:
			agg.CancelledCount++
		}
		if w.StartedAt != nil && w.CompletedAt != nil {
			agg.TotalDurationSec += w.CompletedAt.Sub(*w.StartedAt).Seconds()
		}
	}
	if agg.WorkflowCount > 0 {
		agg.SuccessRate = float64(agg.CompletedCount) / float64(agg.WorkflowCount)
	}
	return agg, nil
}

func (s *Store) AllocatePort(_ context.Context, kind string, workflowID string) (int, error) {
	var min, max int
	switch kind {
	case "backend":
		min, max = domain.BackendPortMin, domain.BackendPortMax
	case "frontend":
		min, max = domain.FrontendPortMin, domain.FrontendPortMax
	default:
		return 0, store.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	used := make(map[int]bool)
	for _, a := range s.ports {
		if a.kind == kind {
			used[a.port] = true
		}
	}
	for p := min; p <= max; p++ {
		if !used[p] {
			s.ports[workflowID] = portAlloc{kind: kind, port: p}
			return p, nil
		}
	}
	return 0, errkind.ErrResourceExhausted
}

func (s *Store) ReleasePort(_ context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ports, workflowID)
	return nil
}

func (s *Store) ReconcilePorts(_ context.Context, liveWorkflowIDs []string) error {
	live := make(map[string]bool, len(liveWorkflowIDs))
	for _, id := range liveWorkflowIDs {
		live[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.ports {
		if !live[id] {
			delete(s.ports, id)
		}
	}
	return nil
}
