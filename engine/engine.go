// Package engine implements the Workflow Engine (spec §4.1): a
// persistent state machine per workflow, composed of ordered phases,
// with at-most-once transition semantics, resumability, retry,
// cancellation and cooperative pause.
//
// Grounded on graph/engine.go's Engine[S]/Run supervising-task shape —
// generalized from "one node execution at a time with a frontier" into
// "one phase at a time, sequential DAG", since phases execute strictly
// in order per spec §5 (no concurrent frontier within a workflow;
// distinct workflows run concurrently as distinct supervising
// goroutines). Retry/backoff follows graph/policy.go's computeBackoff
// shape, adapted to the full-jitter formula spec §4.1 names explicitly
// (delay = random(0, min(base*2^attempt, cap)), not the teacher's
// additive-jitter variant). The deterministic per-workflow RNG seeding
// is grounded directly on graph/engine.go's initRNG (SHA-256 of the
// workflow id as the seed).
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/devflow/orchestrator/bus"
	"github.com/devflow/orchestrator/consensus"
	"github.com/devflow/orchestrator/cost"
	"github.com/devflow/orchestrator/domain"
	"github.com/devflow/orchestrator/errkind"
	"github.com/devflow/orchestrator/metrics"
	"github.com/devflow/orchestrator/provider"
	"github.com/devflow/orchestrator/resource"
	"github.com/devflow/orchestrator/router"
	"github.com/devflow/orchestrator/store"
)

// Spec carries a new workflow's caller-supplied definition (spec §4.1
// create()).
type Spec struct {
	Name            string
	Kind            domain.WorkflowKind
	TaskDescription string
	Tags            []string
	ModelSet        domain.ModelSet
	BudgetUSD       *float64
	IssueRef        string
	BaseBranch      string
	IssueClass      domain.IssueClass
}

// TestResult communicates a verify_red/verify_green phase's test
// outcome via the provider Response's Raw field. The spec routes these
// phases through the same single-provider-call contract as every other
// phase (§4.1 step 3-4), so there is no separate test-runner
// collaborator interface; a provider adapter (or, in tests, the mock
// client) that actually runs a test suite reports the result this way.
// A response with no TestResult in Raw is treated as exit code 0.
type TestResult struct {
	ExitCode int
}

// Options configures timeouts, retry policy and defaults not carried
// on a per-workflow Spec (spec §4.1, §5, §6).
type Options struct {
	StuckThreshold      time.Duration
	DefaultMaxAttempts  int
	ProviderCallTimeout time.Duration
	ConsensusTimeout    time.Duration
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
}

func (o Options) withDefaults() Options {
	if o.StuckThreshold <= 0 {
		o.StuckThreshold = time.Hour
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = 3
	}
	if o.ProviderCallTimeout <= 0 {
		o.ProviderCallTimeout = 120 * time.Second
	}
	if o.ConsensusTimeout <= 0 {
		o.ConsensusTimeout = 30 * time.Second
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = time.Second
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 60 * time.Second
	}
	return o
}

// Engine is the Workflow Engine: one supervising goroutine per running
// workflow, driving its phases through the Router, Consensus Engine,
// Cost Tracker and State Manager.
type Engine struct {
	store     store.Store
	bus       *bus.Bus
	registry  *provider.Registry
	router    *router.Router
	consensus *consensus.Engine
	costs     *cost.Tracker
	metrics   *metrics.Metrics
	ports     *resource.PortAllocator
	sems      *resource.ProviderSemaphores
	opts      Options

	mu           sync.Mutex
	cancels      map[string]context.CancelFunc
	pausePending map[string]bool

	inflight atomic.Int64

	wg sync.WaitGroup
}

// New builds an Engine from its collaborators (spec §2's components
// A-F, injected rather than reached for as globals — see SPEC_FULL.md
// §9 "Global singletons").
func New(
	st store.Store,
	b *bus.Bus,
	registry *provider.Registry,
	rtr *router.Router,
	ce *consensus.Engine,
	ct *cost.Tracker,
	m *metrics.Metrics,
	ports *resource.PortAllocator,
	sems *resource.ProviderSemaphores,
	opts Options,
) *Engine {
	return &Engine{
		store:        st,
		bus:          b,
		registry:     registry,
		router:       rtr,
		consensus:    ce,
		costs:        ct,
		metrics:      m,
		ports:        ports,
		sems:         sems,
		opts:         opts.withDefaults(),
		cancels:      make(map[string]context.CancelFunc),
		pausePending: make(map[string]bool),
	}
}

// Create persists a new workflow in state "created" and publishes
// workflow_created (spec §4.1).
func (e *Engine) Create(ctx context.Context, spec Spec) (string, error) {
	if !spec.Kind.IsValid() {
		return "", errkind.NewValidation("invalid workflow kind %q", spec.Kind)
	}
	now := time.Now().UTC()
	w := &domain.Workflow{
		ID:             uuid.NewString(),
		Name:           spec.Name,
		Kind:           spec.Kind,
		State:          domain.WorkflowCreated,
		CreatedAt:      now,
		LastActivityAt: now,
		IssueRef:       spec.IssueRef,
		BaseBranch:     spec.BaseBranch,
		Tags:           normalizeTags(spec.Tags),
		Metadata:       map[string]string{"task_description": spec.TaskDescription},
		ModelSet:       spec.ModelSet,
		IssueClass:     spec.IssueClass,
		BudgetUSD:      spec.BudgetUSD,
	}
	if err := w.Validate(); err != nil {
		return "", err
	}
	if err := e.store.CreateWorkflow(ctx, w); err != nil {
		return "", err
	}
	e.publish(w.ID, domain.EventWorkflowCreated, "", "", "")
	return w.ID, nil
}

// Start moves a workflow from created|initialized to running and
// begins phase execution in a new supervising goroutine (spec §4.1).
func (e *Engine) Start(ctx context.Context, workflowID string) error {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if err := e.allocatePort(ctx, w); err != nil {
		return err
	}
	from := w.State
	now := time.Now().UTC()
	if _, err := e.store.UpdateWorkflowCAS(ctx, workflowID, from, func(w *domain.Workflow) error {
		if !domain.CanTransition(w.State, domain.WorkflowRunning) {
			return errkind.NewInvalidTransition(string(w.State), string(domain.WorkflowRunning))
		}
		w.State = domain.WorkflowRunning
		w.StartedAt = &now
		w.LastActivityAt = now
		return nil
	}); err != nil {
		return err
	}
	e.publishStateChange(workflowID, string(from), string(domain.WorkflowRunning))
	e.spawn(workflowID, 0)
	return nil
}

// Pause requests cooperative pause, honored at the next phase boundary
// (spec §4.1). If no supervising goroutine is currently running the
// workflow (e.g. it is between Resume calls), the transition happens
// immediately.
func (e *Engine) Pause(ctx context.Context, workflowID string) error {
	e.mu.Lock()
	_, active := e.cancels[workflowID]
	e.pausePending[workflowID] = true
	e.mu.Unlock()

	if active {
		return nil
	}
	return e.transitionPaused(ctx, workflowID)
}

func (e *Engine) transitionPaused(ctx context.Context, workflowID string) error {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	from := w.State
	now := time.Now().UTC()
	if _, err := e.store.UpdateWorkflowCAS(ctx, workflowID, from, func(w *domain.Workflow) error {
		if !domain.CanTransition(w.State, domain.WorkflowPaused) {
			return errkind.NewInvalidTransition(string(w.State), string(domain.WorkflowPaused))
		}
		w.State = domain.WorkflowPaused
		w.LastActivityAt = now
		return nil
	}); err != nil {
		return err
	}
	e.publishStateChange(workflowID, string(from), string(domain.WorkflowPaused))
	e.publish(workflowID, domain.EventWorkflowPaused, "", "", "")
	return nil
}

// Resume moves a paused or stuck workflow back to running and
// continues phase execution from the first phase not already
// completed (spec §4.1).
func (e *Engine) Resume(ctx context.Context, workflowID string) error {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if err := e.allocatePort(ctx, w); err != nil {
		return err
	}
	from := w.State
	now := time.Now().UTC()
	if _, err := e.store.UpdateWorkflowCAS(ctx, workflowID, from, func(w *domain.Workflow) error {
		if !domain.CanTransition(w.State, domain.WorkflowRunning) {
			return errkind.NewInvalidTransition(string(w.State), string(domain.WorkflowRunning))
		}
		w.State = domain.WorkflowRunning
		w.LastActivityAt = now
		return nil
	}); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.pausePending, workflowID)
	e.mu.Unlock()

	e.publishStateChange(workflowID, string(from), string(domain.WorkflowRunning))
	e.publish(workflowID, domain.EventWorkflowResumed, "", "", "")

	idx, err := e.resumeIndex(ctx, w)
	if err != nil {
		return err
	}
	e.spawn(workflowID, idx)
	return nil
}

// Cancel requests cooperative cancellation (spec §4.1, §5). If a
// supervising goroutine is active, its context is cancelled so the
// in-flight provider call observes it and returns promptly; the
// workflow transitions to cancelled once that goroutine unwinds. If no
// goroutine is active the transition happens immediately.
func (e *Engine) Cancel(ctx context.Context, workflowID string, reason string) error {
	e.mu.Lock()
	cancel, active := e.cancels[workflowID]
	e.mu.Unlock()
	if active {
		cancel()
		return nil
	}

	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	from := w.State
	now := time.Now().UTC()
	if _, err := e.store.UpdateWorkflowCAS(ctx, workflowID, from, func(w *domain.Workflow) error {
		if !domain.CanTransition(w.State, domain.WorkflowCancelled) {
			return errkind.NewInvalidTransition(string(w.State), string(domain.WorkflowCancelled))
		}
		w.State = domain.WorkflowCancelled
		w.LastActivityAt = now
		w.CompletedAt = &now
		w.ErrorMessage = reason
		code := 1
		w.ExitCode = &code
		return nil
	}); err != nil {
		return err
	}
	e.releasePorts(ctx, w)
	e.publishStateChange(workflowID, string(from), string(domain.WorkflowCancelled))
	e.publish(workflowID, domain.EventWorkflowCancelled, "", "", "")
	return nil
}

// Archive finalizes a terminal workflow, cascading deletion of its
// phases and events (spec §4.1). Idempotent.
func (e *Engine) Archive(ctx context.Context, workflowID string) error {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.State == domain.WorkflowArchived {
		return nil
	}
	if !w.State.IsTerminal() {
		return errkind.NewInvalidTransition(string(w.State), string(domain.WorkflowArchived))
	}
	if err := e.store.ArchiveWorkflow(ctx, workflowID); err != nil {
		return err
	}
	e.publish(workflowID, domain.EventWorkflowArchived, "", "", "")
	return nil
}

// Get returns a workflow by id.
func (e *Engine) Get(ctx context.Context, workflowID string) (*domain.Workflow, error) {
	return e.store.GetWorkflow(ctx, workflowID)
}

// List returns workflows matching filter.
func (e *Engine) List(ctx context.Context, filter store.WorkflowFilter) ([]*domain.Workflow, error) {
	return e.store.ListWorkflows(ctx, filter)
}

// Events returns workflowID's event history since sinceSeq (exclusive).
func (e *Engine) Events(ctx context.Context, workflowID string, sinceSeq int64) ([]domain.Event, error) {
	return e.store.RangeEvents(ctx, workflowID, sinceSeq)
}

// RefreshQueueDepth recomputes and publishes the queue_depth gauge from
// workflows still awaiting Start (spec §6 metrics surface; called
// periodically by cmd/orchestrator, not on every operation, since it is
// an observability convenience rather than a correctness dependency).
func (e *Engine) RefreshQueueDepth(ctx context.Context) error {
	pending, err := e.store.ListWorkflows(ctx, store.WorkflowFilter{State: domain.WorkflowCreated})
	if err != nil {
		return err
	}
	e.metrics.UpdateQueueDepth(len(pending))
	return nil
}

// Recover scans the state store at process start for workflows left
// running with no live supervising goroutine (spec §4.1 resumability):
// a running phase is marked failed with error_message=interrupted, and
// the workflow is moved to paused with a resume_required event.
func (e *Engine) Recover(ctx context.Context) error {
	running, err := e.store.ListWorkflows(ctx, store.WorkflowFilter{State: domain.WorkflowRunning})
	if err != nil {
		return err
	}
	paused, err := e.store.ListWorkflows(ctx, store.WorkflowFilter{State: domain.WorkflowPaused})
	if err != nil {
		return err
	}

	live := make([]string, 0, len(running)+len(paused))
	for _, w := range running {
		live = append(live, w.ID)
	}
	for _, w := range paused {
		live = append(live, w.ID)
	}
	if err := e.ports.Reconcile(ctx, live); err != nil {
		return err
	}

	for _, w := range running {
		if err := e.recoverOne(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) recoverOne(ctx context.Context, w *domain.Workflow) error {
	phases, err := e.store.ListPhases(ctx, w.ID)
	if err != nil {
		return err
	}
	var stuck *domain.Phase
	for _, p := range phases {
		if p.State == domain.PhaseRunning {
			stuck = p
			break
		}
	}
	if stuck != nil {
		now := time.Now().UTC()
		stuck.State = domain.PhaseFailed
		stuck.ErrorMessage = "interrupted"
		stuck.CompletedAt = &now
		if stuck.StartedAt != nil {
			dur := now.Sub(*stuck.StartedAt).Seconds()
			stuck.DurationSeconds = &dur
		}
		if err := e.store.UpdatePhase(ctx, stuck); err != nil {
			return err
		}
		e.publish(w.ID, domain.EventPhaseFailed, stuck.Name, "", "")
	}

	from := w.State
	now := time.Now().UTC()
	if _, err := e.store.UpdateWorkflowCAS(ctx, w.ID, from, func(w *domain.Workflow) error {
		w.State = domain.WorkflowPaused
		w.LastActivityAt = now
		return nil
	}); err != nil {
		return err
	}
	e.publishStateChange(w.ID, string(from), string(domain.WorkflowPaused))
	e.publish(w.ID, domain.EventResumeRequired, "", "", "")
	return nil
}

// Shutdown cancels every active supervising goroutine and waits for
// them to unwind. Used by cmd/orchestrator on graceful shutdown.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// --- internal: supervising goroutine ---

func (e *Engine) spawn(workflowID string, fromIndex int) {
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[workflowID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.cancels, workflowID)
			e.mu.Unlock()
			cancel()
		}()
		e.runWorkflow(ctx, workflowID, fromIndex)
	}()
}

func (e *Engine) runWorkflow(ctx context.Context, workflowID string, fromIndex int) {
	bg := context.Background()
	rng := initRNG(workflowID)
	phases, err := e.phasesFor(bg, workflowID)
	if err != nil {
		e.publishError(workflowID, fmt.Sprintf("loading workflow plan: %v", err))
		return
	}

	for i := fromIndex; i < len(phases); i++ {
		if e.consumePausePending(workflowID) {
			_ = e.transitionPaused(bg, workflowID)
			return
		}

		w, err := e.store.GetWorkflow(bg, workflowID)
		if err != nil {
			e.publishError(workflowID, fmt.Sprintf("loading workflow: %v", err))
			return
		}

		err = e.runPhase(ctx, w, rng, phases[i], i)
		if err != nil {
			if errors.Is(err, errkind.ErrCancelled) {
				e.finishWorkflow(bg, workflowID, domain.WorkflowCancelled, "cancelled")
			} else {
				e.finishWorkflow(bg, workflowID, domain.WorkflowFailed, err.Error())
			}
			return
		}
	}
	e.finishWorkflow(bg, workflowID, domain.WorkflowCompleted, "")
}

func (e *Engine) phasesFor(ctx context.Context, workflowID string) ([]domain.PhaseName, error) {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return w.Kind.Phases(), nil
}

func (e *Engine) resumeIndex(ctx context.Context, w *domain.Workflow) (int, error) {
	phases, err := e.store.ListPhases(ctx, w.ID)
	if err != nil {
		return 0, err
	}
	completed := make(map[domain.PhaseName]bool)
	for _, p := range phases {
		if p.State == domain.PhaseCompleted {
			completed[p.Name] = true
		}
	}
	plan := w.Kind.Phases()
	for i, name := range plan {
		if !completed[name] {
			return i, nil
		}
	}
	return len(plan), nil
}

func (e *Engine) finishWorkflow(ctx context.Context, workflowID string, target domain.WorkflowState, errMsg string) {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return
	}
	from := w.State
	now := time.Now().UTC()
	if _, err := e.store.UpdateWorkflowCAS(ctx, workflowID, from, func(w *domain.Workflow) error {
		if !domain.CanTransition(w.State, target) {
			return errkind.NewInvalidTransition(string(w.State), string(target))
		}
		w.State = target
		w.LastActivityAt = now
		w.CompletedAt = &now
		w.ErrorMessage = errMsg
		code := 0
		if target != domain.WorkflowCompleted {
			code = 1
		}
		w.ExitCode = &code
		return nil
	}); err != nil {
		e.publishError(workflowID, fmt.Sprintf("finalizing workflow: %v", err))
		return
	}
	e.releasePorts(ctx, w)
	e.publishStateChange(workflowID, string(from), string(target))
	if target == domain.WorkflowCancelled {
		e.publish(workflowID, domain.EventWorkflowCancelled, "", "", "")
	}
}

func (e *Engine) consumePausePending(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pausePending[workflowID] {
		delete(e.pausePending, workflowID)
		return true
	}
	return false
}

// needsServerPort reports whether kind's plan runs a build+test phase
// pair that exercises a live local server (spec §3's optional
// backend_port/frontend_port bindings), as opposed to the plan-only/
// test-only/review-only kinds that never start one.
func needsServerPort(kind domain.WorkflowKind) bool {
	switch kind {
	case domain.KindStandard, domain.KindTDD:
		return true
	default:
		return false
	}
}

// allocatePort reserves a backend port for w on first Start/Resume if
// its kind needs one and none is bound yet, persists the binding and
// publishes resource_allocated (spec §4.5, §5). The port_allocations
// schema keys on workflow_id alone, so a workflow binds at most one
// port; standard/tdd workflows bind the backend port their build phase
// listens on.
func (e *Engine) allocatePort(ctx context.Context, w *domain.Workflow) error {
	if !needsServerPort(w.Kind) || w.BackendPort != nil {
		return nil
	}
	port, err := e.ports.Allocate(ctx, "backend", w.ID)
	if err != nil {
		return err
	}
	if _, err := e.store.UpdateWorkflowCAS(ctx, w.ID, w.State, func(w *domain.Workflow) error {
		w.BackendPort = &port
		return nil
	}); err != nil {
		return err
	}
	w.BackendPort = &port
	e.publish(w.ID, domain.EventResourceAllocated, "", "", "")
	return nil
}

// releasePorts frees w's port binding, if any, and publishes
// resource_released (spec §4.5). A no-op for workflows that never
// bound a port.
func (e *Engine) releasePorts(ctx context.Context, w *domain.Workflow) {
	if w.BackendPort == nil && w.FrontendPort == nil {
		return
	}
	if err := e.ports.Release(ctx, w.ID); err != nil {
		return
	}
	e.publish(w.ID, domain.EventResourceReleased, "", "", "")
}

// --- internal: phase execution contract (spec §4.1) ---

func (e *Engine) runPhase(ctx context.Context, w *domain.Workflow, rng *rand.Rand, name domain.PhaseName, index int) error {
	attempt, err := e.nextAttempt(ctx, w.ID, name)
	if err != nil {
		return err
	}
	maxAttempts := e.opts.DefaultMaxAttempts

	for {
		phase := &domain.Phase{
			WorkflowID:  w.ID,
			Name:        name,
			Attempt:     attempt,
			Index:       index,
			State:       domain.PhasePending,
			MaxAttempts: maxAttempts,
		}
		if err := e.store.CreatePhase(ctx, phase); err != nil {
			return err
		}

		startedAt := time.Now().UTC()
		phase.State = domain.PhaseRunning
		phase.StartedAt = &startedAt
		if err := e.store.UpdatePhase(ctx, phase); err != nil {
			return err
		}
		e.touchActivity(ctx, w.ID, startedAt)
		e.publish(w.ID, domain.EventPhaseStarted, name, "", "")

		e.inflight.Add(1)
		phaseErr := e.executeAndSettle(ctx, w, phase)
		e.inflight.Add(-1)
		e.metrics.UpdateInflightPhases(int(e.inflight.Load()))

		completedAt := time.Now().UTC()
		phase.CompletedAt = &completedAt
		dur := completedAt.Sub(startedAt).Seconds()
		phase.DurationSeconds = &dur

		if phaseErr == nil {
			phase.State = domain.PhaseCompleted
			if err := e.store.UpdatePhase(ctx, phase); err != nil {
				return err
			}
			e.metrics.RecordPhaseLatency(string(w.Kind), string(name), completedAt.Sub(startedAt), "completed")
			e.publish(w.ID, domain.EventPhaseCompleted, name, "", "")
			return nil
		}

		phase.State = domain.PhaseFailed
		phase.ErrorMessage = phaseErr.Error()
		if err := e.store.UpdatePhase(ctx, phase); err != nil {
			return err
		}
		e.metrics.RecordPhaseLatency(string(w.Kind), string(name), completedAt.Sub(startedAt), "failed")
		e.publish(w.ID, domain.EventPhaseFailed, name, "", "")

		if errors.Is(phaseErr, errkind.ErrCancelled) {
			return phaseErr
		}

		kind := errkind.Classify(phaseErr)
		if kind == errkind.KindTransient && attempt < maxAttempts {
			e.metrics.IncrementRetries(string(w.Kind), string(name), string(kind))
			delay := computeFullJitterBackoff(attempt-1, e.opts.RetryBaseDelay, e.opts.RetryMaxDelay, rng)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errkind.ErrCancelled
			}
			attempt++
			continue
		}

		return phaseErr
	}
}

func (e *Engine) nextAttempt(ctx context.Context, workflowID string, name domain.PhaseName) (int, error) {
	phases, err := e.store.ListPhases(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	max := 0
	for _, p := range phases {
		if p.Name == name && p.Attempt > max {
			max = p.Attempt
		}
	}
	return max + 1, nil
}

func (e *Engine) touchActivity(ctx context.Context, workflowID string, at time.Time) {
	// Best-effort liveness stamp: a lost race here only delays the stuck
	// reaper's threshold check, it never corrupts a transition.
	_, _ = e.store.UpdateWorkflowCAS(ctx, workflowID, domain.WorkflowRunning, func(w *domain.Workflow) error {
		w.LastActivityAt = at
		return nil
	})
}

func (e *Engine) executeAndSettle(ctx context.Context, w *domain.Workflow, phase *domain.Phase) error {
	key := router.Key{Phase: phase.Name, Kind: w.Kind, ModelSet: w.ModelSet, Tags: w.Tags}
	decision := e.router.Resolve(key)
	req := e.buildRequest(w, phase.Name)

	callCtx := ctx
	if e.opts.ProviderCallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.opts.ProviderCallTimeout)
		defer cancel()
	}

	var resp provider.Response
	var participants []consensus.Result
	var err error

	if decision.UseConsensus {
		var outcome consensus.Outcome
		outcome, err = e.consensus.Execute(callCtx, req, decision, e.opts.ConsensusTimeout)
		resp = outcome.Final
		participants = outcome.Participants
		if err != nil {
			e.metrics.IncrementConsensusQuorumFailures(string(phase.Name))
		}
	} else {
		resp, err = e.callProvider(callCtx, w, decision, req)
		if err == nil {
			participants = []consensus.Result{{Provider: decision.Provider, Response: resp}}
		}
	}

	for _, p := range participants {
		d := cost.FromResponse(p.Response)
		phase.LLMRequests++
		phase.LLMTokensIn += d.TokensIn
		phase.LLMTokensOut += d.TokensOut
		phase.CostUSD += d.CostUSD
		if _, cerr := e.costs.Apply(ctx, w.ID, d); cerr != nil && err == nil {
			err = cerr
		}
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return errkind.ErrCancelled
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return errkind.NewTransient(err, "provider call timed out")
		}
		return err
	}
	return e.checkTestInversion(phase.Name, resp)
}

func (e *Engine) callProvider(ctx context.Context, w *domain.Workflow, decision router.RoutingDecision, req provider.Request) (provider.Response, error) {
	client, err := e.registry.Get(decision.Provider)
	if err != nil {
		return provider.Response{}, err
	}

	estimated := client.CostEstimate(0, int64(decision.MaxTokens), decision.Model)
	if cost.WouldExceedBudget(w, estimated) {
		e.metrics.IncrementBudgetExceeded(string(w.Kind))
		return provider.Response{}, errkind.ErrBudgetExceeded
	}

	release, err := e.sems.Acquire(ctx, decision.Provider)
	if err != nil {
		return provider.Response{}, errkind.NewTransient(err, "acquiring provider semaphore")
	}
	defer release()

	req.Model = decision.Model
	req.MaxTokens = decision.MaxTokens
	req.Temperature = decision.Temperature
	return client.Execute(ctx, req)
}

func (e *Engine) buildRequest(w *domain.Workflow, name domain.PhaseName) provider.Request {
	return provider.Request{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: fmt.Sprintf(
				"You are executing the %s phase of workflow %q (kind=%s).", name, w.Name, w.Kind)},
			{Role: provider.RoleUser, Content: w.Metadata["task_description"]},
		},
	}
}

// checkTestInversion implements the TDD workflow's verify_red/
// verify_green semantics (spec §4.1): verify_red must observe a
// non-zero test result (the new tests should initially fail);
// verify_green inverts this.
func (e *Engine) checkTestInversion(name domain.PhaseName, resp provider.Response) error {
	if name != domain.PhaseVerifyRed && name != domain.PhaseVerifyGreen {
		return nil
	}
	exitCode := 0
	if tr, ok := resp.Raw.(TestResult); ok {
		exitCode = tr.ExitCode
	}
	switch name {
	case domain.PhaseVerifyRed:
		if exitCode == 0 {
			return errkind.NewPermanent(nil, "tests unexpectedly passed in red phase")
		}
	case domain.PhaseVerifyGreen:
		if exitCode != 0 {
			return errkind.NewPermanent(nil, "tests failed in green phase")
		}
	}
	return nil
}

// --- internal: events ---

func (e *Engine) publish(workflowID string, t domain.EventType, phase domain.PhaseName, from, to string) {
	e.publishEvent(workflowID, t, domain.SeverityInfo, phase, from, to, "")
}

func (e *Engine) publishStateChange(workflowID string, from, to string) {
	e.publishEvent(workflowID, domain.EventWorkflowStateChanged, domain.SeverityInfo, "", from, to, "")
}

func (e *Engine) publishError(workflowID string, message string) {
	e.publishEvent(workflowID, domain.EventErrorOccurred, domain.SeverityError, "", "", "", message)
}

func (e *Engine) publishEvent(workflowID string, t domain.EventType, sev domain.Severity, phase domain.PhaseName, from, to, msg string) {
	evt := domain.Event{
		WorkflowID: workflowID,
		EventType:  t,
		Severity:   sev,
		PhaseName:  phase,
		FromState:  from,
		ToState:    to,
		Message:    msg,
		CreatedAt:  time.Now().UTC(),
	}
	// Commit-then-publish (spec §4.6): the event row is durable before
	// any subscriber can observe it.
	seq, err := e.store.AppendEvent(context.Background(), &evt)
	if err != nil {
		return
	}
	evt.Seq = seq
	e.bus.Publish(evt)
}

// --- internal: helpers ---

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sortStrings(out)
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// initRNG seeds a deterministic RNG from workflowID, grounded on
// graph/engine.go's initRNG: same runID always produces the same
// backoff jitter sequence.
func initRNG(workflowID string) *rand.Rand {
	h := sha256.Sum256([]byte(workflowID))
	seed := int64(binary.BigEndian.Uint64(h[:8]))
	return rand.New(rand.NewSource(seed)) //nolint:gosec // deterministic jitter, not security-sensitive
}

// computeFullJitterBackoff implements spec §4.1's literal retry formula:
// base 1s, factor 2, cap 60s, full jitter — delay = random(0, min(base*2^attempt, cap)).
func computeFullJitterBackoff(attempt int, base, cap time.Duration, rng *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	shift := attempt
	if shift > 31 {
		shift = 31
	}
	exp := base * time.Duration(int64(1)<<uint(shift))
	if exp <= 0 || exp > cap {
		exp = cap
	}
	if exp <= 0 {
		return 0
	}
	return time.Duration(rng.Int63n(int64(exp)) + 1)
}
