// Package bus implements the orchestrator's in-process Event Bus: a
// copy-on-write pub/sub dispatcher (spec §4.5).
//
// The subscriber set is snapshotted under a single lock before dispatch;
// iteration and handler invocation happen outside the lock, so
// subscribe/unsubscribe during publish is safe and cannot corrupt an
// in-flight dispatch. This mirrors the broadcast-loop-over-a-snapshot
// pattern used by in-process event brokers elsewhere in the ecosystem,
// combined with this codebase's own discipline of never holding a lock
// across a suspension point (see the Frontier scheduler).
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devflow/orchestrator/domain"
)

// Filter narrows which events a subscriber receives.
type Filter struct {
	EventTypes []domain.EventType
	Severities []domain.Severity
}

func (f *Filter) matches(e domain.Event) bool {
	if f == nil {
		return true
	}
	if len(f.EventTypes) > 0 && !containsType(f.EventTypes, e.EventType) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}
	return true
}

func containsType(s []domain.EventType, v domain.EventType) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsSeverity(s []domain.Severity, v domain.Severity) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Handler receives dispatched events. A handler's failure (a panic or a
// returned error) is isolated: it is caught,
// logged with the event and handler id, and never affects other handlers.
type Handler func(ctx context.Context, e domain.Event) error

// Mode declares whether a handler is synchronous or cooperative-async.
// ModeSync handlers always run inline on the publishing goroutine.
// ModeAsync handlers are scheduled on the ambient runtime (the bus's own
// worker pool here, since this module has no separate coroutine runtime
// to hand off to); if the bus worker pool is disabled (size 0), or is
// saturated during a non-blocking Publish, async handlers fall back to
// running inline too (PublishBlocking waits for a free slot instead), matching
// spec §4.5's "skipped with a warning" only applying to an entirely
// absent runtime, which never happens in this module's single-process
// model.
type Mode int

const (
	ModeSync Mode = iota
	ModeAsync
)

type subscriber struct {
	id      string
	handler Handler
	filter  *Filter
	mode    Mode
}

// Bus is the Event Bus. Zero value is not usable; construct with New.
type Bus struct {
	mu          sync.Mutex
	subscribers []*subscriber
	nextID      uint64

	workers     int
	sem         chan struct{}
	slowThreshold time.Duration

	logger *slog.Logger

	dispatched atomic.Int64
	dropped    atomic.Int64
}

// Option configures a Bus at construction.
type Option func(*Bus)

// WithWorkers sets the bounded worker pool size for ModeAsync handler
// dispatch (ModeSync handlers always run inline). 0 means dispatch
// inline (no pool).
func WithWorkers(n int) Option {
	return func(b *Bus) {
		if n < 0 {
			n = 0
		}
		b.workers = n
	}
}

// WithSlowHandlerThreshold flags dispatches whose handler exceeds d.
func WithSlowHandlerThreshold(d time.Duration) Option {
	return func(b *Bus) { b.slowThreshold = d }
}

// WithLogger overrides the default slog logger used for isolation/warning
// messages.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// New constructs a Bus. Default worker pool size is 10, matching spec
// §4.5's stated default.
func New(opts ...Option) *Bus {
	b := &Bus{
		workers:       10,
		slowThreshold: 500 * time.Millisecond,
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.workers > 0 {
		b.sem = make(chan struct{}, b.workers)
	}
	return b
}

// Subscribe registers handler for events matching filter (nil filter
// matches everything) and returns an idempotent subscription id.
func (b *Bus) Subscribe(handler Handler, filter *Filter, mode Mode) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := subscriptionID(b.nextID)

	// Copy-on-write: never mutate the existing slice in place, so any
	// snapshot taken by a concurrent Publish remains valid.
	next := make([]*subscriber, len(b.subscribers), len(b.subscribers)+1)
	copy(next, b.subscribers)
	next = append(next, &subscriber{id: id, handler: handler, filter: filter, mode: mode})
	b.subscribers = next

	return id
}

// Unsubscribe removes a subscription. Idempotent: removing an unknown or
// already-removed id is a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := -1
	for i, s := range b.subscribers {
		if s.id == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	next := make([]*subscriber, 0, len(b.subscribers)-1)
	next = append(next, b.subscribers[:idx]...)
	next = append(next, b.subscribers[idx+1:]...)
	b.subscribers = next
}

// snapshot takes the current subscriber slice under lock. Since the slice
// is never mutated in place (only replaced), the returned slice is safe
// to range over without holding the lock.
func (b *Bus) snapshot() []*subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribers
}

// Publish dispatches e to matching subscribers and returns once dispatch
// has been scheduled — not necessarily completed.
func (b *Bus) Publish(e domain.Event) {
	b.dispatch(context.Background(), e, false)
}

// PublishBlocking dispatches e and waits for every matching handler to
// finish (or be cancelled by ctx's deadline).
func (b *Bus) PublishBlocking(ctx context.Context, e domain.Event) {
	b.dispatch(ctx, e, true)
}

func (b *Bus) dispatch(ctx context.Context, e domain.Event, wait bool) {
	subs := b.snapshot()

	var wg sync.WaitGroup
	for _, s := range subs {
		if !s.filter.matches(e) {
			continue
		}
		s := s
		run := func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event bus handler panicked",
						"handler_id", s.id, "event_type", e.EventType, "panic", r)
				}
			}()
			start := time.Now()
			if err := s.handler(ctx, e); err != nil {
				b.logger.Warn("event bus handler returned error",
					"handler_id", s.id, "event_type", e.EventType, "err", err)
			}
			if d := time.Since(start); d > b.slowThreshold {
				b.logger.Warn("slow event bus handler",
					"handler_id", s.id, "event_type", e.EventType, "duration", d)
			}
		}

		b.dispatched.Add(1)
		if s.mode == ModeSync || b.workers == 0 {
			run()
			continue
		}

		if wait {
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.acquire(ctx)
				defer b.release()
				run()
			}()
		} else {
			select {
			case b.sem <- struct{}{}:
				go func() {
					defer b.release()
					run()
				}()
			default:
				// Pool saturated: run inline rather than drop, preserving
				// "delivers each event to every matching subscriber exactly
				// once" under load (spec §8 boundary behavior).
				b.dropped.Add(1)
				run()
			}
		}
	}

	if wait {
		wg.Wait()
	}
}

func (b *Bus) acquire(ctx context.Context) {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
	}
}

func (b *Bus) release() {
	select {
	case <-b.sem:
	default:
	}
}

// Stats exposes bus-internal counters for the metrics package.
type Stats struct {
	Subscribers int
	Dispatched  int64
	Saturated   int64
}

func (b *Bus) Stats() Stats {
	return Stats{
		Subscribers: len(b.snapshot()),
		Dispatched:  b.dispatched.Load(),
		Saturated:   b.dropped.Load(),
	}
}

func subscriptionID(n uint64) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "sub-0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append([]byte{alphabet[n%uint64(len(alphabet))]}, buf...)
		n /= uint64(len(alphabet))
	}
	return "sub-" + string(buf)
}
