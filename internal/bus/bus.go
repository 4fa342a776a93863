// Package bus publishes events through an ordered hook pipeline and fans them
// out to registered subscribers. Hooks run synchronously inside Publish;
// delivery to each subscriber happens on that subscriber's own worker, so one
// slow or faulty subscriber never blocks the publisher or its peers.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"relay/internal/event"
	"relay/internal/logging"
)

// Hook transforms or filters events before any delivery. Hooks are stateless
// with respect to the bus and must not retain the events they see.
type Hook interface {
	// ShouldProcess reports whether Process should run for this event.
	ShouldProcess(ev event.Event) bool
	// Process returns the replacement event, or ok=false to drop the event
	// entirely, in which case no subscriber sees it.
	Process(ev event.Event) (event.Event, bool)
}

// Subscriber consumes delivered events. Deliveries to one subscriber preserve
// publish order; subscribers needing cross-session concurrency fan out
// internally.
type Subscriber interface {
	Handle(ev event.Event)
}

// Admission is the delivery gate consulted immediately before each Handle
// call. Implemented by gate.Gate.
type Admission interface {
	ShouldDeliver(ctx context.Context, ev event.Event) (bool, error)
}

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	Published  int64 `json:"published"`
	Dropped    int64 `json:"dropped"`    // dropped by a hook returning no event
	Suppressed int64 `json:"suppressed"` // withheld by the admission gate
	Delivered  int64 `json:"delivered"`
	Faults     int64 `json:"faults"` // hook panics, subscriber panics, gate errors
}

type counters struct {
	published  atomic.Int64
	dropped    atomic.Int64
	suppressed atomic.Int64
	delivered  atomic.Int64
	faults     atomic.Int64
}

// Bus is the process-wide event fan-out. The hook and subscriber registries
// are guarded by their own locks, distinct from any run-task lock, and
// deliveries use a point-in-time snapshot of the subscriber set so fan-out
// never runs under a registry lock.
type Bus struct {
	hookMu sync.RWMutex
	hooks  []Hook

	subMu   sync.Mutex
	workers map[Subscriber]*worker
	closed  bool

	gate    Admission
	onFault func(error)
	logger  logging.Logger
	metrics counters
}

// Option configures the bus.
type Option func(*Bus)

// WithGate installs the shared admission check.
func WithGate(g Admission) Option {
	return func(b *Bus) { b.gate = g }
}

// WithLogger overrides the component logger.
func WithLogger(l logging.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithFaultHandler routes integrity faults raised by the gate to the caller.
// Without one, faults are only logged at Error level.
func WithFaultHandler(fn func(error)) Option {
	return func(b *Bus) { b.onFault = fn }
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		workers: make(map[Subscriber]*worker),
		logger:  logging.NewComponentLogger("EventBus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterHook appends a hook; hooks run in registration order.
func (b *Bus) RegisterHook(h Hook) {
	if h == nil {
		return
	}
	b.hookMu.Lock()
	b.hooks = append(b.hooks, h)
	b.hookMu.Unlock()
}

// UnregisterHook removes a previously registered hook.
func (b *Bus) UnregisterHook(h Hook) {
	b.hookMu.Lock()
	defer b.hookMu.Unlock()
	for i, existing := range b.hooks {
		if existing == h {
			b.hooks = append(b.hooks[:i], b.hooks[i+1:]...)
			return
		}
	}
}

// Subscribe registers a subscriber and starts its delivery worker. A
// subscriber added mid-fan-out is not guaranteed to receive events already in
// flight.
func (b *Bus) Subscribe(s Subscriber) {
	if s == nil {
		return
	}
	b.subMu.Lock()
	defer b.subMu.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.workers[s]; ok {
		return
	}
	w := newWorker(b, s)
	b.workers[s] = w
	go w.run()
	b.logger.Info("Subscriber registered (total: %d)", len(b.workers))
}

// Unsubscribe removes a subscriber and stops its worker. Events still queued
// for it are discarded.
func (b *Bus) Unsubscribe(s Subscriber) {
	b.subMu.Lock()
	w, ok := b.workers[s]
	if ok {
		delete(b.workers, s)
	}
	remaining := len(b.workers)
	b.subMu.Unlock()

	if ok {
		w.stop(false)
		b.logger.Info("Subscriber unregistered (remaining: %d)", remaining)
	}
}

// Publish runs ev through every hook in order, then enqueues the surviving
// event to every currently registered subscriber. A hook that panics is
// isolated: the pipeline logs the fault and continues with the event as it
// stood before that hook. A hook returning ok=false drops the event entirely.
func (b *Bus) Publish(ev event.Event) {
	b.metrics.published.Add(1)

	b.hookMu.RLock()
	hooks := make([]Hook, len(b.hooks))
	copy(hooks, b.hooks)
	b.hookMu.RUnlock()

	for _, h := range hooks {
		next, ok, faulted := b.runHook(h, ev)
		if faulted {
			continue // fail-open: keep the pre-fault event
		}
		if !ok {
			b.metrics.dropped.Add(1)
			b.logger.Debug("Event dropped by hook: type=%s session=%s", ev.Type, ev.SessionID)
			return
		}
		ev = next
	}

	b.subMu.Lock()
	snapshot := make([]*worker, 0, len(b.workers))
	for _, w := range b.workers {
		snapshot = append(snapshot, w)
	}
	b.subMu.Unlock()

	for _, w := range snapshot {
		w.enqueue(ev)
	}
}

// runHook executes one hook under recover so a panicking hook cannot abort
// publication.
func (b *Bus) runHook(h Hook, ev event.Event) (next event.Event, ok, faulted bool) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.faults.Add(1)
			b.logger.Error("Hook panic for event type=%s session=%s: %v", ev.Type, ev.SessionID, r)
			faulted = true
		}
	}()

	if !h.ShouldProcess(ev) {
		return ev, true, false
	}
	next, ok = h.Process(ev)
	return next, ok, false
}

// Close stops every worker after its queue drains. Publish calls racing Close
// may be dropped.
func (b *Bus) Close() {
	b.subMu.Lock()
	b.closed = true
	workers := make([]*worker, 0, len(b.workers))
	for _, w := range b.workers {
		workers = append(workers, w)
	}
	b.workers = make(map[Subscriber]*worker)
	b.subMu.Unlock()

	for _, w := range workers {
		w.stop(true)
	}
}

// Snapshot returns current counter values.
func (b *Bus) Snapshot() Metrics {
	return Metrics{
		Published:  b.metrics.published.Load(),
		Dropped:    b.metrics.dropped.Load(),
		Suppressed: b.metrics.suppressed.Load(),
		Delivered:  b.metrics.delivered.Load(),
		Faults:     b.metrics.faults.Load(),
	}
}
