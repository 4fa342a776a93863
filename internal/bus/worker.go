package bus

import (
	"context"
	"sync"

	"relay/internal/event"
)

// worker serializes delivery to one subscriber. The queue is unbounded so the
// publisher never blocks; memory is bounded in practice by the gate and by
// subscribers keeping up. One goroutine per subscriber preserves publish
// order per subscriber, which implies per-run order.
type worker struct {
	bus *Bus
	sub Subscriber

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []event.Event
	stopped bool
	drain   bool
	done    chan struct{}
}

func newWorker(b *Bus, s Subscriber) *worker {
	w := &worker{bus: b, sub: s, done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *worker) enqueue(ev event.Event) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, ev)
	w.mu.Unlock()
	w.cond.Signal()
}

// stop shuts the worker down. With drain set, queued events are delivered
// first; otherwise they are discarded. Blocks until the worker goroutine exits.
func (w *worker) stop(drain bool) {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		w.drain = drain
		if !drain {
			w.queue = nil
		}
	}
	w.mu.Unlock()
	w.cond.Signal()
	<-w.done
}

func (w *worker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.stopped {
			w.mu.Unlock()
			return
		}
		ev := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.deliver(ev)
	}
}

// deliver consults the gate, then hands the event to the subscriber under
// recover so a subscriber fault cannot take the worker down.
func (w *worker) deliver(ev event.Event) {
	if w.bus.gate != nil {
		allowed, err := w.bus.gate.ShouldDeliver(context.Background(), ev)
		if err != nil {
			w.bus.metrics.faults.Add(1)
			w.bus.logger.Error("Gate rejected event type=%s session=%s run=%s: %v", ev.Type, ev.SessionID, ev.RunID, err)
			if w.bus.onFault != nil {
				w.bus.onFault(err)
			}
			return
		}
		if !allowed {
			w.bus.metrics.suppressed.Add(1)
			w.bus.logger.Debug("Event suppressed by gate: type=%s run=%s", ev.Type, ev.RunID)
			return
		}
	}

	defer func() {
		if r := recover(); r != nil {
			w.bus.metrics.faults.Add(1)
			w.bus.logger.Error("Subscriber panic for event type=%s session=%s: %v", ev.Type, ev.SessionID, r)
		}
	}()
	w.sub.Handle(ev)
	w.bus.metrics.delivered.Add(1)
}
