package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relay/internal/event"
	"relay/internal/logging"
)

// chanSubscriber forwards handled events to a channel for assertions.
type chanSubscriber struct {
	ch chan event.Event
}

func newChanSubscriber() *chanSubscriber {
	return &chanSubscriber{ch: make(chan event.Event, 128)}
}

func (s *chanSubscriber) Handle(ev event.Event) {
	s.ch <- ev
}

func (s *chanSubscriber) next(t *testing.T) event.Event {
	t.Helper()
	select {
	case ev := <-s.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return event.Event{}
	}
}

func (s *chanSubscriber) expectNone(t *testing.T, marker string) {
	t.Helper()
	// Per-subscriber ordering: if the suppressed event were going to arrive,
	// it would arrive before the marker.
	ev := s.next(t)
	require.Equal(t, marker, ev.Type)
}

type recordSubscriber struct {
	mu     sync.Mutex
	events []event.Event
}

func (s *recordSubscriber) Handle(ev event.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordSubscriber) snapshot() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, len(s.events))
	copy(out, s.events)
	return out
}

type funcHook struct {
	should  func(event.Event) bool
	process func(event.Event) (event.Event, bool)
}

func (h funcHook) ShouldProcess(ev event.Event) bool {
	if h.should == nil {
		return true
	}
	return h.should(ev)
}

func (h funcHook) Process(ev event.Event) (event.Event, bool) {
	return h.process(ev)
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New(WithLogger(logging.Nop()))
	defer b.Close()

	sub1 := newChanSubscriber()
	sub2 := newChanSubscriber()
	b.Subscribe(sub1)
	b.Subscribe(sub2)

	b.Publish(event.NewSessionEvent(event.TypeStatusUpdate, "sess-1", nil))

	require.Equal(t, event.TypeStatusUpdate, sub1.next(t).Type)
	require.Equal(t, event.TypeStatusUpdate, sub2.next(t).Type)
}

func TestHooksRunInRegistrationOrder(t *testing.T) {
	b := New(WithLogger(logging.Nop()))
	defer b.Close()

	b.RegisterHook(funcHook{process: func(ev event.Event) (event.Event, bool) {
		content := ev.CloneContent()
		content["trail"] = "first"
		return ev.WithContent(content), true
	}})
	b.RegisterHook(funcHook{process: func(ev event.Event) (event.Event, bool) {
		content := ev.CloneContent()
		content["trail"] = content["trail"].(string) + ",second"
		return ev.WithContent(content), true
	}})

	sub := newChanSubscriber()
	b.Subscribe(sub)
	b.Publish(event.NewSessionEvent(event.TypeMessageDelta, "sess-1", nil))

	got := sub.next(t)
	require.Equal(t, "first,second", got.Content["trail"])
}

func TestHookDroppingEventStopsDelivery(t *testing.T) {
	b := New(WithLogger(logging.Nop()))
	defer b.Close()

	b.RegisterHook(funcHook{process: func(ev event.Event) (event.Event, bool) {
		if ev.Type == event.TypeMessageDelta {
			return event.Event{}, false
		}
		return ev, true
	}})

	sub := newChanSubscriber()
	b.Subscribe(sub)

	b.Publish(event.NewSessionEvent(event.TypeMessageDelta, "sess-1", nil))
	b.Publish(event.NewSessionEvent(event.TypeStatusUpdate, "sess-1", nil)) // marker

	sub.expectNone(t, event.TypeStatusUpdate)
	require.Equal(t, int64(1), b.Snapshot().Dropped)
}

func TestHookPanicIsFailOpen(t *testing.T) {
	b := New(WithLogger(logging.Nop()))
	defer b.Close()

	b.RegisterHook(funcHook{process: func(ev event.Event) (event.Event, bool) {
		content := ev.CloneContent()
		content["enriched"] = true
		return ev.WithContent(content), true
	}})
	b.RegisterHook(funcHook{process: func(event.Event) (event.Event, bool) {
		panic("hook exploded")
	}})

	sub := newChanSubscriber()
	b.Subscribe(sub)
	b.Publish(event.NewSessionEvent(event.TypeStatusUpdate, "sess-1", nil))

	// The event as it stood before the faulting hook still arrives.
	got := sub.next(t)
	require.Equal(t, true, got.Content["enriched"])
	require.Equal(t, int64(1), b.Snapshot().Faults)
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	b := New(WithLogger(logging.Nop()))
	defer b.Close()

	panicking := &panicSubscriber{}
	healthy := newChanSubscriber()
	b.Subscribe(panicking)
	b.Subscribe(healthy)

	b.Publish(event.NewSessionEvent(event.TypeStatusUpdate, "sess-1", nil))
	b.Publish(event.NewSessionEvent(event.TypeStatusUpdate, "sess-1", nil))

	require.Equal(t, event.TypeStatusUpdate, healthy.next(t).Type)
	require.Equal(t, event.TypeStatusUpdate, healthy.next(t).Type)
}

type panicSubscriber struct{}

func (*panicSubscriber) Handle(event.Event) { panic("subscriber exploded") }

func TestPerSubscriberOrderingUnderConcurrentPublish(t *testing.T) {
	b := New(WithLogger(logging.Nop()))

	rec := &recordSubscriber{}
	b.Subscribe(rec)

	const perRun = 50
	var wg sync.WaitGroup
	for _, runID := range []string{"run-a", "run-b"} {
		wg.Add(1)
		go func(runID string) {
			defer wg.Done()
			for i := 0; i < perRun; i++ {
				b.Publish(event.New(event.TypeMessageDelta, "sess-1", runID, map[string]any{"seq": i}))
			}
		}(runID)
	}
	wg.Wait()
	b.Close()

	seen := map[string]int{}
	for _, ev := range rec.snapshot() {
		seq := ev.Content["seq"].(int)
		require.Equal(t, seen[ev.RunID], seq, "out-of-order delivery for %s", ev.RunID)
		seen[ev.RunID]++
	}
	require.Equal(t, perRun, seen["run-a"])
	require.Equal(t, perRun, seen["run-b"])
}

type stubGate struct {
	allow func(event.Event) (bool, error)
}

func (g stubGate) ShouldDeliver(_ context.Context, ev event.Event) (bool, error) {
	return g.allow(ev)
}

func TestGateSuppressionAndFaults(t *testing.T) {
	var faults []error
	var faultMu sync.Mutex

	b := New(
		WithLogger(logging.Nop()),
		WithGate(stubGate{allow: func(ev event.Event) (bool, error) {
			switch ev.RunID {
			case "run-dead":
				return false, nil
			case "run-ghost":
				return false, fmt.Errorf("no backing task for run-ghost")
			default:
				return true, nil
			}
		}}),
		WithFaultHandler(func(err error) {
			faultMu.Lock()
			faults = append(faults, err)
			faultMu.Unlock()
		}),
	)
	defer b.Close()

	sub := newChanSubscriber()
	b.Subscribe(sub)

	b.Publish(event.New(event.TypeMessageDelta, "sess-1", "run-dead", nil))
	b.Publish(event.New(event.TypeMessageDelta, "sess-1", "run-ghost", nil))
	b.Publish(event.NewSessionEvent(event.TypeStatusUpdate, "sess-1", nil)) // marker

	sub.expectNone(t, event.TypeStatusUpdate)

	metrics := b.Snapshot()
	require.Equal(t, int64(1), metrics.Suppressed)
	require.Equal(t, int64(1), metrics.Faults)

	faultMu.Lock()
	defer faultMu.Unlock()
	require.Len(t, faults, 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(WithLogger(logging.Nop()))
	defer b.Close()

	sub := newChanSubscriber()
	b.Subscribe(sub)
	b.Publish(event.NewSessionEvent(event.TypeStatusUpdate, "sess-1", nil))
	require.Equal(t, event.TypeStatusUpdate, sub.next(t).Type)

	b.Unsubscribe(sub)
	b.Publish(event.NewSessionEvent(event.TypeStatusUpdate, "sess-1", nil))

	select {
	case ev := <-sub.ch:
		t.Fatalf("unexpected delivery after unsubscribe: %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
