package subscribers

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/event"
)

func TestHistoryBuffersPerSession(t *testing.T) {
	h := NewHistory(10)

	h.Handle(deltaEvent("session-a", 0))
	h.Handle(deltaEvent("session-a", 1))
	h.Handle(deltaEvent("session-b", 0))

	a := h.Events("session-a")
	require.Len(t, a, 2)
	assert.Equal(t, "chunk-0", a[0].ContentString(event.ContentMessage))
	assert.Equal(t, "chunk-1", a[1].ContentString(event.ContentMessage))
	assert.Len(t, h.Events("session-b"), 1)
	assert.Nil(t, h.Events("session-c"))
}

func TestHistoryEvictsOldestBeyondCap(t *testing.T) {
	h := NewHistory(3)

	for i := 0; i < 5; i++ {
		h.Handle(deltaEvent("session-a", i))
	}

	buf := h.Events("session-a")
	require.Len(t, buf, 3)
	assert.Equal(t, "chunk-2", buf[0].ContentString(event.ContentMessage))
	assert.Equal(t, "chunk-4", buf[2].ContentString(event.ContentMessage))
}

func TestHistoryEventsReturnsCopy(t *testing.T) {
	h := NewHistory(10)
	h.Handle(deltaEvent("session-a", 0))

	buf := h.Events("session-a")
	buf[0] = deltaEvent("session-a", 99)

	assert.Equal(t, "chunk-0", h.Events("session-a")[0].ContentString(event.ContentMessage))
}

func TestHistoryClear(t *testing.T) {
	h := NewHistory(10)
	h.Handle(deltaEvent("session-a", 0))

	h.Clear("session-a")

	assert.Nil(t, h.Events("session-a"))
}

func TestHistoryIgnoresSessionlessEvents(t *testing.T) {
	h := NewHistory(10)
	h.Handle(event.Event{Type: event.TypeUsage})
	assert.Nil(t, h.Events(""))
}

type fakeAppender struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (a *fakeAppender) AppendSessionEvent(_ context.Context, ev event.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, ev)
	return nil
}

func (a *fakeAppender) appended() []event.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]event.Event(nil), a.events...)
}

func TestPersisterAppendsDeliveredEvents(t *testing.T) {
	appender := &fakeAppender{}
	p := NewPersister(appender)

	p.Handle(deltaEvent("session-a", 0))
	p.Handle(statusEvent("session-a", "run-1", "COMPLETED"))

	require.Len(t, appender.appended(), 2)
}

func TestPersisterSkipsTerminationEvents(t *testing.T) {
	appender := &fakeAppender{}
	p := NewPersister(appender)

	// The store writes these inside the reap transaction already.
	p.Handle(event.New(event.TypeRunInterrupted, "session-a", "", nil))

	assert.Empty(t, appender.appended())
}

func TestPersisterSwallowsAppendErrors(t *testing.T) {
	appender := &fakeAppender{err: errors.New("database down")}
	p := NewPersister(appender)

	// Must not panic or propagate.
	p.Handle(deltaEvent("session-a", 0))

	assert.Empty(t, appender.appended())
}
