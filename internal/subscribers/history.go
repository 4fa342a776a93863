package subscribers

import (
	"sync"

	"relay/internal/event"
)

const defaultMaxHistory = 1000

// History keeps a bounded per-session replay buffer so a client reconnecting
// mid-run can catch up without a store round-trip.
type History struct {
	mu       sync.RWMutex
	sessions map[string][]event.Event
	maxPer   int
}

// NewHistory creates a history buffer keeping up to maxPer events per session.
func NewHistory(maxPer int) *History {
	if maxPer <= 0 {
		maxPer = defaultMaxHistory
	}
	return &History{
		sessions: make(map[string][]event.Event),
		maxPer:   maxPer,
	}
}

// Handle implements bus.Subscriber.
func (h *History) Handle(ev event.Event) {
	if ev.SessionID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	buf := append(h.sessions[ev.SessionID], ev)
	if len(buf) > h.maxPer {
		buf = buf[len(buf)-h.maxPer:]
	}
	h.sessions[ev.SessionID] = buf
}

// Events returns a copy of the buffered events for a session, oldest first.
func (h *History) Events(sessionID string) []event.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	buf := h.sessions[sessionID]
	if len(buf) == 0 {
		return nil
	}
	out := make([]event.Event, len(buf))
	copy(out, buf)
	return out
}

// Clear drops a session's buffer, typically when the session closes.
func (h *History) Clear(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}
