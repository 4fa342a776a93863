// Package subscribers holds the bus consumers the core ships with: the
// live-transport broadcaster, the per-session history buffer, the Prometheus
// metrics sink, and the durable event-log writer.
package subscribers

import (
	"sync"

	"relay/internal/event"
	"relay/internal/logging"
)

const defaultClientBuffer = 64

// Broadcaster fans delivered events out to connected clients by session id.
// Each client is a buffered channel owned by the transport layer (SSE or
// websocket handler); a full buffer drops the event rather than blocking the
// delivery worker, except for critical events, which evict the oldest queued
// event to make room.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string][]chan event.Event

	bufferSize int
	logger     logging.Logger
	metrics    broadcasterCounters
}

type broadcasterCounters struct {
	mu                sync.Mutex
	sent              int64
	dropped           int64
	totalConnections  int64
	activeConnections int64
}

// BroadcasterMetrics is a snapshot of delivery counters.
type BroadcasterMetrics struct {
	Sent              int64 `json:"sent"`
	Dropped           int64 `json:"dropped"`
	TotalConnections  int64 `json:"total_connections"`
	ActiveConnections int64 `json:"active_connections"`
	SessionCount      int   `json:"session_count"`
}

// NewBroadcaster creates a broadcaster. bufferSize sets the per-client channel
// capacity; zero applies the default.
func NewBroadcaster(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = defaultClientBuffer
	}
	return &Broadcaster{
		clients:    make(map[string][]chan event.Event),
		bufferSize: bufferSize,
		logger:     logging.NewComponentLogger("Broadcaster"),
	}
}

// RegisterClient opens a channel for a session's client and returns it. The
// caller reads from the channel until UnregisterClient closes it.
func (b *Broadcaster) RegisterClient(sessionID string) <-chan event.Event {
	ch := make(chan event.Event, b.bufferSize)

	b.mu.Lock()
	b.clients[sessionID] = append(b.clients[sessionID], ch)
	count := len(b.clients[sessionID])
	b.mu.Unlock()

	b.metrics.mu.Lock()
	b.metrics.totalConnections++
	b.metrics.activeConnections++
	b.metrics.mu.Unlock()

	b.logger.Info("Client registered for session %s (total: %d)", sessionID, count)
	return ch
}

// UnregisterClient removes the client and closes its channel.
func (b *Broadcaster) UnregisterClient(sessionID string, ch <-chan event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	clients := b.clients[sessionID]
	for i, client := range clients {
		if client == ch {
			b.clients[sessionID] = append(clients[:i], clients[i+1:]...)
			close(client)

			b.metrics.mu.Lock()
			b.metrics.activeConnections--
			b.metrics.mu.Unlock()

			if len(b.clients[sessionID]) == 0 {
				delete(b.clients, sessionID)
			}
			b.logger.Info("Client unregistered from session %s (remaining: %d)", sessionID, len(b.clients[sessionID]))
			return
		}
	}
}

// ClientCount returns the number of clients subscribed to a session.
func (b *Broadcaster) ClientCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients[sessionID])
}

// Handle implements bus.Subscriber: route the event to every client of its
// session. Events without a session route nowhere.
func (b *Broadcaster) Handle(ev event.Event) {
	if ev.SessionID == "" {
		return
	}

	b.mu.RLock()
	clients := b.clients[ev.SessionID]
	b.mu.RUnlock()

	for i, ch := range clients {
		select {
		case ch <- ev:
			b.countSent()
		default:
			if b.forceCritical(ev, ch) {
				continue
			}
			b.logger.Warn("Client buffer full for session %s, dropping %s (client %d/%d)",
				ev.SessionID, ev.Type, i+1, len(clients))
			b.countDropped()
		}
	}
}

// forceCritical makes room for events a client must not miss by evicting the
// oldest queued event.
func (b *Broadcaster) forceCritical(ev event.Event, ch chan event.Event) bool {
	if !isCritical(ev.Type) {
		return false
	}

	// Retry first in case the consumer drained the buffer meanwhile.
	select {
	case ch <- ev:
		b.countSent()
		return true
	default:
	}

	select {
	case <-ch:
		b.countDropped()
	default:
	}

	select {
	case ch <- ev:
		b.logger.Warn("Client buffer saturated for session %s; evicted oldest to deliver %s", ev.SessionID, ev.Type)
		b.countSent()
		return true
	default:
		return false
	}
}

func isCritical(eventType string) bool {
	switch eventType {
	case event.TypeStatusUpdate, event.TypeError, event.TypeRunInterrupted:
		return true
	default:
		return false
	}
}

func (b *Broadcaster) countSent() {
	b.metrics.mu.Lock()
	b.metrics.sent++
	b.metrics.mu.Unlock()
}

func (b *Broadcaster) countDropped() {
	b.metrics.mu.Lock()
	b.metrics.dropped++
	b.metrics.mu.Unlock()
}

// Metrics returns current delivery counters.
func (b *Broadcaster) Metrics() BroadcasterMetrics {
	b.metrics.mu.Lock()
	snapshot := BroadcasterMetrics{
		Sent:              b.metrics.sent,
		Dropped:           b.metrics.dropped,
		TotalConnections:  b.metrics.totalConnections,
		ActiveConnections: b.metrics.activeConnections,
	}
	b.metrics.mu.Unlock()

	b.mu.RLock()
	snapshot.SessionCount = len(b.clients)
	b.mu.RUnlock()
	return snapshot
}
