// Package command maps inbound command identifiers to handler objects that
// orchestrate run creation, cancellation, and status queries. Handlers never
// return errors to the dispatcher: every user-visible failure is published as
// an ERROR event so the same pipeline, gate, and fan-out apply to success and
// failure alike.
package command

import (
	"context"
	"sync"

	"relay/internal/logging"
)

// Command type identifiers.
const (
	TypeStartRun  = "run.start"
	TypeCancelRun = "run.cancel"
	TypeRunStatus = "run.status"
)

// Session identifies the chat session a command belongs to. One dispatcher
// (and its handlers) is constructed per session or connection.
type Session struct {
	ID     string
	UserID string
}

// Handler processes one command type.
type Handler interface {
	CommandType() string
	Handle(ctx context.Context, content map[string]any, sess *Session)
}

// Dispatcher is a pure lookup from command type to handler.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   logging.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logging.OrNop(logger),
	}
}

// Register installs a handler, replacing any previous handler for the type.
func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.handlers[h.CommandType()] = h
	d.mu.Unlock()
}

// Dispatch resolves and invokes the handler for commandType. It reports false
// for an unknown identifier; whether that is an error is the caller's call.
func (d *Dispatcher) Dispatch(ctx context.Context, commandType string, content map[string]any, sess *Session) bool {
	d.mu.RLock()
	h, ok := d.handlers[commandType]
	d.mu.RUnlock()
	if !ok {
		d.logger.Warn("No handler for command %q (session=%s)", commandType, sessionID(sess))
		return false
	}
	h.Handle(ctx, content, sess)
	return true
}

func sessionID(sess *Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}
