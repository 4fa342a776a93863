// Package event defines the immutable event value exchanged between the
// command handlers, the reaper, the hook pipeline, and subscribers.
package event

import (
	"encoding/json"
	"time"
)

// Canonical event types. Agent-loop producers may publish additional types;
// the bus and gate treat the type as an opaque string except where noted.
const (
	TypeStatusUpdate   = "STATUS_UPDATE"
	TypeError          = "ERROR"
	TypeRunInterrupted = "RUN_INTERRUPTED"
	TypeMessageDelta   = "MESSAGE_DELTA"
	TypeToolCall       = "TOOL_CALL"
	TypeUsage          = "USAGE"
)

// Well-known content keys.
const (
	ContentStatus  = "status"
	ContentMessage = "message"
	ContentKind    = "kind"
	ContentRunID   = "run_id"
	ContentReason  = "reason"
)

// Error kinds carried by ERROR events.
const (
	KindStateConflict = "state_conflict"
	KindNoRunningTask = "no_running_task"
	KindRunActive     = "run_already_active"
	KindInternal      = "internal_error"
)

// Event is an immutable value. Once published it is never mutated; a hook that
// wants to change one builds a replacement via WithContent or WithType.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	RunID     string         `json:"runId,omitempty"`
	Content   map[string]any `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

// New builds an event for a specific run within a session.
func New(eventType, sessionID, runID string, content map[string]any) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		RunID:     runID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// NewSessionEvent builds a session-wide event with no run association.
func NewSessionEvent(eventType, sessionID string, content map[string]any) Event {
	return New(eventType, sessionID, "", content)
}

// NewError builds the ERROR event command handlers publish instead of
// returning errors to their caller.
func NewError(sessionID, message, kind string) Event {
	return NewSessionEvent(TypeError, sessionID, map[string]any{
		ContentMessage: message,
		ContentKind:    kind,
	})
}

// WithContent returns a copy of e carrying the given content. The original
// event is left untouched.
func (e Event) WithContent(content map[string]any) Event {
	clone := e
	clone.Content = content
	return clone
}

// WithType returns a copy of e with a different type.
func (e Event) WithType(eventType string) Event {
	clone := e
	clone.Type = eventType
	return clone
}

// CloneContent returns a shallow copy of the content map, for hooks that
// modify a few keys and keep the rest.
func (e Event) CloneContent() map[string]any {
	if e.Content == nil {
		return map[string]any{}
	}
	clone := make(map[string]any, len(e.Content))
	for k, v := range e.Content {
		clone[k] = v
	}
	return clone
}

// ContentString reads a string value out of the content map, returning "" when
// the key is absent or not a string.
func (e Event) ContentString(key string) string {
	if e.Content == nil {
		return ""
	}
	s, _ := e.Content[key].(string)
	return s
}

// Marshal renders the stable wire format shared by every transport.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
