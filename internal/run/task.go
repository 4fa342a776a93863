// Package run defines the run-task lifecycle model and the store contract that
// guards every status transition with optimistic concurrency.
package run

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status enumerates the run-task lifecycle states.
type Status string

const (
	StatusRunning           Status = "RUNNING"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
	StatusAborted           Status = "ABORTED"
	StatusSystemInterrupted Status = "SYSTEM_INTERRUPTED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed, StatusAborted, StatusSystemInterrupted:
		return true
	default:
		return false
	}
}

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	return s.Valid() && s != StatusRunning
}

// Task represents one execution of the agent loop within a session. The row is
// the single source of truth for run liveness; Version starts at 0 and is
// incremented by every successful update, so a transition that lost a race is
// detected instead of overwritten.
type Task struct {
	ID            string
	SessionID     string
	Status        Status
	Version       int64
	UserMessageID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a copy so callers never share mutable task state with a store.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

// NewID mints a run-task identifier.
func NewID() string {
	return fmt.Sprintf("run-%s", uuid.New().String())
}
