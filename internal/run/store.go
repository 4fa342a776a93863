package run

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel outcomes of store operations. A CAS that lost a race is a Conflict,
// never a NotFound: callers must be able to tell "task never existed" apart
// from "task existed but was already mutated".
var (
	ErrNotFound = errors.New("run task not found")
	ErrConflict = errors.New("run task version conflict")
)

// Store persists run tasks under optimistic concurrency control.
//
// UpdateStatus is the only way to leave RUNNING. It applies the transition as
// a single atomic compare-and-swap on (id, expectedVersion); when the swap
// affects no row but the task exists, it returns ErrConflict. Transitions back
// to RUNNING and transitions with an unknown status are rejected outright.
type Store interface {
	// Create inserts a new task with status RUNNING and version 0.
	// userMessageID is an optional correlation id and may be empty.
	Create(ctx context.Context, sessionID, userMessageID string) (*Task, error)

	// Get returns the task by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// FindRunningBySession returns the most recently created RUNNING task for
	// the session, or ErrNotFound when the session has none.
	FindRunningBySession(ctx context.Context, sessionID string) (*Task, error)

	// UpdateStatus performs the CAS transition and returns the updated task.
	// Returns ErrConflict when the version check fails, ErrNotFound when no
	// task with the id exists.
	UpdateStatus(ctx context.Context, id string, expectedVersion int64, next Status) (*Task, error)

	// ReapStale claims up to batchSize RUNNING tasks created before cutoff and
	// flips them to SYSTEM_INTERRUPTED, incrementing their versions. Rows
	// already claimed by a concurrent caller are skipped, never awaited. The
	// returned tasks carry their post-transition state.
	ReapStale(ctx context.Context, cutoff time.Time, batchSize int) ([]*Task, error)
}

// ValidateTransition rejects transitions the state machine forbids before any
// store round-trip: the target must be a known terminal status.
func ValidateTransition(next Status) error {
	if !next.Valid() {
		return fmt.Errorf("unknown run status %q", next)
	}
	if next == StatusRunning {
		return fmt.Errorf("run tasks cannot transition back to %s", StatusRunning)
	}
	return nil
}
