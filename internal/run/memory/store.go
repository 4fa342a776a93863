// Package memory implements the run store with in-process storage. It backs
// tests and single-node deployments; multi-process deployments use the
// postgres store, which provides the same semantics across processes.
package memory

import (
	"context"
	"sync"
	"time"

	"relay/internal/event"
	"relay/internal/run"
)

// Store keeps run tasks in a map guarded by one mutex. The mutex makes every
// operation atomic, which is exactly the CAS guarantee the interface demands
// within a single process.
type Store struct {
	mu     sync.Mutex
	tasks  map[string]*run.Task
	events map[string][]event.Event // sessionID -> reaper termination log
}

var _ run.Store = (*Store)(nil)

// NewStore creates an empty in-memory run store.
func NewStore() *Store {
	return &Store{
		tasks:  make(map[string]*run.Task),
		events: make(map[string][]event.Event),
	}
}

// Create inserts a new RUNNING task at version 0.
func (s *Store) Create(ctx context.Context, sessionID, userMessageID string) (*run.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	task := &run.Task{
		ID:            run.NewID(),
		SessionID:     sessionID,
		Status:        run.StatusRunning,
		Version:       0,
		UserMessageID: userMessageID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.tasks[task.ID] = task
	return task.Clone(), nil
}

// Get returns the task by id.
func (s *Store) Get(ctx context.Context, id string) (*run.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, run.ErrNotFound
	}
	return task.Clone(), nil
}

// FindRunningBySession returns the most recently created RUNNING task.
func (s *Store) FindRunningBySession(ctx context.Context, sessionID string) (*run.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *run.Task
	for _, task := range s.tasks {
		if task.SessionID != sessionID || task.Status != run.StatusRunning {
			continue
		}
		if newest == nil || task.CreatedAt.After(newest.CreatedAt) {
			newest = task
		}
	}
	if newest == nil {
		return nil, run.ErrNotFound
	}
	return newest.Clone(), nil
}

// UpdateStatus applies the versioned compare-and-swap.
func (s *Store) UpdateStatus(ctx context.Context, id string, expectedVersion int64, next run.Status) (*run.Task, error) {
	if err := run.ValidateTransition(next); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, run.ErrNotFound
	}
	if task.Version != expectedVersion || task.Status != run.StatusRunning {
		return nil, run.ErrConflict
	}

	task.Status = next
	task.Version++
	task.UpdatedAt = time.Now().UTC()
	return task.Clone(), nil
}

// ReapStale flips RUNNING tasks older than cutoff to SYSTEM_INTERRUPTED and
// appends the termination event to the session log, mirroring the atomic
// write the postgres store performs in one transaction. The store mutex is the
// claim guard: a task flipped here is terminal and therefore invisible to any
// later sweep.
func (s *Store) ReapStale(ctx context.Context, cutoff time.Time, batchSize int) ([]*run.Task, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []*run.Task
	now := time.Now().UTC()
	for _, task := range s.tasks {
		if len(claimed) >= batchSize {
			break
		}
		if task.Status != run.StatusRunning || !task.CreatedAt.Before(cutoff) {
			continue
		}
		task.Status = run.StatusSystemInterrupted
		task.Version++
		task.UpdatedAt = now

		reaped := task.Clone()
		s.events[task.SessionID] = append(s.events[task.SessionID], run.TerminationEvent(reaped))
		claimed = append(claimed, reaped)
	}
	return claimed, nil
}

// SessionEvents returns the termination events recorded for a session.
func (s *Store) SessionEvents(sessionID string) []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.events[sessionID]
	out := make([]event.Event, len(log))
	copy(out, log)
	return out
}
