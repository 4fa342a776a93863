package command

import (
	"context"
	"errors"
	"time"

	"relay/internal/event"
	"relay/internal/lock"
	"relay/internal/logging"
	"relay/internal/run"
)

// Publisher is the slice of the event bus handlers need.
type Publisher interface {
	Publish(ev event.Event)
}

// Invalidator evicts a cached run status after a terminal transition.
// Implemented by gate.Gate.
type Invalidator interface {
	Invalidate(runID string)
}

const startLockNamespace = "session-run"

// userStatus maps a stored terminal status to the status string surfaced to
// clients. Stored ABORTED reads as CANCELLED on the wire.
func userStatus(st run.Status) string {
	if st == run.StatusAborted {
		return "CANCELLED"
	}
	return string(st)
}

// StartRunHandler creates the RunTask that tracks a new agent run. The
// per-session lock closes the window where two concurrent starts would both
// observe "no running task" and double-create.
type StartRunHandler struct {
	store   run.Store
	bus     Publisher
	locks   lock.Factory
	lockTTL time.Duration
	logger  logging.Logger
}

// NewStartRunHandler wires the start handler.
func NewStartRunHandler(store run.Store, bus Publisher, locks lock.Factory, lockTTL time.Duration) *StartRunHandler {
	return &StartRunHandler{
		store:   store,
		bus:     bus,
		locks:   locks,
		lockTTL: lockTTL,
		logger:  logging.NewComponentLogger("StartRunHandler"),
	}
}

func (h *StartRunHandler) CommandType() string { return TypeStartRun }

func (h *StartRunHandler) Handle(ctx context.Context, content map[string]any, sess *Session) {
	handle, err := h.locks.Acquire(ctx, startLockNamespace, sess.ID, h.lockTTL)
	if err != nil {
		h.logger.Error("Acquire start lock for session %s: %v", sess.ID, err)
		h.bus.Publish(event.NewError(sess.ID, "could not start run", event.KindInternal))
		return
	}
	defer func() {
		if err := handle.Release(ctx); err != nil {
			h.logger.Warn("Release start lock for session %s: %v", sess.ID, err)
		}
	}()

	if existing, err := h.store.FindRunningBySession(ctx, sess.ID); err == nil {
		h.logger.Info("Session %s already has running task %s", sess.ID, existing.ID)
		h.bus.Publish(event.NewError(sess.ID, "a run is already active for this session", event.KindRunActive))
		return
	} else if !errors.Is(err, run.ErrNotFound) {
		h.logger.Error("Find running task for session %s: %v", sess.ID, err)
		h.bus.Publish(event.NewError(sess.ID, "could not start run", event.KindInternal))
		return
	}

	userMessageID, _ := content["user_message_id"].(string)
	task, err := h.store.Create(ctx, sess.ID, userMessageID)
	if err != nil {
		h.logger.Error("Create run task for session %s: %v", sess.ID, err)
		h.bus.Publish(event.NewError(sess.ID, "could not start run", event.KindInternal))
		return
	}

	h.logger.Info("Run %s started for session %s", task.ID, sess.ID)
	h.bus.Publish(event.New(event.TypeStatusUpdate, sess.ID, task.ID, map[string]any{
		event.ContentStatus: string(run.StatusRunning),
		event.ContentRunID:  task.ID,
	}))
}

// CancelRunHandler aborts the session's running task via a compare-and-swap
// on the version read at lookup time. Losing the race to a natural completion
// surfaces a state_conflict error, never a silent success.
type CancelRunHandler struct {
	store  run.Store
	bus    Publisher
	cache  Invalidator
	logger logging.Logger
}

// NewCancelRunHandler wires the cancel handler. cache may be nil when the
// gate runs without a status cache.
func NewCancelRunHandler(store run.Store, bus Publisher, cache Invalidator) *CancelRunHandler {
	return &CancelRunHandler{
		store:  store,
		bus:    bus,
		cache:  cache,
		logger: logging.NewComponentLogger("CancelRunHandler"),
	}
}

func (h *CancelRunHandler) CommandType() string { return TypeCancelRun }

func (h *CancelRunHandler) Handle(ctx context.Context, content map[string]any, sess *Session) {
	task, err := h.store.FindRunningBySession(ctx, sess.ID)
	if errors.Is(err, run.ErrNotFound) {
		h.bus.Publish(event.NewError(sess.ID, "no running task for this session", event.KindNoRunningTask))
		return
	}
	if err != nil {
		h.logger.Error("Find running task for session %s: %v", sess.ID, err)
		h.bus.Publish(event.NewError(sess.ID, "could not cancel run", event.KindInternal))
		return
	}

	updated, err := h.store.UpdateStatus(ctx, task.ID, task.Version, run.StatusAborted)
	if errors.Is(err, run.ErrConflict) {
		// Another writer got there first, most likely a natural completion.
		// The caller must not retry this the way it would a transient fault.
		h.logger.Info("Cancel of run %s lost the race (version %d)", task.ID, task.Version)
		h.bus.Publish(event.NewError(sess.ID, "run already finished", event.KindStateConflict))
		return
	}
	if err != nil {
		h.logger.Error("Cancel run %s: %v", task.ID, err)
		h.bus.Publish(event.NewError(sess.ID, "could not cancel run", event.KindInternal))
		return
	}

	if h.cache != nil {
		h.cache.Invalidate(updated.ID)
	}

	// Session-scoped on purpose: the run is terminal now, so a run-tagged
	// STATUS_UPDATE would be suppressed by the gate it just armed.
	h.logger.Info("Run %s cancelled for session %s", updated.ID, sess.ID)
	h.bus.Publish(event.NewSessionEvent(event.TypeStatusUpdate, sess.ID, map[string]any{
		event.ContentStatus: userStatus(updated.Status),
		event.ContentRunID:  updated.ID,
	}))
}

// RunStatusHandler reports the session's current running task, if any.
type RunStatusHandler struct {
	store  run.Store
	bus    Publisher
	logger logging.Logger
}

// NewRunStatusHandler wires the status handler.
func NewRunStatusHandler(store run.Store, bus Publisher) *RunStatusHandler {
	return &RunStatusHandler{
		store:  store,
		bus:    bus,
		logger: logging.NewComponentLogger("RunStatusHandler"),
	}
}

func (h *RunStatusHandler) CommandType() string { return TypeRunStatus }

func (h *RunStatusHandler) Handle(ctx context.Context, content map[string]any, sess *Session) {
	task, err := h.store.FindRunningBySession(ctx, sess.ID)
	if errors.Is(err, run.ErrNotFound) {
		h.bus.Publish(event.NewError(sess.ID, "no running task for this session", event.KindNoRunningTask))
		return
	}
	if err != nil {
		h.logger.Error("Find running task for session %s: %v", sess.ID, err)
		h.bus.Publish(event.NewError(sess.ID, "could not read run status", event.KindInternal))
		return
	}

	h.bus.Publish(event.New(event.TypeStatusUpdate, sess.ID, task.ID, map[string]any{
		event.ContentStatus: string(task.Status),
		event.ContentRunID:  task.ID,
	}))
}
