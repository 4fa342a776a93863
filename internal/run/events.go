package run

import "relay/internal/event"

// TerminationEvent builds the synthetic event recorded and published when a
// task is reclaimed by the stale-run sweep. The event type is on the gate's
// always-deliver allowlist so it reaches subscribers even though the run is no
// longer RUNNING by the time it is delivered.
func TerminationEvent(t *Task) event.Event {
	return event.New(event.TypeRunInterrupted, t.SessionID, t.ID, map[string]any{
		event.ContentStatus: string(StatusSystemInterrupted),
		event.ContentReason: "run exceeded its time budget",
		event.ContentRunID:  t.ID,
	})
}
