// Package reaper reclaims runs that have been RUNNING past their time budget.
// It sweeps on a fixed interval, claims stale rows in bounded batches with a
// non-blocking claim (concurrent sweeps skip each other's rows), and publishes
// the termination events after the store commit so live subscribers hear about
// writes that went straight to the store.
package reaper

import (
	"context"
	"time"

	"relay/internal/event"
	"relay/internal/logging"
	"relay/internal/run"
)

// Publisher is the slice of the event bus the reaper needs.
type Publisher interface {
	Publish(ev event.Event)
}

// Config parameterizes the sweep.
type Config struct {
	// Timeout is the run time budget; RUNNING tasks older than now-Timeout
	// are reclaimed.
	Timeout time.Duration
	// Interval is the sweep period.
	Interval time.Duration
	// BatchSize bounds one claim round.
	BatchSize int
	// MaxPerSweep caps the total rows one invocation may process, bounding
	// worst-case sweep duration.
	MaxPerSweep int
	Logger      logging.Logger
}

const (
	defaultTimeout     = 30 * time.Minute
	defaultInterval    = time.Minute
	defaultBatchSize   = 50
	defaultMaxPerSweep = 500
)

// SweepResult reports one invocation. Per-item publish failures are counted,
// not propagated: a partial batch still terminates every claimed run.
type SweepResult struct {
	Claimed   int
	Published int
	Failed    int
}

// Reaper periodically force-terminates stale runs.
type Reaper struct {
	store  run.Store
	bus    Publisher
	cfg    Config
	logger logging.Logger
}

// New creates a reaper over the store and bus.
func New(store run.Store, bus Publisher, cfg Config) *Reaper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxPerSweep <= 0 {
		cfg.MaxPerSweep = defaultMaxPerSweep
	}
	return &Reaper{
		store:  store,
		bus:    bus,
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger),
	}
}

// Run sweeps on the configured interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("Reaper started: timeout=%s interval=%s batch=%d cap=%d",
		r.cfg.Timeout, r.cfg.Interval, r.cfg.BatchSize, r.cfg.MaxPerSweep)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reaper stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("Sweep failed: %v", err)
			}
		}
	}
}

// Sweep claims and terminates stale runs in batches until a short batch shows
// the backlog is exhausted or the per-invocation cap is reached.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	cutoff := time.Now().UTC().Add(-r.cfg.Timeout)
	var result SweepResult

	for result.Claimed < r.cfg.MaxPerSweep {
		batchSize := r.cfg.BatchSize
		if remaining := r.cfg.MaxPerSweep - result.Claimed; remaining < batchSize {
			batchSize = remaining
		}

		claimed, err := r.store.ReapStale(ctx, cutoff, batchSize)
		if err != nil {
			return result, err
		}
		result.Claimed += len(claimed)

		// The status flip and the durable event are already committed; the
		// bus publish only notifies live subscribers, so a failure here is
		// counted and the batch carries on.
		for _, task := range claimed {
			if r.publish(task) {
				result.Published++
			} else {
				result.Failed++
			}
		}

		if len(claimed) < batchSize {
			break
		}
	}

	if result.Claimed > 0 {
		r.logger.Info("Sweep reclaimed %d run(s), published %d, failed %d",
			result.Claimed, result.Published, result.Failed)
	}
	return result, nil
}

func (r *Reaper) publish(task *run.Task) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Publish termination for run %s: %v", task.ID, rec)
			ok = false
		}
	}()
	r.bus.Publish(run.TerminationEvent(task))
	return true
}
