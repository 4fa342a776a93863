// Package gate implements the shared admission check consulted before any
// subscriber handles an event: events belonging to a run that is no longer
// RUNNING are suppressed, so a slow agent loop cannot write late side effects
// after its run has been declared over.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"relay/internal/event"
	"relay/internal/logging"
	"relay/internal/run"
)

// ErrIntegrity marks a data-integrity fault: an event was published against a
// run id with no backing row. It signals a bug in event production and must
// not be swallowed as a routine suppression.
var ErrIntegrity = errors.New("event references unknown run task")

// Config parameterizes the gate.
type Config struct {
	// AllowedTypes are delivered unconditionally, status notwithstanding.
	// Empty means the default allowlist (the reaper's termination notice).
	AllowedTypes []string
	// CacheTTL enables a short-lived run-status cache. Zero disables caching
	// and the store is consulted for every single event; when enabled, events
	// of a just-terminated run may still be delivered for at most the TTL.
	CacheTTL time.Duration
	// CacheSize bounds the cache; ignored when CacheTTL is zero.
	CacheSize int
	Logger    logging.Logger
}

const defaultCacheSize = 4096

// Gate answers whether an event may reach subscribers.
type Gate struct {
	store  run.Store
	allow  map[string]struct{}
	cache  *lru.LRU[string, run.Status]
	group  singleflight.Group
	logger logging.Logger
}

// New builds a gate over the run store.
func New(store run.Store, cfg Config) *Gate {
	allowed := cfg.AllowedTypes
	if len(allowed) == 0 {
		allowed = []string{event.TypeRunInterrupted}
	}
	allow := make(map[string]struct{}, len(allowed))
	for _, t := range allowed {
		allow[t] = struct{}{}
	}

	g := &Gate{
		store:  store,
		allow:  allow,
		logger: logging.OrNop(cfg.Logger),
	}
	if cfg.CacheTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = defaultCacheSize
		}
		g.cache = lru.NewLRU[string, run.Status](size, nil, cfg.CacheTTL)
	}
	return g
}

// ShouldDeliver applies the admission rule. Session-wide events (no run id)
// and allowlisted types pass unconditionally; everything else passes iff the
// backing run task is still RUNNING. A missing backing task is ErrIntegrity.
func (g *Gate) ShouldDeliver(ctx context.Context, ev event.Event) (bool, error) {
	if ev.RunID == "" {
		return true, nil
	}
	if _, ok := g.allow[ev.Type]; ok {
		return true, nil
	}

	status, err := g.statusFor(ctx, ev.RunID)
	if errors.Is(err, run.ErrNotFound) {
		return false, fmt.Errorf("%w: type=%s run=%s session=%s", ErrIntegrity, ev.Type, ev.RunID, ev.SessionID)
	}
	if err != nil {
		return false, fmt.Errorf("look up run %s: %w", ev.RunID, err)
	}
	return status == run.StatusRunning, nil
}

// Invalidate evicts a cached status. Called after a successful terminal CAS
// so suppression takes effect without waiting out the TTL.
func (g *Gate) Invalidate(runID string) {
	if g.cache != nil {
		g.cache.Remove(runID)
	}
}

// statusFor reads the run status, collapsing concurrent lookups for the same
// run id into one store round-trip.
func (g *Gate) statusFor(ctx context.Context, runID string) (run.Status, error) {
	if g.cache != nil {
		if status, ok := g.cache.Get(runID); ok {
			return status, nil
		}
	}

	v, err, _ := g.group.Do(runID, func() (any, error) {
		task, err := g.store.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		if g.cache != nil {
			g.cache.Add(runID, task.Status)
		}
		return task.Status, nil
	})
	if err != nil {
		return "", err
	}
	return v.(run.Status), nil
}
