// Package lock produces a mutual-exclusion primitive per named resource. The
// factory is configured once at construction: in-process mutexes for
// single-node deployments, expiring Postgres leases when two processes can
// race on the same name. Call sites never branch on the mode.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"relay/internal/logging"
)

// ErrNotAcquired is returned when the lock could not be obtained before the
// context deadline.
var ErrNotAcquired = errors.New("lock not acquired")

// Handle is a held lock. Release must be called on every exit path; the
// distributed variant additionally self-releases when its lease expires, so a
// crashed holder cannot block other callers indefinitely.
type Handle interface {
	// Name returns the composed lock name.
	Name() string
	// Release gives the lock up. Releasing an already-expired lease is a no-op.
	Release(ctx context.Context) error
}

// Factory hands out lock handles keyed by (namespace, key).
type Factory interface {
	// Acquire blocks until the lock is held or ctx is done. ttl bounds how
	// long a distributed lease is valid before it self-releases; zero applies
	// the factory default. The in-process variant has no expiry since holder
	// and lock share a process fate.
	Acquire(ctx context.Context, namespace, key string, ttl time.Duration) (Handle, error)
}

// Config selects and parameterizes the factory implementation.
type Config struct {
	// Distributed selects the Postgres lease implementation.
	Distributed bool
	// Pool is required when Distributed is set.
	Pool *pgxpool.Pool
	// DefaultTTL applies when Acquire is called with a zero ttl.
	DefaultTTL time.Duration
	// RetryInterval is the poll interval while a lease is held elsewhere.
	RetryInterval time.Duration
	Logger        logging.Logger
}

const (
	defaultLeaseTTL      = 30 * time.Second
	defaultRetryInterval = 100 * time.Millisecond
)

// New builds the factory for the configured deployment mode.
func New(cfg Config) (Factory, error) {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultLeaseTTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	logger := logging.OrNop(cfg.Logger)

	if !cfg.Distributed {
		return newLocalFactory(logger), nil
	}
	if cfg.Pool == nil {
		return nil, errors.New("distributed lock factory requires a pool")
	}
	return newLeaseFactory(cfg.Pool, cfg.DefaultTTL, cfg.RetryInterval, logger), nil
}

// lockName composes the resource name. The namespace prevents unrelated
// subsystems sharing the factory from colliding on a key.
func lockName(namespace, key string) string {
	return namespace + "/" + key
}
