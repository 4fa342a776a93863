package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"relay/internal/logging"
)

const leaseTable = "lock_leases"

// leaseDB is the subset of pgxpool.Pool the lease factory touches, kept small
// so tests can substitute a fake connection.
type leaseDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// leaseFactory implements expiring locks as single-row leases in a shared
// Postgres table. A lease can only be stolen after its expiry passes, so a
// crashed holder delays peers by at most one ttl.
type leaseFactory struct {
	db            leaseDB
	defaultTTL    time.Duration
	retryInterval time.Duration
	logger        logging.Logger
}

func newLeaseFactory(pool *pgxpool.Pool, defaultTTL, retryInterval time.Duration, logger logging.Logger) *leaseFactory {
	return newLeaseFactoryWithDB(pool, defaultTTL, retryInterval, logger)
}

func newLeaseFactoryWithDB(db leaseDB, defaultTTL, retryInterval time.Duration, logger logging.Logger) *leaseFactory {
	return &leaseFactory{
		db:            db,
		defaultTTL:    defaultTTL,
		retryInterval: retryInterval,
		logger:        logger,
	}
}

// EnsureSchema creates the lease table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS `+leaseTable+` (
    name       TEXT PRIMARY KEY,
    owner      TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("ensure lock schema: %w", err)
	}
	return nil
}

// Acquire polls the lease row until it is obtained or ctx is done.
func (f *leaseFactory) Acquire(ctx context.Context, namespace, key string, ttl time.Duration) (Handle, error) {
	if ttl <= 0 {
		ttl = f.defaultTTL
	}
	name := lockName(namespace, key)
	owner := uuid.New().String()

	for {
		acquired, err := f.tryAcquire(ctx, name, owner, ttl)
		if err != nil {
			return nil, err
		}
		if acquired {
			return &leaseHandle{factory: f, name: name, owner: owner}, nil
		}

		select {
		case <-time.After(f.retryInterval):
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrNotAcquired
			}
			return nil, ctx.Err()
		}
	}
}

// tryAcquire inserts or steals the lease row in one statement. The conditional
// upsert only overwrites a lease whose expiry has passed.
func (f *leaseFactory) tryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	expiresAt := time.Now().UTC().Add(ttl)
	var got string
	err := f.db.QueryRow(ctx,
		`INSERT INTO `+leaseTable+` (name, owner, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		 WHERE `+leaseTable+`.expires_at <= now()
		 RETURNING owner`,
		name, owner, expiresAt,
	).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return got == owner, nil
}

type leaseHandle struct {
	factory *leaseFactory
	name    string
	owner   string
}

func (h *leaseHandle) Name() string { return h.name }

// Release deletes the lease only when this handle still owns it; a lease that
// expired and was stolen belongs to somebody else now.
func (h *leaseHandle) Release(ctx context.Context) error {
	_, err := h.factory.db.Exec(ctx,
		`DELETE FROM `+leaseTable+` WHERE name = $1 AND owner = $2`,
		h.name, h.owner,
	)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", h.name, err)
	}
	return nil
}
