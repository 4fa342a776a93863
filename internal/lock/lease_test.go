package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"relay/internal/logging"
)

type fakeRow struct {
	scanFn func(dest ...any) error
}

func (r *fakeRow) Scan(dest ...any) error {
	return r.scanFn(dest...)
}

// fakeLeaseDB mimics the conditional-upsert semantics of the lease table.
type fakeLeaseDB struct {
	mu     sync.Mutex
	leases map[string]struct {
		owner     string
		expiresAt time.Time
	}
}

func newFakeLeaseDB() *fakeLeaseDB {
	return &fakeLeaseDB{leases: make(map[string]struct {
		owner     string
		expiresAt time.Time
	})}
}

func (db *fakeLeaseDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	name := args[0].(string)
	owner := args[1].(string)
	expiresAt := args[2].(time.Time)

	db.mu.Lock()
	defer db.mu.Unlock()

	current, held := db.leases[name]
	if held && current.expiresAt.After(time.Now()) {
		return &fakeRow{scanFn: func(...any) error { return pgx.ErrNoRows }}
	}
	db.leases[name] = struct {
		owner     string
		expiresAt time.Time
	}{owner: owner, expiresAt: expiresAt}

	return &fakeRow{scanFn: func(dest ...any) error {
		*(dest[0].(*string)) = owner
		return nil
	}}
}

func (db *fakeLeaseDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	name := args[0].(string)
	owner := args[1].(string)

	db.mu.Lock()
	defer db.mu.Unlock()
	if current, held := db.leases[name]; held && current.owner == owner {
		delete(db.leases, name)
	}
	return pgconn.NewCommandTag("DELETE"), nil
}

func (db *fakeLeaseDB) holder(name string) string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.leases[name].owner
}

func newTestLeaseFactory(db leaseDB) *leaseFactory {
	return newLeaseFactoryWithDB(db, time.Second, 5*time.Millisecond, logging.Nop())
}

func TestLeaseAcquireAndRelease(t *testing.T) {
	db := newFakeLeaseDB()
	factory := newTestLeaseFactory(db)
	ctx := context.Background()

	handle, err := factory.Acquire(ctx, "reaper", "sweep", 0)
	require.NoError(t, err)
	require.NotEmpty(t, db.holder("reaper/sweep"))

	require.NoError(t, handle.Release(ctx))
	require.Empty(t, db.holder("reaper/sweep"))
}

func TestLeaseBlocksSecondHolderUntilTimeout(t *testing.T) {
	db := newFakeLeaseDB()
	factory := newTestLeaseFactory(db)
	ctx := context.Background()

	handle, err := factory.Acquire(ctx, "reaper", "sweep", time.Minute)
	require.NoError(t, err)
	defer handle.Release(ctx) //nolint:errcheck

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = factory.Acquire(short, "reaper", "sweep", time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)
}

func TestLeaseStolenOnlyAfterExpiry(t *testing.T) {
	db := newFakeLeaseDB()
	factory := newTestLeaseFactory(db)
	ctx := context.Background()

	// Short lease standing in for a crashed holder that never releases.
	_, err := factory.Acquire(ctx, "reaper", "sweep", 20*time.Millisecond)
	require.NoError(t, err)

	deadline, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	handle, err := factory.Acquire(deadline, "reaper", "sweep", time.Minute)
	require.NoError(t, err, "expired lease must be stealable")
	require.NoError(t, handle.Release(ctx))
}

func TestLeaseReleaseDoesNotClearStolenLease(t *testing.T) {
	db := newFakeLeaseDB()
	factory := newTestLeaseFactory(db)
	ctx := context.Background()

	stale, err := factory.Acquire(ctx, "reaper", "sweep", 10*time.Millisecond)
	require.NoError(t, err)

	deadline, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	fresh, err := factory.Acquire(deadline, "reaper", "sweep", time.Minute)
	require.NoError(t, err)

	// The original holder's release is scoped to its own ownership.
	require.NoError(t, stale.Release(ctx))
	require.NotEmpty(t, db.holder("reaper/sweep"))

	require.NoError(t, fresh.Release(ctx))
	require.Empty(t, db.holder("reaper/sweep"))
}
