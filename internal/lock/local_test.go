package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalAcquireRelease(t *testing.T) {
	factory, err := New(Config{})
	require.NoError(t, err)

	ctx := context.Background()
	handle, err := factory.Acquire(ctx, "reaper", "sweep", 0)
	require.NoError(t, err)
	require.Equal(t, "reaper/sweep", handle.Name())
	require.NoError(t, handle.Release(ctx))

	// Released locks can be re-acquired immediately.
	handle, err = factory.Acquire(ctx, "reaper", "sweep", 0)
	require.NoError(t, err)
	require.NoError(t, handle.Release(ctx))
}

func TestLocalMutualExclusion(t *testing.T) {
	factory, err := New(Config{})
	require.NoError(t, err)
	ctx := context.Background()

	handle, err := factory.Acquire(ctx, "session-run", "sess-1", 0)
	require.NoError(t, err)

	var held bool
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, err := factory.Acquire(ctx, "session-run", "sess-1", 0)
		require.NoError(t, err)
		mu.Lock()
		held = true
		mu.Unlock()
		_ = second.Release(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	require.False(t, held, "second acquire must block while the lock is held")
	mu.Unlock()

	require.NoError(t, handle.Release(ctx))
	wg.Wait()
}

func TestLocalAcquireTimesOut(t *testing.T) {
	factory, err := New(Config{})
	require.NoError(t, err)
	ctx := context.Background()

	handle, err := factory.Acquire(ctx, "session-run", "sess-1", 0)
	require.NoError(t, err)
	defer handle.Release(ctx) //nolint:errcheck

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = factory.Acquire(short, "session-run", "sess-1", 0)
	require.ErrorIs(t, err, ErrNotAcquired)
}

func TestLocalNamespacesDoNotCollide(t *testing.T) {
	factory, err := New(Config{})
	require.NoError(t, err)
	ctx := context.Background()

	first, err := factory.Acquire(ctx, "session-run", "key", 0)
	require.NoError(t, err)
	defer first.Release(ctx) //nolint:errcheck

	// Same key under a different namespace is a different lock.
	second, err := factory.Acquire(ctx, "reaper", "key", 0)
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}

func TestLocalReleaseIsIdempotent(t *testing.T) {
	factory, err := New(Config{})
	require.NoError(t, err)
	ctx := context.Background()

	handle, err := factory.Acquire(ctx, "session-run", "sess-1", 0)
	require.NoError(t, err)
	require.NoError(t, handle.Release(ctx))
	require.NoError(t, handle.Release(ctx))

	// The double release must not have pushed a second token.
	handle, err = factory.Acquire(ctx, "session-run", "sess-1", 0)
	require.NoError(t, err)
	defer handle.Release(ctx) //nolint:errcheck

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = factory.Acquire(short, "session-run", "sess-1", 0)
	require.ErrorIs(t, err, ErrNotAcquired)
}
