package lock

import (
	"context"
	"sync"
	"time"

	"relay/internal/logging"
)

// localFactory hands out in-process locks. Each name maps to a one-token
// channel; waiters block on the token or their context, so acquisition stays
// cancelable, which a bare sync.Mutex cannot offer.
type localFactory struct {
	mu     sync.Mutex
	locks  map[string]*localEntry
	logger logging.Logger
}

type localEntry struct {
	token chan struct{}
	refs  int
}

func newLocalFactory(logger logging.Logger) *localFactory {
	return &localFactory{
		locks:  make(map[string]*localEntry),
		logger: logger,
	}
}

// Acquire blocks for the named token until held or ctx is done. ttl is
// ignored: the holder and the lock die together with the process.
func (f *localFactory) Acquire(ctx context.Context, namespace, key string, _ time.Duration) (Handle, error) {
	name := lockName(namespace, key)

	f.mu.Lock()
	entry, ok := f.locks[name]
	if !ok {
		entry = &localEntry{token: make(chan struct{}, 1)}
		entry.token <- struct{}{}
		f.locks[name] = entry
	}
	entry.refs++
	f.mu.Unlock()

	select {
	case <-entry.token:
		return &localHandle{factory: f, entry: entry, name: name}, nil
	case <-ctx.Done():
		f.drop(name, entry)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrNotAcquired
		}
		return nil, ctx.Err()
	}
}

func (f *localFactory) drop(name string, entry *localEntry) {
	f.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(f.locks, name)
	}
	f.mu.Unlock()
}

type localHandle struct {
	factory *localFactory
	entry   *localEntry
	name    string
	once    sync.Once
}

func (h *localHandle) Name() string { return h.name }

func (h *localHandle) Release(context.Context) error {
	h.once.Do(func() {
		h.entry.token <- struct{}{}
		h.factory.drop(h.name, h.entry)
	})
	return nil
}
