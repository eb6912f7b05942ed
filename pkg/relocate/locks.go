package relocate

import (
	"context"
	"sort"
	"sync"

	"github.com/grinzolo/cachewarden/pkg/cache"
)

// LockManager provides per-path mutual exclusion for relocations.
//
// At most one in-flight relocation may hold a given path. A second request
// for the same path blocks until the first completes or fails, bounded by
// the caller's context, and then observes the resulting terminal state from
// the repository instead of racing the filesystem. Unrelated paths never
// contend: there is no global lock.
//
// Locks are channel-based so acquisition can select against context
// cancellation; entries are reference-counted and removed from the table
// once the last waiter is gone.
//
// Thread Safety: safe for concurrent use.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	// ch holds one token; owning the token is owning the lock.
	ch   chan struct{}
	refs int
}

// NewLockManager creates an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*pathLock)}
}

// Acquire takes the exclusive lock for path, waiting until the lock is free
// or ctx expires. On success it returns a release function that must be
// called exactly once.
//
// A timed-out acquisition returns a resource-exhausted domain error: the
// path is busy with another relocation and the caller chose not to wait
// longer.
func (m *LockManager) Acquire(ctx context.Context, path string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[path]
	if !ok {
		l = &pathLock{ch: make(chan struct{}, 1)}
		l.ch <- struct{}{}
		m.locks[path] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case <-l.ch:
		return func() { m.release(path, l) }, nil
	case <-ctx.Done():
		m.unref(path, l)
		return nil, cache.NewError(cache.ErrResourceExhausted,
			"timed out waiting for path lock", path)
	}
}

// AcquireAll takes the locks for several paths in sorted order, so two
// operations locking overlapping path sets cannot deadlock. Duplicates are
// collapsed. On success the returned release function frees all locks in
// reverse order.
func (m *LockManager) AcquireAll(ctx context.Context, paths ...string) (func(), error) {
	unique := make([]string, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			unique = append(unique, p)
		}
	}
	sort.Strings(unique)

	releases := make([]func(), 0, len(unique))
	for _, p := range unique {
		release, err := m.Acquire(ctx, p)
		if err != nil {
			for i := len(releases) - 1; i >= 0; i-- {
				releases[i]()
			}
			return nil, err
		}
		releases = append(releases, release)
	}

	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}, nil
}

// release returns the token and drops the holder's reference.
func (m *LockManager) release(path string, l *pathLock) {
	l.ch <- struct{}{}
	m.unref(path, l)
}

// unref drops one reference and removes the table entry when unused.
func (m *LockManager) unref(path string, l *pathLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, path)
	}
}
