// Package locks provides the per-user mutual-exclusion markers used to
// serialize conflicting operations (matching, skip) on one user id. A marker
// is held for the duration of a single logical operation and must be
// released on every exit path. Acquisition never blocks: a held marker means
// another attempt is already in flight and the caller backs off.
package locks

import (
	"context"
	"sync"
)

// Marker key prefixes. Matching and skip use disjoint namespaces so a skip
// never starves an in-flight match attempt for an unrelated user.
const (
	MatchPrefix = "match:"
	SkipPrefix  = "skip:"
)

// Locker is the acquire/release contract shared by the local and the
// distributed implementation. TryAcquire reports whether the marker was
// obtained; false is a normal outcome, not an error.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (bool, error)
	IsHeld(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// LocalLocker implements Locker with an in-process set. Suitable for
// single-instance deployments and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// TryAcquire obtains the marker unless it is already held.
func (l *LocalLocker) TryAcquire(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false, nil
	}
	l.held[key] = struct{}{}
	return true, nil
}

// IsHeld reports whether the marker is currently held.
func (l *LocalLocker) IsHeld(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok, nil
}

// Release drops the marker. Releasing an unheld marker is a no-op.
func (l *LocalLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}
