package engine

import (
	"context"
	"sync"
	"time"

	"meterline/internal/status"
)

// lockTable serializes lifecycle operations per entity id. Locks are
// short-lived: held for one read-validate-write sequence, never across a
// parent recompute. The child lock is always released before the parent's
// is taken, so lock ordering cannot deadlock.
type lockTable struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{slots: make(map[string]chan struct{})}
}

func (l *lockTable) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}

// acquire blocks until the entity lock is free, the timeout elapses, or ctx
// is cancelled. On success the returned func releases the lock.
func (l *lockTable) acquire(ctx context.Context, kind status.Kind, id string, timeout time.Duration) (func(), error) {
	s := l.slot(string(kind) + ":" + id)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-timer.C:
		return nil, &BusyError{Kind: kind, EntityID: id}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
