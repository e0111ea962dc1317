package mutation

import (
	"sync"

	"github.com/roach88/lofi/internal/ir"
)

// entityLocks serializes writers per entity. Entries are reference counted
// and removed when the last holder unlocks.
type entityLocks struct {
	mu    sync.Mutex
	locks map[ir.Key]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

func newEntityLocks() *entityLocks {
	return &entityLocks{locks: make(map[ir.Key]*entityLock)}
}

// Lock blocks until the caller is the only writer of key and returns the
// unlock function.
func (l *entityLocks) Lock(key ir.Key) func() {
	l.mu.Lock()
	el, ok := l.locks[key]
	if !ok {
		el = &entityLock{}
		l.locks[key] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()
	return func() {
		el.mu.Unlock()
		l.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of keys currently locked or waited on.
func (l *entityLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
