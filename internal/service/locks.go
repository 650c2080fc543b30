package service

import "sync"

// shipLocks hands out one mutex per ship. Entries are reference counted and
// dropped once nobody holds or waits for them.
type shipLocks struct {
	mu    sync.Mutex
	locks map[int64]*shipLock
}

type shipLock struct {
	mu   sync.Mutex
	refs int
}

func newShipLocks() *shipLocks {
	return &shipLocks{locks: make(map[int64]*shipLock)}
}

// lock blocks until the caller owns the ship and returns the release func
func (l *shipLocks) lock(id int64) func() {
	l.mu.Lock()
	entry, ok := l.locks[id]
	if !ok {
		entry = &shipLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *shipLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
