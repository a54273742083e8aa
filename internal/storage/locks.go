package storage

import "sync"

// HandleLocks hands out one mutex per handle. Entries are reference
// counted and dropped when the last holder unlocks, so the map only
// grows with concurrently active handles.
type HandleLocks struct {
	mu    sync.Mutex
	locks map[string]*handleLock
}

type handleLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until the caller holds handle's lock and returns the
// matching unlock func.
func (l *HandleLocks) Lock(handle string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*handleLock)
	}
	hl, ok := l.locks[handle]
	if !ok {
		hl = &handleLock{}
		l.locks[handle] = hl
	}
	hl.refs++
	l.mu.Unlock()

	hl.mu.Lock()
	return func() {
		hl.mu.Unlock()
		l.mu.Lock()
		hl.refs--
		if hl.refs == 0 {
			delete(l.locks, handle)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of handles currently locked or waited on.
func (l *HandleLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
