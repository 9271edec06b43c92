package coordination

import (
	"sync"

	"github.com/carelink-ng/referral/internal/shared/types"
)

// caseLocks serializes work per case while letting different cases run in
// parallel. Entries are dropped once nobody holds or waits for them.
type caseLocks struct {
	mu    sync.Mutex
	locks map[types.ID]*caseLock
}

type caseLock struct {
	sync.Mutex
	refs int
}

func newCaseLocks() *caseLocks {
	return &caseLocks{locks: make(map[types.ID]*caseLock)}
}

// Lock blocks until the case is free and returns the unlock function.
func (l *caseLocks) Lock(id types.ID) func() {
	l.mu.Lock()
	lock, ok := l.locks[id]
	if !ok {
		lock = &caseLock{}
		l.locks[id] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()

		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func (l *caseLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
