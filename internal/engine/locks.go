package engine

import "sync"

// lockSet hands out one mutex per instrument so events for the same
// instrument apply strictly sequentially while different instruments
// proceed in parallel. Locks are never removed; the instrument universe is
// small and bounded by the feed.
type lockSet struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockSet() *lockSet {
	return &lockSet{locks: make(map[string]*sync.Mutex)}
}

func (l *lockSet) get(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}
