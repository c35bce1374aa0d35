// Package keylock provides per-key mutual exclusion. The execution engine,
// settlement worker, and reconciler all take the same position-level lock
// before mutating a position, so concurrent writers cannot lose updates.
package keylock

import "sync"

// KeyedMutex serializes access per key. Locks are created on first use and
// retained; the key space here is markets, which is small and bounded.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty KeyedMutex.
func New() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function. The
// returned func is safe to call exactly once, typically via defer.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
