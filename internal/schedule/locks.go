// locks.go — Keyed per-page mutexes.
// Jobs for different pages run in parallel; two crawls of the same page must
// not. The lock guards only the read-decide-update triplet around SourcePage
// state — callers must never hold it across network I/O.
package schedule

import "sync"

// KeyedLocks hands out one mutex per key. Locks are created on first use and
// never discarded; the key space is the page inventory, which is bounded.
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedLocks returns an empty lock map.
func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it if needed.
func (k *KeyedLocks) Lock(key string) {
	k.get(key).Lock()
}

// Unlock releases the mutex for key. Panics if the key was never locked,
// which is a caller bug.
func (k *KeyedLocks) Unlock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	k.mu.Unlock()
	if !ok {
		panic("schedule: unlock of unknown key " + key)
	}
	m.Unlock()
}

func (k *KeyedLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
