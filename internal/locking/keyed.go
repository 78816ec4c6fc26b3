// Package locking provides per-key mutual exclusion so writers targeting the
// same logical ledger key serialize while independent keys proceed in
// parallel.
package locking

import "sync"

// KeyedMutex guards read-modify-write sequences scoped to a string key.
// The zero value is ready to use.
type KeyedMutex struct {
	locks sync.Map
}

// Lock acquires the mutex for the given key, creating it on first use.
// Mutexes are retained for the lifetime of the KeyedMutex; the key space is
// bounded by the active user/chat population.
func (m *KeyedMutex) Lock(key string) {
	m.mutexFor(key).Lock()
}

// Unlock releases the mutex for the given key.
func (m *KeyedMutex) Unlock(key string) {
	m.mutexFor(key).Unlock()
}

func (m *KeyedMutex) mutexFor(key string) *sync.Mutex {
	if existing, ok := m.locks.Load(key); ok {
		return existing.(*sync.Mutex)
	}
	entry, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	return entry.(*sync.Mutex)
}
