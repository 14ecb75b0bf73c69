package syncutil

import "sync"

// KeyedMutex serializes callers that share a key while letting callers with
// distinct keys proceed concurrently. The entitlement validator uses it to
// hold a single writer per entitlement across the read-count-write sequence,
// and the trial gate uses it per device id.
//
// Locks are created on first use and kept for the life of the process; key
// cardinality is bounded by the number of distinct entitlements/devices an
// instance serves.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
}

func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	l := k.locks[key]
	k.mu.Unlock()

	if l != nil {
		l.Unlock()
	}
}
