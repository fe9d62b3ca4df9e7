// Package xsync provides a per-key mutex for serializing work on one account
// or one order inside a process.
package xsync

import "sync"

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex locks by key. Entries are dropped once nobody holds or waits
// on them, so the map stays as small as the set of keys in use.
type KeyedMutex[K comparable] struct {
	mu sync.Mutex
	m  map[K]*keyedEntry
}

func NewKeyedMutex[K comparable]() *KeyedMutex[K] {
	return &KeyedMutex[K]{m: make(map[K]*keyedEntry)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *KeyedMutex[K]) Lock(key K) (unlock func()) {
	k.mu.Lock()
	e, ok := k.m[key]
	if !ok {
		e = &keyedEntry{}
		k.m[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.m, key)
			}
			k.mu.Unlock()
		})
	}
}

// Len is the number of keys currently held or waited on.
func (k *KeyedMutex[K]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}
