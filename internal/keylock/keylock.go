// Package keylock provides one mutex per key, created on demand and dropped
// once nobody holds or waits for it.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Locks[K comparable] struct {
	mu sync.Mutex
	m  map[K]*entry
}

func New[K comparable]() *Locks[K] {
	return &Locks[K]{m: make(map[K]*entry)}
}

// Lock blocks until the key is free and returns the matching unlock func.
func (l *Locks[K]) Lock(key K) func() {
	l.mu.Lock()
	e, ok := l.m[key]
	if !ok {
		e = &entry{}
		l.m[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, key)
		}
		l.mu.Unlock()
	}
}

// Len is the number of keys currently held or awaited.
func (l *Locks[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
