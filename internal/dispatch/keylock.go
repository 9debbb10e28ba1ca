package dispatch

import (
	"context"
	"sync"
)

// Locker serializes work per key. The returned function releases the key.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type keyEntry struct {
	sem  chan struct{}
	refs int
}

// KeyLock serializes work per key. Entries are reference counted and
// removed when the last holder or waiter leaves, so the map only holds keys
// that are in use.
type KeyLock struct {
	mu      sync.Mutex
	entries map[string]*keyEntry
}

// NewKeyLock creates an empty lock table.
func NewKeyLock() *KeyLock {
	return &KeyLock{entries: make(map[string]*keyEntry)}
}

// Lock blocks until key is free or ctx is done. On success the returned
// function releases the key and must be called exactly once.
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &keyEntry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				l.leave(key, e)
			})
		}, nil
	case <-ctx.Done():
		l.leave(key, e)
		return nil, ctx.Err()
	}
}

func (l *KeyLock) leave(key string, e *keyEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (l *KeyLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
