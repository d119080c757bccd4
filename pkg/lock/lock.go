// Package lock serializes ledger writers per organization.
//
// KeyedMutex covers a single process. RedisLocker extends the same guarantee
// across API replicas that share one database.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrLockTimeout is returned when the context ends before the lock is acquired.
var ErrLockTimeout = errors.New("timed out waiting for lock")

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

// Locker hands out exclusive locks by key.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// KeyedMutex is an in-process Locker. Entries are reference counted and
// removed once nobody holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (Unlock, error) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				m.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		m.release(key, e)
		return nil, fmt.Errorf("%w %q: %v", ErrLockTimeout, key, ctx.Err())
	}
}

func (m *KeyedMutex) release(key string, e *keyedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// held reports how many keys currently have holders or waiters.
func (m *KeyedMutex) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
