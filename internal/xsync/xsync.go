// Package xsync holds the small concurrency primitives shared across the
// runtime: a keyed mutex, a keyed single-flight group, and an atomic
// per-session sequence counter.
package xsync

import (
	"sync"
	"sync/atomic"
)

// KeyedMutex provides a mutex per string key. Used to serialize installs per
// package and OAuth refreshes per provider.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the mutex for key, blocking until it is available.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()
	l.mu.Lock()
}

// Unlock releases the mutex for key. The entry is removed once no goroutine
// holds or waits on it.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	l := k.locks[key]
	if l != nil {
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
	}
	k.mu.Unlock()
	if l != nil {
		l.mu.Unlock()
	}
}

// Group deduplicates concurrent calls with the same key: the first caller
// runs fn, later callers with the same key wait and receive the same result.
type Group struct {
	mu    sync.Mutex
	calls map[string]*call
}

type call struct {
	done chan struct{}
	val  any
	err  error
}

func NewGroup() *Group {
	return &Group{calls: make(map[string]*call)}
}

// Do runs fn once per in-flight key, returning the shared result.
func (g *Group) Do(key string, fn func() (any, error)) (any, error) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		<-c.done
		return c.val, c.err
	}
	c := &call{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
	close(c.done)
	return c.val, c.err
}

// Seq is a monotonically increasing counter safe for concurrent use.
type Seq struct {
	n atomic.Int64
}

// Next returns the next value, starting at 1.
func (s *Seq) Next() int64 {
	return s.n.Add(1)
}

// Current returns the last issued value.
func (s *Seq) Current() int64 {
	return s.n.Load()
}
