package router

import (
	"sync"

	"github.com/ggoodman/session-relay/events"
)

// keyedMutex hands out one mutex per session key and frees it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[events.SessionKey]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key events.SessionKey) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[events.SessionKey]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
