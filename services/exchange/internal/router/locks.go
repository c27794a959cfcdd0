package router

import "sync"

// tokenLocks is an arena of per-token mutexes, created on first access.
// Two orders for the same token serialize their quote/execute critical
// sections; orders for different tokens proceed in parallel.
type tokenLocks struct {
	mu    sync.RWMutex
	locks map[string]*sync.Mutex
}

func newTokenLocks() *tokenLocks {
	return &tokenLocks{locks: make(map[string]*sync.Mutex)}
}

func (t *tokenLocks) get(token string) *sync.Mutex {
	t.mu.RLock()
	l := t.locks[token]
	t.mu.RUnlock()
	if l != nil {
		return l
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	l = t.locks[token]
	if l == nil {
		l = &sync.Mutex{}
		t.locks[token] = l
	}
	return l
}
