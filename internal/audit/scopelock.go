package audit

import (
	"context"
	"sync"
)

// scopeLocks hands out one mutex per scope and forgets it once nobody holds
// or waits for it, so the map only grows with the number of busy scopes.
type scopeLocks struct {
	mu    sync.Mutex
	locks map[string]*scopeLock
}

type scopeLock struct {
	// buffered channel of size 1 used as a mutex that can be abandoned on
	// context cancellation
	sem  chan struct{}
	refs int
}

func newScopeLocks() *scopeLocks {
	return &scopeLocks{locks: make(map[string]*scopeLock)}
}

// lock blocks until the scope is free or ctx is done. The returned function
// releases the lock and must be called exactly once.
func (s *scopeLocks) lock(ctx context.Context, scopeID string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[scopeID]
	if !ok {
		l = &scopeLock{sem: make(chan struct{}, 1)}
		s.locks[scopeID] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		s.release(scopeID, l)
		return nil, ctx.Err()
	}

	return func() {
		<-l.sem
		s.release(scopeID, l)
	}, nil
}

func (s *scopeLocks) release(scopeID string, l *scopeLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, scopeID)
	}
}

// size reports how many scopes currently have a lock entry.
func (s *scopeLocks) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
