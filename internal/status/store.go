package status

import (
	"sync"
	"time"
)

// Store holds the one live Snapshot. Every write replaces the whole value
// under the lock, so readers observe either the previous or the next
// snapshot and never a mix of both.
type Store struct {
	mu      sync.RWMutex
	current Snapshot
	version uint64
	now     func() time.Time
}

// NewStore creates a store holding Initial().
func NewStore() *Store {
	return &Store{
		current: Initial(),
		now:     time.Now,
	}
}

// Get returns the current snapshot.
func (s *Store) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Version counts writes since creation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Set replaces the snapshot and returns the stored value (with UpdatedAt
// and Seq stamped).
func (s *Store) Set(next Snapshot) Snapshot {
	return s.Update(func(Snapshot) Snapshot { return next })
}

// Update computes the next snapshot from the current one and stores it
// atomically. fn runs under the write lock and must not block.
func (s *Store) Update(fn func(prev Snapshot) Snapshot) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := fn(s.current)
	s.version++
	next.UpdatedAt = s.now()
	next.Seq = s.version
	s.current = next
	return next
}
