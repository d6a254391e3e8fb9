package license

import (
	"sync"
	"sync/atomic"
)

// Store holds the process-wide license snapshot. Readers always get a
// complete snapshot: writes replace the whole value through an atomic
// pointer swap.
type Store struct {
	current atomic.Pointer[Snapshot]

	mu     sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
}

// NewStore creates a store seeded with the Unknown snapshot.
func NewStore() *Store {
	s := &Store{subs: make(map[int]chan Snapshot)}
	initial := UnknownSnapshot()
	s.current.Store(&initial)
	return s
}

// Load returns the current snapshot.
func (s *Store) Load() Snapshot {
	return *s.current.Load()
}

// Swap installs next as the current snapshot and publishes it to every
// subscriber. Slow subscribers miss intermediate values but always end up
// with the most recent one.
func (s *Store) Swap(next Snapshot) {
	s.current.Store(&next)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- next:
		default:
			// drop the stale pending value and replace it
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
}

// Subscribe returns a channel receiving every swapped snapshot and a
// function that cancels the subscription and closes the channel.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Snapshot, 1)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// closeAll cancels every subscription.
func (s *Store) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
