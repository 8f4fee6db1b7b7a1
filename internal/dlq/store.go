// Copyright 2025 James Ross
package dlq

import (
	"sync"
	"time"

	"github.com/flyingrobots/spine/internal/event"
)

// DefaultMaxSize is the default bound on the number of entries retained,
// matching spec §3's default of 10,000.
const DefaultMaxSize = 10_000

// Entry pairs a dead-lettered event with why it could not be delivered.
type Entry struct {
	Event     *event.Event
	Reason    string
	FailedAt  time.Time
}

// Store is a bounded, FIFO sink for events the system has given up on.
// When full, the oldest entry is evicted to make room for the newest;
// DroppedCount tallies evictions so callers can detect data loss.
//
// A nil *Store is not valid; use New. Store is always "truthy" (non-nil,
// usable) even when empty, matching spec §3's use-supplied-or-default
// contract — callers construct one with New and pass it around, never a
// bare zero value.
type Store struct {
	mu      sync.Mutex
	maxSize int
	entries []Entry
	dropped int
}

// New creates a FailedEventStore bounded at maxSize entries. maxSize <= 0
// falls back to DefaultMaxSize.
func New(maxSize int) *Store {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Store{maxSize: maxSize}
}

// Add appends an entry, evicting the oldest if the store is at capacity.
func (s *Store) Add(evt *event.Event, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= s.maxSize {
		s.entries = s.entries[1:]
		s.dropped++
	}
	s.entries = append(s.entries, Entry{Event: evt, Reason: reason, FailedAt: time.Now().UTC()})
}

// Entries returns a copy of the stored entries, oldest first.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// DroppedCount returns how many entries have been evicted due to overflow.
func (s *Store) DroppedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Clear empties the store without resetting DroppedCount, returning how
// many entries were discarded.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = nil
	return n
}

// RemoveByEventID removes and returns the first entry whose event ID
// matches id, preserving the order of the remaining entries. The second
// return value is false if no entry matched.
func (s *Store) RemoveByEventID(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.Event.ID() == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return e, true
		}
	}
	return Entry{}, false
}

// MaxSize returns the configured capacity.
func (s *Store) MaxSize() int {
	return s.maxSize
}
