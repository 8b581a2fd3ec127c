package session

import "sync"

// Store holds the most recently observed snapshot per session id. It exists
// purely as the diffing baseline; it is never authoritative. The poller is
// the only writer, replacing the full set after each successful diff. Reads
// from the HTTP surface are allowed concurrently.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

func NewStore() *Store {
	return &Store{snapshots: make(map[string]Snapshot)}
}

// Current returns the stored snapshot set. The returned map is the store's
// own; callers must treat it as read-only and must not retain it across a
// Replace. The poller uses it as the "previous" side of a diff before
// replacing it.
func (s *Store) Current() map[string]Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots
}

// Replace swaps in a new full snapshot set. Ids absent from the new set are
// gone for good; a later reappearance of the same id is a fresh creation.
func (s *Store) Replace(current []Snapshot) {
	next := make(map[string]Snapshot, len(current))
	for _, snap := range current {
		next[snap.ID] = snap
	}

	s.mu.Lock()
	s.snapshots = next
	s.mu.Unlock()
}

// Len returns the number of tracked sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}
