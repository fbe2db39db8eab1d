package watch

import (
	"sync"
	"time"
)

// Suppressor tracks paths the organizer is about to touch so its own
// renames do not re-enter the pipeline as fresh events. Entries expire
// after the suppression window in case an expected event never arrives.
type Suppressor struct {
	window time.Duration
	mu     sync.Mutex
	paths  map[string]time.Time
}

// NewSuppressor creates a suppressor with the given expiry window.
func NewSuppressor(window time.Duration) *Suppressor {
	return &Suppressor{
		window: window,
		paths:  make(map[string]time.Time),
	}
}

// Add marks a path as self-initiated until the window expires.
func (s *Suppressor) Add(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[path] = time.Now().Add(s.window)
}

// Remove drops a suppression entry, for announced moves that never
// happened.
func (s *Suppressor) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paths, path)
}

// Suppressed reports whether an event for path should be dropped, and
// consumes the entry when it matches.
func (s *Suppressor) Suppressed(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune()

	deadline, ok := s.paths[path]
	if !ok {
		return false
	}
	delete(s.paths, path)
	return time.Now().Before(deadline)
}

// prune drops expired entries. Caller holds the lock.
func (s *Suppressor) prune() {
	now := time.Now()
	for path, deadline := range s.paths {
		if now.After(deadline) {
			delete(s.paths, path)
		}
	}
}

// Len returns the number of live suppression entries.
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	return len(s.paths)
}
