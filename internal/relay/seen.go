package relay

import (
	"sync"
	"time"
)

// SeenSet is a TTL set of native message ids. Connectors use it to
// suppress duplicate inbound delivery and to recognize messages the hub
// itself caused to be sent, so relayed messages never loop back in as new
// inbound events.
type SeenSet struct {
	ttl time.Duration

	mu  sync.Mutex
	ids map[string]time.Time
}

// NewSeenSet creates a set whose entries expire after ttl.
func NewSeenSet(ttl time.Duration) *SeenSet {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SeenSet{ttl: ttl, ids: make(map[string]time.Time)}
}

// Add marks id as seen.
func (s *SeenSet) Add(id string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(now)
	s.ids[id] = now.Add(s.ttl)
}

// CheckAndAdd reports whether id was already seen, marking it either way.
func (s *SeenSet) CheckAndAdd(id string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep(now)
	_, seen := s.ids[id]
	s.ids[id] = now.Add(s.ttl)
	return seen
}

// Contains reports whether id is currently marked seen.
func (s *SeenSet) Contains(id string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.ids[id]
	return ok && exp.After(now)
}

func (s *SeenSet) sweep(now time.Time) {
	for id, exp := range s.ids {
		if exp.Before(now) {
			delete(s.ids, id)
		}
	}
}
