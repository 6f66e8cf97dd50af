package activation

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Change reports an owner entering or leaving the set.
type Change struct {
	Owner  string    `json:"owner"`
	Active bool      `json:"active"`
	At     time.Time `json:"at"`
}

// Set holds the owners for which automatic todo execution is permitted.
// The zero value is not usable; call NewSet.
type Set struct {
	mu     sync.RWMutex
	owners map[string]struct{}
	subs   map[int]chan Change
	nextID int
}

func NewSet(owners ...string) *Set {
	s := &Set{
		owners: make(map[string]struct{}, len(owners)),
		subs:   make(map[int]chan Change),
	}
	for _, owner := range owners {
		if owner = strings.TrimSpace(owner); owner != "" {
			s.owners[owner] = struct{}{}
		}
	}
	return s
}

func (s *Set) Contains(owner string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.owners[strings.TrimSpace(owner)]
	return ok
}

// Activate adds owner and reports whether it was newly added.
func (s *Set) Activate(owner string) bool {
	return s.set(owner, true)
}

// Deactivate removes owner. Work already executing for it is not aborted.
func (s *Set) Deactivate(owner string) bool {
	return s.set(owner, false)
}

func (s *Set) set(owner string, active bool) bool {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, present := s.owners[owner]
	if present == active {
		return false
	}
	if active {
		s.owners[owner] = struct{}{}
	} else {
		delete(s.owners, owner)
	}
	s.publishLocked(Change{Owner: owner, Active: active, At: time.Now().UTC()})
	return true
}

// Owners returns the active owners sorted.
func (s *Set) Owners() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.owners))
	for owner := range s.owners {
		out = append(out, owner)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *Set) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, 64)
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *Set) publishLocked(c Change) {
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
