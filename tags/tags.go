// Package tags tracks ad-hoc tags attached to a running test invocation.
//
// Go has no thread-local storage, so a Scope is keyed by an explicit
// invocation key (the testing.TB in the testing adapter). The lifecycle for
// a key is Init, any number of Add calls, Snapshot, then Remove.
package tags

import (
	"sync"
)

// Default is the process-wide scope used by the reporter.
var Default = NewScope()

// Scope is a set of tags per invocation key, safe for concurrent use.
type Scope struct {
	mu   sync.Mutex
	sets map[any]map[string]struct{}
}

func NewScope() *Scope {
	return &Scope{sets: make(map[any]map[string]struct{})}
}

// Init allocates an empty tag set for key, replacing any previous one.
func (s *Scope) Init(key any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[key] = make(map[string]struct{})
}

// Add records tags for key. Calls for a key that was never initialized are
// silently discarded. Tags are stored raw; comma-splitting and case
// normalization happen when the record is built.
func (s *Scope) Add(key any, tags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return
	}
	for _, tag := range tags {
		set[tag] = struct{}{}
	}
}

// Snapshot returns a copy of the tags recorded for key, or nil.
func (s *Scope) Snapshot(key any) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for tag := range set {
		out = append(out, tag)
	}
	return out
}

// Remove releases the tag set for key.
func (s *Scope) Remove(key any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets, key)
}

// Len returns the number of live keys.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sets)
}
