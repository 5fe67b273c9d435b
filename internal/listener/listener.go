// Package listener implements the per-instance observer registries used by
// the leader and cache recipes.
package listener

import (
	"sort"
	"sync"
)

// Set is a registry of listeners of type T. Listeners are invoked in
// registration order.
type Set[T any] struct {
	mu   sync.Mutex
	next int
	m    map[int]T
}

// Add registers l and returns an ID that can be passed to Remove.
func (s *Set[T]) Add(l T) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.m == nil {
		s.m = map[int]T{}
	}
	s.next++
	s.m[s.next] = l

	return s.next
}

// Remove unregisters the listener with the given ID.
func (s *Set[T]) Remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

// Len returns the number of registered listeners.
func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// Each calls fn for every registered listener. The registry isn't locked
// while fn runs, so listeners may add or remove listeners.
func (s *Set[T]) Each(fn func(T)) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.m))
	for id := range s.m {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	ls := make([]T, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, s.m[id])
	}
	s.mu.Unlock()

	for _, l := range ls {
		fn(l)
	}
}
