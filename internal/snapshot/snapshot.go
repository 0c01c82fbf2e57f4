// Package snapshot holds full-replace results of server fetches.
//
// A Set keeps one value per key (a conversation, a group). Every Apply
// replaces the previous value wholesale, so the held value is always the
// payload of the last applied response. Views add a discard rule: a fetch
// that began before its view was closed is never applied.
package snapshot

import "sync"

// Ticket is taken before a fetch and presented when applying its result.
type Ticket struct {
	gen uint64
}

type entry[V any] struct {
	value   V
	version uint64
}

// Set is a keyed collection of snapshots. Values are copied on the way in
// and out with the clone func supplied to NewSet.
type Set[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]*entry[V]
	open    map[K]int
	gens    map[K]uint64
	clone   func(V) V
}

// NewSet creates an empty set. A nil clone copies values by assignment.
func NewSet[K comparable, V any](clone func(V) V) *Set[K, V] {
	if clone == nil {
		clone = func(v V) V { return v }
	}
	return &Set[K, V]{
		entries: make(map[K]*entry[V]),
		open:    make(map[K]int),
		gens:    make(map[K]uint64),
		clone:   clone,
	}
}

// Begin returns a ticket for a fetch of key.
func (s *Set[K, V]) Begin(key K) Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Ticket{gen: s.gens[key]}
}

// Apply installs v as the snapshot for key unless the view was closed since
// t was taken. It reports whether v was applied.
func (s *Set[K, V]) Apply(key K, t Ticket, v V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[key] != t.gen {
		return false
	}
	e := s.entries[key]
	if e == nil {
		e = &entry[V]{}
		s.entries[key] = e
	}
	e.value = s.clone(v)
	e.version++
	return true
}

// Get returns a copy of the snapshot for key.
func (s *Set[K, V]) Get(key K) (v V, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.entries[key]
	if e == nil {
		return v, false
	}
	return s.clone(e.value), true
}

// versionOf counts the applies to key since it was last dropped.
func (s *Set[K, V]) versionOf(key K) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.entries[key]; e != nil {
		return e.version
	}
	return 0
}

// Open marks key as displayed. Opens nest; each needs a matching Close.
func (s *Set[K, V]) Open(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[key]++
}

// Close releases one Open. When the last view of key closes, its snapshot
// is dropped and fetches begun earlier are discarded on Apply.
func (s *Set[K, V]) Close(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.open[key]
	if n == 0 {
		return
	}
	if n > 1 {
		s.open[key] = n - 1
		return
	}
	delete(s.open, key)
	delete(s.entries, key)
	s.gens[key]++
}

// isOpen reports whether key has an open view.
func (s *Set[K, V]) isOpen(key K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open[key] > 0
}

// Value is a single snapshot without views.
type Value[V any] struct {
	mu      sync.RWMutex
	value   V
	version uint64
	clone   func(V) V
}

// NewValue creates an empty value holder.
func NewValue[V any](clone func(V) V) *Value[V] {
	if clone == nil {
		clone = func(v V) V { return v }
	}
	return &Value[V]{clone: clone}
}

// Set replaces the held value.
func (h *Value[V]) Set(v V) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.value = h.clone(v)
	h.version++
}

// Get returns a copy of the held value and its version. Version 0 means never set.
func (h *Value[V]) Get() (V, uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clone(h.value), h.version
}
