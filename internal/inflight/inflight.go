// Package inflight prevents duplicate submission of a mutation while an
// identical one is still pending.
package inflight

import (
	"fmt"
	"sync"

	"github.com/matheus3301/howudoin/internal/apierr"
)

// HeldError is returned when the same operation on the same target is pending.
// It matches apierr.ErrInFlight.
type HeldError struct {
	Key string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, apierr.ErrInFlight)
}

func (e *HeldError) Is(target error) bool {
	return target == apierr.ErrInFlight
}

// Key joins an operation name and its target, e.g. "send:bob@example.com".
func Key(op, target string) string {
	return op + ":" + target
}

// Guard tracks pending operations by key. The zero value is ready to use.
type Guard struct {
	mu      sync.Mutex
	pending map[string]struct{}
}

// Slot is an acquired key.
type Slot struct {
	g    *Guard
	key  string
	once sync.Once
}

// Acquire claims key, or fails with *HeldError when it is already claimed.
func (g *Guard) Acquire(key string) (*Slot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.pending[key]; held {
		return nil, &HeldError{Key: key}
	}
	if g.pending == nil {
		g.pending = make(map[string]struct{})
	}
	g.pending[key] = struct{}{}
	return &Slot{g: g, key: key}, nil
}

// Busy reports whether key is claimed.
func (g *Guard) Busy(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, held := g.pending[key]
	return held
}

// claimed returns the number of claimed keys.
func (g *Guard) claimed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Release frees the slot. Safe to call on nil receiver and more than once.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.g.mu.Lock()
		delete(s.g.pending, s.key)
		s.g.mu.Unlock()
	})
}
