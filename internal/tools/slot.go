package tools

import "sync"

// Slot is a late-binding dependency handle. Some tools target
// components constructed after the registry (the scheduler needs the
// transport, the transport needs the registry); those tools hold a
// Slot at registration time and read it at call time instead.
type Slot[T any] struct {
	mu    sync.RWMutex
	value T
	set   bool
}

// NewSlot returns an empty slot.
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{}
}

// Fill stores the dependency. Later fills replace earlier ones.
func (s *Slot[T]) Fill(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
	s.set = true
}

// Get returns the dependency and whether it has been filled.
func (s *Slot[T]) Get() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.set
}
