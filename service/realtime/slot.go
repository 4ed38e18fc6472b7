package realtime

import "sync/atomic"

// Slot holds the latest handler registered for one event source. The
// subscription stays bound to the slot; swapping the handler never
// resubscribes, and a cleared slot silently drops deliveries.
type Slot[T any] struct {
	h atomic.Pointer[func(T)]
}

// NewSlot returns a slot holding h, which may be nil.
func NewSlot[T any](h func(T)) *Slot[T] {
	s := &Slot[T]{}
	s.Set(h)
	return s
}

// Set replaces the handler. A nil handler clears the slot.
func (s *Slot[T]) Set(h func(T)) {
	if h == nil {
		s.h.Store(nil)
		return
	}
	s.h.Store(&h)
}

func (s *Slot[T]) Clear() { s.h.Store(nil) }

// Fire invokes the current handler, reporting whether one was set.
func (s *Slot[T]) Fire(v T) bool {
	if s == nil {
		return false
	}
	p := s.h.Load()
	if p == nil {
		return false
	}
	(*p)(v)
	return true
}
