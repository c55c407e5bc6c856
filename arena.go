package pybridge

import "sync"

// Ref addresses one arena slot. Gen distinguishes successive occupants of a
// reused slot, so a stale Ref never reaches a newer entry.
type Ref struct {
	Index uint32
	Gen   uint64
}

type slot[T any] struct {
	gen      uint64
	occupied bool
	value    T
}

// Arena stores entries in a dense slice and recycles freed slots through a
// free list. Every insert takes a new generation from a counter that only
// grows, so generations are unique for the arena's lifetime even when slots
// are reused. Remove is the only way an entry leaves the arena.
//
// Arena is safe for concurrent use.
type Arena[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	gen   uint64
	live  int
}

// NewArena returns an empty arena.
func NewArena[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Insert stores v and returns its reference.
func (a *Arena[T]) Insert(v T) Ref {
	return a.InsertWith(func(Ref) T { return v })
}

// InsertWith stores the value build returns from the new entry's reference,
// for entries that embed their own address.
func (a *Arena[T]) InsertWith(build func(Ref) T) Ref {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.gen++
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[T]{})
		idx = uint32(len(a.slots) - 1)
	}
	r := Ref{Index: idx, Gen: a.gen}
	a.slots[idx] = slot[T]{gen: a.gen, occupied: true, value: build(r)}
	a.live++
	return r
}

// Get returns the entry for r, if it is still live.
func (a *Arena[T]) Get(r Ref) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var zero T
	if int(r.Index) >= len(a.slots) {
		return zero, false
	}
	s := a.slots[r.Index]
	if !s.occupied || s.gen != r.Gen {
		return zero, false
	}
	return s.value, true
}

// Remove frees r's slot and returns the entry it held. Removing a stale or
// already removed reference reports false and changes nothing.
func (a *Arena[T]) Remove(r Ref) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var zero T
	if int(r.Index) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[r.Index]
	if !s.occupied || s.gen != r.Gen {
		return zero, false
	}
	v := s.value
	*s = slot[T]{gen: s.gen}
	a.free = append(a.free, r.Index)
	a.live--
	return v, true
}

// Len returns the number of live entries.
func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
