// Package arena provides a fixed-capacity slot allocator addressed by
// generation-checked handles.
//
// All storage is reserved when the arena is created, so Alloc and Free never
// touch the heap. This makes an Arena usable from the driver's interrupt path.
// A Handle carries the generation of the slot it was issued for; once the slot
// is freed, every outstanding copy of that Handle becomes stale and lookups
// through it fail instead of aliasing the slot's next occupant.
//
// An Arena is not safe for concurrent use. The driver guards each arena with
// its controller lock.
package arena

// Handle identifies one allocation in an Arena. The zero Handle is never
// issued and is always invalid.
type Handle struct {
	index uint32
	gen   uint32
}

// Nil is the zero Handle.
var Nil Handle

// IsNil reports whether h is the zero Handle.
func (h Handle) IsNil() bool {
	return h.gen == 0
}

// Index returns the slot index of h.
func (h Handle) Index() int {
	return int(h.index)
}

type slot[T any] struct {
	value T
	gen   uint32 // odd while occupied
	used  bool
}

// Arena is a pool of up to Cap values of type T.
type Arena[T any] struct {
	slots []slot[T]
	free  []uint32 // stack of free slot indices
	live  int
}

// New returns an arena with room for capacity values.
func New[T any](capacity int) *Arena[T] {
	if capacity < 0 {
		capacity = 0
	}
	a := &Arena[T]{
		slots: make([]slot[T], capacity),
		free:  make([]uint32, capacity),
	}
	// Lowest index is handed out first.
	for i := range a.free {
		a.free[i] = uint32(capacity - 1 - i)
	}
	return a
}

// Alloc reserves a zeroed slot and returns its handle and a pointer to the
// value. It returns false when the arena is full.
func (a *Arena[T]) Alloc() (Handle, *T, bool) {
	n := len(a.free)
	if n == 0 {
		return Nil, nil, false
	}
	idx := a.free[n-1]
	a.free = a.free[:n-1]

	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen++
	}
	s.used = true
	a.live++
	return Handle{index: idx, gen: s.gen}, &s.value, true
}

// Get returns the value for h, or false if h is stale or invalid.
func (a *Arena[T]) Get(h Handle) (*T, bool) {
	if h.IsNil() || int(h.index) >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[h.index]
	if !s.used || s.gen != h.gen {
		return nil, false
	}
	return &s.value, true
}

// Free releases the slot for h and zeroes its value. It returns false if h is
// stale or invalid, so a double free is detected rather than corrupting the
// free list.
func (a *Arena[T]) Free(h Handle) bool {
	if _, ok := a.Get(h); !ok {
		return false
	}
	s := &a.slots[h.index]
	var zero T
	s.value = zero
	s.used = false
	// Bump on free as well so the freed handle stays stale even if the
	// slot is never reallocated.
	s.gen++
	a.free = append(a.free, h.index)
	a.live--
	return true
}

// Len returns the number of live values.
func (a *Arena[T]) Len() int {
	return a.live
}

// Cap returns the arena capacity.
func (a *Arena[T]) Cap() int {
	return len(a.slots)
}

// Each calls fn for every live value in slot order, starting at slot index
// start and wrapping around. Iteration stops when fn returns false.
func (a *Arena[T]) Each(start int, fn func(Handle, *T) bool) {
	n := len(a.slots)
	if n == 0 {
		return
	}
	if start < 0 || start >= n {
		start = 0
	}
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		s := &a.slots[idx]
		if !s.used {
			continue
		}
		if !fn(Handle{index: uint32(idx), gen: s.gen}, &s.value) {
			return
		}
	}
}
