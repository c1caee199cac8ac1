package bus

// ring is a bounded append-only buffer that evicts oldest entries first.
// Not safe for concurrent use; the bus guards it.
type ring[T any] struct {
	capacity int
	items    []T
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{capacity: capacity}
}

func (r *ring[T]) push(v T) {
	r.items = append(r.items, v)
	if len(r.items) > r.capacity {
		overflow := len(r.items) - r.capacity
		r.items = append(r.items[:0:0], r.items[overflow:]...)
	}
}

// snapshot returns a copy, never a live reference.
func (r *ring[T]) snapshot() []T {
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

func (r *ring[T]) len() int {
	return len(r.items)
}

// removeFirst removes and returns the first entry matching the predicate.
func (r *ring[T]) removeFirst(match func(T) bool) (T, bool) {
	for i, v := range r.items {
		if match(v) {
			r.items = append(r.items[:i:i], r.items[i+1:]...)
			return v, true
		}
	}
	var zero T
	return zero, false
}

func (r *ring[T]) clear() {
	r.items = nil
}
