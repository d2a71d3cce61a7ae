// Package wsdeque implements a Chase-Lev work-stealing deque: the owner
// pushes and pops at the back (LIFO, for cache locality), while thieves pop
// from the front (FIFO) to spread work across workers that run out of their
// own.
//
// Shape is grounded on the teacher's WorkStealingDeque[T]
// (go-foundations/workerpool's workerpool.go and strategies/work_stealing.go)
// generalized from a mutex-guarded prototype to the real Chase-Lev atomic
// index protocol, cross-checked against the atomic-index variant in
// ha1tch/ual's worksteal.go and the original GTS WorkStealingDeque_ChaseLev.h
// this spec was distilled from.
package wsdeque

import (
	"sync"

	"go.uber.org/atomic"
)

// maxCapacity bounds ring growth; exceeding it reports a push failure rather
// than growing unboundedly.
const maxCapacity = 1 << 24

type ring[T any] struct {
	mask int64
	buf  []T
}

func newRing[T any](capacity int64) *ring[T] {
	return &ring[T]{mask: capacity - 1, buf: make([]T, capacity)}
}

func (r *ring[T]) capacity() int64 { return r.mask + 1 }

func (r *ring[T]) load(i int64) T { return r.buf[i&r.mask] }

func (r *ring[T]) store(i int64, v T) { r.buf[i&r.mask] = v }

func nextPow2(n int64) int64 {
	p := int64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Deque is a single-owner, multi-thief work-stealing deque. Only the owning
// goroutine may call TryPush/TryPop; any goroutine may call TrySteal.
type Deque[T any] struct {
	back  atomic.Int64
	front atomic.Int64
	ring  atomic.Pointer[ring[T]]

	// growLock serializes ring growth: the copy of live elements into the
	// new ring and the swap of the ring pointer. TrySteal never takes it and
	// may read the old ring during a growth, which the arena below keeps
	// valid. It is never held by the owner outside of a growth;
	// TryPush/TryPop are otherwise lock-free on their fast path.
	growLock sync.Mutex

	// arena retains every ring this deque has ever grown into, for the
	// lifetime of the deque. A thief that loaded a stale ring pointer just
	// before a growth may still be mid-read of it; freeing a ring early
	// would make that read a use-after-free. Go's GC would reclaim an
	// unreferenced ring safely on its own, but retaining the arena keeps the
	// growth protocol faithful to the spec's "never free early" invariant
	// and makes the lifetime explicit rather than incidental.
	arena []*ring[T]
}

// New constructs a Deque with the given initial capacity, rounded up to the
// next power of two; a capacity below 2 is replaced by 64.
func New[T any](initialCapacity int64) *Deque[T] {
	if initialCapacity < 2 {
		initialCapacity = 64
	}
	cap := nextPow2(initialCapacity)
	d := &Deque[T]{}
	r := newRing[T](cap)
	d.ring.Store(r)
	d.arena = append(d.arena, r)
	return d
}

// Len reports the deque's approximate current size. Safe to call from any
// goroutine; may be stale the instant it returns.
func (d *Deque[T]) Len() int64 {
	b := d.back.Load()
	f := d.front.Load()
	if b < f {
		return 0
	}
	return b - f
}

// Empty reports whether the deque currently holds no elements.
func (d *Deque[T]) Empty() bool { return d.Len() <= 0 }

// TryPush pushes v onto the back of the deque. Owner-only. Returns false if
// the deque has grown to maxCapacity and still cannot fit v.
func (d *Deque[T]) TryPush(v T) bool {
	b := d.back.Load()
	f := d.front.Load()
	r := d.ring.Load()
	if b-f >= r.capacity() {
		if !d.grow(b, f) {
			return false
		}
		r = d.ring.Load()
	}
	r.store(b, v)
	d.back.Store(b + 1)
	return true
}

func (d *Deque[T]) grow(b, f int64) bool {
	d.growLock.Lock()
	defer d.growLock.Unlock()

	old := d.ring.Load()
	if old.capacity() > b-f {
		// Another call already grew this deque (can only happen if the
		// owner recurses, which it doesn't; kept for safety).
		return true
	}
	newCap := old.capacity() * 2
	if newCap > maxCapacity {
		return false
	}
	nr := newRing[T](newCap)
	for i := f; i < b; i++ {
		nr.store(i, old.load(i))
	}
	d.arena = append(d.arena, nr)
	d.ring.Store(nr)
	return true
}

// TryPop pops from the back of the deque. Owner-only.
func (d *Deque[T]) TryPop() (T, bool) {
	var zero T
	b := d.back.Load() - 1
	d.back.Store(b)
	f := d.front.Load()

	if b < f {
		d.back.Store(f)
		return zero, false
	}

	r := d.ring.Load()
	v := r.load(b)

	if b > f {
		return v, true
	}

	// Exactly one element left: race a concurrent thief for it.
	if !d.front.CompareAndSwap(f, f+1) {
		// Lost the race; a thief took it.
		d.back.Store(f + 1)
		return zero, false
	}
	d.back.Store(f + 1)
	return v, true
}

// TrySteal pops from the front of the deque. Safe to call concurrently from
// any number of thief goroutines, and concurrently with the owner's
// TryPush/TryPop.
func (d *Deque[T]) TrySteal() (T, bool) {
	var zero T
	for {
		f := d.front.Load()
		b := d.back.Load()
		if f >= b {
			return zero, false
		}
		r := d.ring.Load()
		v := r.load(f)
		if d.front.CompareAndSwap(f, f+1) {
			return v, true
		}
		// Lost the race to another thief (or the owner's single-element
		// pop); retry against the now-current front.
	}
}
