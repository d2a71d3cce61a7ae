// Package queue implements the two secondary work sources a LocalScheduler
// consults after its own deque runs dry: a per-worker affinity queue (many
// producers, one consumer: the worker it is pinned to) and a per-priority
// overflow queue shared by a whole MicroScheduler (many producers, many
// consumers: any of its workers).
//
// Both are unbounded ring buffers that grow on full, matching spec.md §4.2.
// The steady-state push/pop path is the classic Dmitry Vyukov bounded MPMC
// ring (per-cell sequence numbers instead of a single shared head/tail lock)
// so producers and consumers only ever contend on individual cells; growth
// is the one locked section (a producer that finds the buffer full waits on
// the growth mutex, then retries against the current buffer), mirroring the
// teacher's WorkStealingDeque.grow doubling shape generalized from a single
// owner to many.
package queue

import (
	"runtime"
	"sync"

	"go.uber.org/atomic"
)

type cell[T any] struct {
	seq atomic.Uint64
	val T
}

type buffer[T any] struct {
	mask  uint64
	cells []cell[T]
}

func newBuffer[T any](capacity uint64) *buffer[T] {
	b := &buffer[T]{mask: capacity - 1, cells: make([]cell[T], capacity)}
	for i := range b.cells {
		b.cells[i].seq.Store(uint64(i))
	}
	return b
}

func nextPow2(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Ring is a growable, multi-producer multi-consumer queue. AffinityQueue and
// OverflowQueue are thin, differently-documented wrappers around it; nothing
// here enforces single-consumer use for the affinity case, that contract is
// just a convention its one intended caller honors.
type Ring[T any] struct {
	buf  atomic.Pointer[buffer[T]]
	head atomic.Uint64
	tail atomic.Uint64

	growMu sync.Mutex
	arena  []*buffer[T]
}

// NewRing constructs a Ring with the given initial capacity, rounded up to
// the next power of two; a capacity below 2 is replaced by 32.
func NewRing[T any](initialCapacity int) *Ring[T] {
	if initialCapacity < 2 {
		initialCapacity = 32
	}
	cap := nextPow2(uint64(initialCapacity))
	b := newBuffer[T](cap)
	r := &Ring[T]{}
	r.buf.Store(b)
	r.arena = append(r.arena, b)
	return r
}

// TryPush enqueues v. Safe for concurrent use by any number of producers.
func (r *Ring[T]) TryPush(v T) bool {
	for {
		buf := r.buf.Load()
		pos := r.tail.Load()
		c := &buf.cells[pos&buf.mask]
		seq := c.seq.Load()
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if r.tail.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return true
			}
		case diff < 0:
			// Buffer is full relative to this producer's view: grow it and
			// retry against the new buffer.
			if !r.grow(buf) {
				return false
			}
		default:
			// Another producer claimed this cell first; retry.
		}
	}
}

// TryPop dequeues the oldest element. Safe for concurrent use by any number
// of consumers.
func (r *Ring[T]) TryPop() (T, bool) {
	var zero T
	for {
		buf := r.buf.Load()
		pos := r.head.Load()
		c := &buf.cells[pos&buf.mask]
		seq := c.seq.Load()
		diff := int64(seq) - int64(pos+1)
		switch {
		case diff == 0:
			if r.head.CompareAndSwap(pos, pos+1) {
				v := c.val
				var clear T
				c.val = clear
				c.seq.Store(pos + buf.mask + 1)
				return v, true
			}
		case diff < 0:
			return zero, false
		default:
			// Another consumer claimed this cell first; retry.
		}
	}
}

// grow doubles the ring's capacity, draining every live element from the
// old buffer into the new one with fresh sequence numbers. It is a
// spin-locked section: only one producer performs the actual growth, others
// that observe the buffer as full spin on growMu and then retry against
// whatever buffer is current, which may already reflect someone else's
// growth.
func (r *Ring[T]) grow(old *buffer[T]) bool {
	r.growMu.Lock()
	defer r.growMu.Unlock()

	if r.buf.Load() != old {
		// Someone else already grew past this buffer.
		return true
	}

	newCap := (old.mask + 1) * 2
	nb := newBuffer[T](newCap)

	// Drain every slot in [head,tail) in FIFO order into the new buffer, so
	// consumer-visible order is preserved across the swap. A producer that
	// already CAS'd tail for a slot in this range captured `old` before this
	// swap can take effect, so once growth proceeds that producer has no way
	// to retry against the new buffer — it will publish its value into a
	// buffer no consumer can ever reach again. So every slot here must be
	// waited on, not skipped: spin until it publishes before moving it,
	// rather than abandoning it to the old, soon-to-be-unreachable buffer.
	head := r.head.Load()
	tail := r.tail.Load()
	w := uint64(0)
	for i := head; i < tail; i++ {
		c := &old.cells[i&old.mask]
		for c.seq.Load() != i+1 {
			runtime.Gosched()
		}
		nb.cells[w].val = c.val
		nb.cells[w].seq.Store(w + 1)
		w++
	}
	r.head.Store(0)
	r.tail.Store(w)

	r.arena = append(r.arena, old)
	r.buf.Store(nb)
	return true
}

// Empty reports whether the ring currently holds no elements.
func (r *Ring[T]) Empty() bool {
	return r.head.Load() >= r.tail.Load()
}
