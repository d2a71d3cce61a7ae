package queue

// AffinityQueue holds tasks pinned to one specific worker: any number of
// producers (other workers spawning affinitized tasks) feed it, but only the
// worker it belongs to ever drains it.
type AffinityQueue[T any] struct {
	*Ring[T]
}

// NewAffinityQueue constructs an AffinityQueue with the given initial
// capacity.
func NewAffinityQueue[T any](initialCapacity int) *AffinityQueue[T] {
	return &AffinityQueue[T]{Ring: NewRing[T](initialCapacity)}
}

// OverflowQueue holds tasks that couldn't be placed on a worker's own deque
// (typically submissions from non-worker threads): any worker in the owning
// MicroScheduler's pool may both push to and pop from it.
type OverflowQueue[T any] struct {
	*Ring[T]
}

// NewOverflowQueue constructs an OverflowQueue with the given initial
// capacity.
func NewOverflowQueue[T any](initialCapacity int) *OverflowQueue[T] {
	return &OverflowQueue[T]{Ring: NewRing[T](initialCapacity)}
}
