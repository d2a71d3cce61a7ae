package sched

import "errors"

var (
	// ErrQueueFull is returned when a deque or queue has grown to its
	// maximum capacity and still cannot accept a push.
	ErrQueueFull = errors.New("microsched: queue at maximum capacity")
	// ErrBadAffinity is returned when a task's affinity names a worker
	// index outside the pool.
	ErrBadAffinity = errors.New("microsched: affinity worker index out of range")
	// ErrSelfVictimization is returned by AddExternalVictim when a
	// MicroScheduler is registered as its own victim.
	ErrSelfVictimization = errors.New("microsched: a scheduler cannot be its own steal victim")
	// ErrPoolShutdown names the failure of an operation attempted against a
	// WorkerPool that has already been shut down. No function in this
	// package returns it.
	ErrPoolShutdown = errors.New("microsched: worker pool is shut down")
)
