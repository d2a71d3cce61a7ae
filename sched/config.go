// Package sched implements the two-level fork/join dispatch machinery:
// WorkerPool owns a fixed set of goroutine workers; each worker drives a
// LocalScheduler per MicroScheduler it is registered with; MicroScheduler is
// the facade client code spawns tasks through and the victim/thief
// registration point for cross-scheduler stealing.
package sched

import (
	"log/slog"

	"github.com/go-foundations/microsched/task"
)

// TLSHooks lets an embedder supply external thread-local-identity accessors
// instead of relying on language-builtin TLS (spec.md §9 design notes: the
// source's indirection through function pointers exists because its
// schedulers can be linked across shared library boundaries, where
// builtin TLS does not survive). Each worker goroutine calls Set with its
// own task.WorkerID on entry and with nil on exit, if Set is non-nil;
// Get is exposed to outside callers via WorkerPool.TLSIdentity.
type TLSHooks struct {
	Get func() any
	Set func(v any)
}

// WorkerPoolConfig configures a WorkerPool, enumerating spec.md §6's pool
// option table.
type WorkerPoolConfig struct {
	// WorkerCount is the number of worker goroutines. Required, must be > 0.
	WorkerCount int
	// Name identifies the pool in log output.
	Name string
	// Logger receives Debug-level events: pool start and shutdown,
	// MicroScheduler registration, and a worker going to sleep. Steals and
	// queue growth are not logged. Defaults to slog.Default() if nil.
	Logger *slog.Logger
	// Debug enables panics on contract violations (spec.md §7), mirroring
	// the source's GTS_ASSERT. Off by default, matching release behavior.
	Debug bool
	// OnWorkerStart, if set, is invoked once from each worker goroutine
	// before it begins dispatching.
	OnWorkerStart func(id task.WorkerID)
	// OnWorkerExit, if set, is invoked once from each worker goroutine after
	// it stops dispatching (pool shutdown).
	OnWorkerExit func(id task.WorkerID)
	// DequeInitialCapacity is the starting capacity of each worker's
	// per-priority work-stealing deque.
	DequeInitialCapacity int64
	// QueueInitialCapacity is the starting capacity of each affinity and
	// overflow queue.
	QueueInitialCapacity int
	// BackoffAlpha is the EWMA smoothing factor for each worker's adaptive
	// termination backoff. Defaults to 0.3 (the teacher's default) if <= 0
	// or > 1.
	BackoffAlpha float64
	// WorkerUserData seeds each worker's Context.UserData by local index;
	// a worker whose index has no entry (slice too short, or a nil entry)
	// has a nil UserData. Assigning to a task's Context.UserData does not
	// change the worker's value. Surfaced outside a task's Execute via
	// WorkerPool.WorkerUserData.
	WorkerUserData []any
	// CachableTaskSize is the upper bound, in bytes, on the declared payload
	// size of a task eligible for the per-worker allocation cache (see
	// taskcache); tasks declared larger via sched.AllocateTaskSized bypass
	// the cache and are freed straight to the garbage collector instead of
	// being recycled. Defaults to 256.
	CachableTaskSize int
	// InitialTaskCountPerWorker is the number of task slots preallocated
	// into each worker's allocation cache free list at pool construction,
	// so the first wave of fork/join children in a workload can be served
	// from the cache instead of a fresh allocation. Defaults to 0 (no
	// preallocation).
	InitialTaskCountPerWorker int
	// TLSHooks, if set, lets an embedder track worker identity through its
	// own external storage instead of language-builtin TLS. See TLSHooks.
	TLSHooks TLSHooks
	// WorkerAffinityGroups optionally pins worker i's goroutine to its own
	// OS thread for the lifetime of the pool (via runtime.LockOSThread),
	// indexed by local worker id; a nil or short entry leaves that worker
	// unpinned. This is the portable half of spec.md §6's "per-worker
	// affinity set + group" option: Go has no portable API for binding an
	// OS thread to a specific hardware thread set or CPU group without
	// platform-specific syscalls ungrounded in any retrieved example, so
	// only the "this goroutine keeps one OS thread" guarantee is provided
	// (see DESIGN.md).
	WorkerAffinityGroups []bool
	// WorkerPriority and WorkerStackSize are accepted for API parity with
	// spec.md §6's option table but are intentionally inert: Go exposes no
	// portable OS-level thread priority or per-goroutine stack size control,
	// and no library in the retrieved pack provides one either (see
	// DESIGN.md). Kept as named fields rather than dropped so the full
	// option table is enumerable and documented in one place.
	WorkerPriority  []int
	WorkerStackSize []int
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with every knob set to
// its default, sized for the given worker count.
func DefaultWorkerPoolConfig(workerCount int) WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount:          workerCount,
		Name:                 "microsched",
		DequeInitialCapacity: 1024,
		QueueInitialCapacity: 256,
		BackoffAlpha:         0.3,
		CachableTaskSize:     256,
	}
}

func (c *WorkerPoolConfig) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.DequeInitialCapacity <= 0 {
		c.DequeInitialCapacity = 1024
	}
	if c.QueueInitialCapacity <= 0 {
		c.QueueInitialCapacity = 256
	}
	if c.BackoffAlpha <= 0 || c.BackoffAlpha > 1 {
		c.BackoffAlpha = 0.3
	}
	if c.Name == "" {
		c.Name = "microsched"
	}
	if c.CachableTaskSize <= 0 {
		c.CachableTaskSize = 256
	}
	if c.InitialTaskCountPerWorker < 0 {
		c.InitialTaskCountPerWorker = 0
	}
}

// MicroSchedulerConfig configures a MicroScheduler, enumerating spec.md §6's
// scheduler option table.
type MicroSchedulerConfig struct {
	// Name identifies the scheduler in log output.
	Name string
	// PriorityCount is the number of priority lanes; lane 0 is highest
	// priority. Defaults to 1.
	PriorityCount int
	// PriorityBoostAge is how many dispatched tasks elapse, on a given
	// worker, before that worker's local fetch skips priority 0 once to
	// serve a lower-priority lane, preventing starvation. Defaults to 64.
	PriorityBoostAge int
}

func (c *MicroSchedulerConfig) applyDefaults() {
	if c.PriorityCount <= 0 {
		c.PriorityCount = 1
	}
	if c.PriorityBoostAge <= 0 {
		c.PriorityBoostAge = 64
	}
	if c.Name == "" {
		c.Name = "microsched"
	}
}
