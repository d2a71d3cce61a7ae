// Package task implements the scheduler's unit of work: a ref-counted,
// fork/join-aware Task with continuation-passing join elimination, affinity
// pinning, and a recycle path that lets a task re-enter the dispatch loop
// without a fresh allocation.
//
// A Task never schedules itself. Everything here is plumbing around a single
// payload closure (Func); the dispatch loop in package sched decides when and
// where a Task actually runs.
package task

import (
	"go.uber.org/atomic"
)

// ExecutionState tracks a task's lifecycle. It is monotonic except for the
// EXECUTING -> ALLOCATED transition a task takes when it recycles itself.
type ExecutionState uint32

const (
	Allocated ExecutionState = iota
	Ready
	Executing
	Freed
)

func (s ExecutionState) String() string {
	switch s {
	case Allocated:
		return "allocated"
	case Ready:
		return "ready"
	case Executing:
		return "executing"
	case Freed:
		return "freed"
	default:
		return "unknown"
	}
}

// Flags is a bitset of per-task properties.
type Flags uint32

const (
	// FlagHasDataSuffix marks a task carrying an inline payload suffix (kept for
	// parity with the C++ source's CStyleTask variants; Go closures capture
	// their own data, so this flag is informational only here).
	FlagHasDataSuffix Flags = 1 << iota
	// FlagIsContinuation marks a task installed via SetContinuation.
	FlagIsContinuation
	// FlagIsStolen marks a task that was fetched from another worker's deque
	// or from an external victim MicroScheduler, rather than run locally.
	FlagIsStolen
	// FlagIsWaiter marks a sentinel task used only to hold a reference count
	// for a dispatch-loop exit condition (never itself executed).
	FlagIsWaiter
	// FlagIsSmall marks a task eligible for the per-worker task cache. New
	// does not set it; package taskcache sets it on tasks at or below its
	// cachable size and leaves it unset on larger ones.
	FlagIsSmall
)

// AnyWorker is the affinity sentinel meaning "run on whichever worker picks
// this task up"; it is the default affinity of every newly constructed task.
const AnyWorker uint32 = ^uint32(0)

// WorkerID identifies a single worker goroutine within a pool.
type WorkerID struct {
	Pool  uint32
	Local uint32
}

// Func is a task payload. It receives the Context the dispatch loop prepared
// for this invocation and may return a "bypass" task: a task the dispatcher
// should run next on the current worker without a deque round-trip.
type Func func(ctx Context) *Task

// SchedulerHandle is the dispatch-side capability a Context carries. It is
// implemented by *sched.LocalScheduler; defining the interface here (rather
// than importing package sched) keeps task free of a cycle back to the
// package that actually drives dispatch.
type SchedulerHandle interface {
	// SpawnTask schedules t for execution at the given priority, honoring
	// t's affinity.
	SpawnTask(t *Task, priority int) error
	// DriveUntilRefCount executes other ready work on the calling worker
	// until wait's reference count falls to target, then returns.
	DriveUntilRefCount(wait *Task, target int32)
	// RunInline executes t immediately on the calling worker without
	// enqueuing it to a deque first.
	RunInline(t *Task)
}

// Context is passed to a Func on every invocation.
type Context struct {
	Dispatch SchedulerHandle
	Worker   WorkerID
	Self     *Task
	UserData any
}

// Task is the scheduler's unit of work. Zero value is not usable; construct
// with New or NewWaiter.
type Task struct {
	parent         *Task
	continuation   *Task
	refCount       atomic.Int32
	affinity       atomic.Uint32
	executionState atomic.Uint32
	flags          atomic.Uint32
	owningWorker   uint32
	listNext       atomic.Pointer[Task]
	fn             Func
	name           string
	isolationTag   any
}

// New constructs an ALLOCATED task with ref_count 1 and affinity ANY.
func New(fn Func) *Task {
	t := &Task{fn: fn}
	t.affinity.Store(AnyWorker)
	t.executionState.Store(uint32(Allocated))
	t.refCount.Store(1)
	return t
}

// NewWaiter constructs a waiter sentinel: a task with no payload, flagged
// IS_WAITER, used purely to bound a dispatch loop via its reference count.
func NewWaiter() *Task {
	t := New(nil)
	t.flags.Store(uint32(FlagIsWaiter))
	return t
}

// Named sets a debug name on the task and returns it, for chaining at
// construction time.
func (t *Task) Named(name string) *Task {
	t.name = name
	return t
}

// Name returns the task's debug name, or "" if unset.
func (t *Task) Name() string { return t.name }

// Execute invokes the task's payload. Only the dispatch loop should call
// this; it is exported because Task and LocalScheduler live in different
// packages.
func (t *Task) Execute(ctx Context) *Task {
	if t.fn == nil {
		return nil
	}
	return t.fn(ctx)
}

// HasPayload reports whether the task carries an executable payload (false
// for waiter sentinels).
func (t *Task) HasPayload() bool { return t.fn != nil }

// Parent returns the task's current parent, or nil if it has none (either
// never had one, or was detached by SetContinuation).
func (t *Task) Parent() *Task { return t.parent }

// SetParent sets the task's parent directly. Exposed for package sched's
// finalization bookkeeping; ordinary callers use AddChildWithRef /
// AddChildWithoutRef from the parent side instead.
func (t *Task) SetParent(p *Task) { t.parent = p }

// AddChildWithoutRef wires child as t's child without touching t's reference
// count. The caller must have already accounted for child's eventual
// completion in t's ref count (e.g. via a prior SetRef or AddRef), mirroring
// the C++ source's add_child_task_without_ref fast path.
func (t *Task) AddChildWithoutRef(child *Task) {
	child.parent = t
}

// AddChildWithRef wires child as t's child and atomically bumps t's
// reference count by one to account for it.
func (t *Task) AddChildWithRef(child *Task) {
	t.refCount.Inc()
	child.parent = t
}

// SetContinuation installs cont as t's continuation: cont inherits t's
// parent slot and t is detached from its own parent. Children t already
// spawned keep pointing at t (t's own completion is what then matters); the
// caller must add any further children to cont, not t, so that they
// finalize against the continuation. When t next returns from Execute with
// no parent, no parent-finalization fires for it; cont's completion later
// finalizes against the original grandparent.
func (t *Task) SetContinuation(cont *Task) {
	cont.parent = t.parent
	t.parent = nil
	t.continuation = cont
	cont.flags.Or(uint32(FlagIsContinuation))
}

// Continuation returns the task installed via SetContinuation, or nil.
func (t *Task) Continuation() *Task { return t.continuation }

// Recycle transitions t from EXECUTING back to ALLOCATED so the dispatch
// loop requeues it (via bypass or a fresh spawn) instead of freeing it. Must
// only be called from within the task's own Execute.
func (t *Task) Recycle() {
	t.executionState.Store(uint32(Allocated))
}

// SetAffinity pins t to a specific worker index within its pool. Pass
// AnyWorker to clear pinning.
func (t *Task) SetAffinity(workerIndex uint32) { t.affinity.Store(workerIndex) }

// Affinity returns t's affinity, AnyWorker if unpinned.
func (t *Task) Affinity() uint32 { return t.affinity.Load() }

// AddRef atomically adds n to t's reference count and returns the new value.
func (t *Task) AddRef(n int32) int32 { return t.refCount.Add(n) }

// RemoveRef atomically subtracts n from t's reference count and returns the
// new value.
func (t *Task) RemoveRef(n int32) int32 { return t.refCount.Sub(n) }

// SetRef sets t's reference count directly, bypassing the atomic
// read-modify-write. Used on the fast path where the caller already knows
// no concurrent modification is possible (the last child finalizing a
// parent whose count was exactly 2).
func (t *Task) SetRef(n int32) { t.refCount.Store(n) }

// RefCount returns t's current reference count.
func (t *Task) RefCount() int32 { return t.refCount.Load() }

// ExecutionState returns t's current lifecycle state.
func (t *Task) ExecutionState() ExecutionState { return ExecutionState(t.executionState.Load()) }

// SetExecutionState sets t's lifecycle state directly. Used by the dispatch
// loop to drive the ALLOCATED -> READY -> EXECUTING -> FREED progression.
func (t *Task) SetExecutionState(s ExecutionState) { t.executionState.Store(uint32(s)) }

// HasFlag reports whether f is set.
func (t *Task) HasFlag(f Flags) bool { return Flags(t.flags.Load())&f != 0 }

// SetFlag sets f.
func (t *Task) SetFlag(f Flags) { t.flags.Or(uint32(f)) }

// IsStolen reports whether this task was fetched via a steal rather than run
// by the worker that spawned it.
func (t *Task) IsStolen() bool { return t.HasFlag(FlagIsStolen) }

// IsWaiter reports whether this is a waiter sentinel never meant to run.
func (t *Task) IsWaiter() bool { return t.HasFlag(FlagIsWaiter) }

// OwningWorker returns the local worker index this task's cache slot
// belongs to.
func (t *Task) OwningWorker() uint32 { return t.owningWorker }

// SetOwningWorker records which worker's cache owns this task's storage.
func (t *Task) SetOwningWorker(idx uint32) { t.owningWorker = idx }

// ListNext returns the task's free-list / deferred-free link.
func (t *Task) ListNext() *Task { return t.listNext.Load() }

// SetListNext sets the task's free-list / deferred-free link.
func (t *Task) SetListNext(next *Task) { t.listNext.Store(next) }

// IsolationTag returns the opaque tag package sched's Isolate attaches to
// tasks spawned within an isolated scope, or nil outside one.
func (t *Task) IsolationTag() any { return t.isolationTag }

// SetIsolationTag sets the isolation tag; used only by package sched.
func (t *Task) SetIsolationTag(tag any) { t.isolationTag = tag }

// Reset reinitializes a recycled-from-the-cache task with a new payload, as
// if freshly constructed by New.
func (t *Task) Reset(fn Func) {
	t.parent = nil
	t.continuation = nil
	t.refCount.Store(1)
	t.affinity.Store(AnyWorker)
	t.executionState.Store(uint32(Allocated))
	t.flags.Store(0)
	t.listNext.Store(nil)
	t.fn = fn
	t.name = ""
	t.isolationTag = nil
}

// WaitForAll drives the dispatch loop on the calling worker until every
// child t has spawned (via AddChildWithRef/AddChildWithoutRef) finishes,
// then returns with t's reference count restored to 1.
//
// It adds its own temporary reference before waiting and removes it after,
// so the exit threshold is always "t's only remaining reference is itself"
// regardless of how many children were outstanding — the caller never needs
// to separately account for "one more ref because I'm about to wait", unlike
// the C++ source's waitForAll, which leaves that bookkeeping to the caller
// (see its "NOTE: if we forget to add these references..." warning).
func (t *Task) WaitForAll(ctx Context) {
	t.AddRef(1)
	ctx.Dispatch.DriveUntilRefCount(t, 2)
	t.SetRef(1)
}

// SpawnAndWaitForAll is like WaitForAll but additionally spawns child as t's
// child, running it immediately on the calling worker rather than through a
// full scheduler round-trip, before blocking for the rest of t's children
// (if any) to finish.
func (t *Task) SpawnAndWaitForAll(ctx Context, child *Task) {
	t.AddChildWithRef(child)
	ctx.Dispatch.RunInline(child)
	t.WaitForAll(ctx)
}
