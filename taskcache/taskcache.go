// Package taskcache implements the per-worker task allocation cache
// described in spec.md §3: a same-thread free list for tasks freed by the
// worker that owns them, and a lock-free deferred-free stack for tasks freed
// by some other worker, drained lazily the next time the owner allocates.
//
// Go's garbage collector makes this an optimization rather than a
// correctness requirement (an un-recycled *task.Task is simply collected),
// but the cache still exercises exactly the concurrency shape spec.md §3
// describes, and keeps allocation-heavy fork/join workloads (thousands of
// short-lived child tasks) off the allocator's hot path.
package taskcache

import (
	"go.uber.org/atomic"

	"github.com/go-foundations/microsched/task"
)

// deferredStack is a Treiber stack: a lock-free LIFO any goroutine may push
// onto, drained in one atomic swap by its owner.
type deferredStack struct {
	head atomic.Pointer[task.Task]
}

func (s *deferredStack) push(t *task.Task) {
	for {
		old := s.head.Load()
		t.SetListNext(old)
		if s.head.CompareAndSwap(old, t) {
			return
		}
	}
}

// drain atomically detaches the whole stack and returns its head; the
// returned chain is singly linked via ListNext.
func (s *deferredStack) drain() *task.Task {
	return s.head.Swap(nil)
}

// Cache is one worker's task allocation cache. Alloc must only be called by
// the owning worker; Free may be called by any worker (it routes cross-
// worker frees to the deferred stack automatically).
type Cache struct {
	ownerID      uint32
	maxSmallSize int
	freeList     *task.Task
	deferred     deferredStack
}

// New constructs a Cache owned by the worker at the given local index.
// maxSmallSize is spec.md §6's cachable_task_size: the upper bound, in
// bytes, on a task's declared payload size for it to be eligible for this
// cache; larger tasks (allocated via AllocSized) bypass it and go straight
// to the garbage collector on Free instead of being recycled.
// initialCount preallocates that many free task slots up front (spec.md
// §6's initial_task_count_per_worker), so the first wave of a workload's
// children can be served from the cache rather than a fresh allocation.
func New(ownerID uint32, maxSmallSize, initialCount int) *Cache {
	c := &Cache{ownerID: ownerID, maxSmallSize: maxSmallSize}
	for i := 0; i < initialCount; i++ {
		t := task.New(nil)
		t.SetOwningWorker(ownerID)
		t.SetFlag(task.FlagIsSmall)
		t.SetExecutionState(task.Freed)
		t.SetListNext(c.freeList)
		c.freeList = t
	}
	return c
}

// Alloc returns a task ready to run fn, reusing a freed task from this
// worker's cache if one is available, otherwise allocating fresh. It is
// equivalent to AllocSized(fn, 0): every task it returns is small.
func (c *Cache) Alloc(fn task.Func) *task.Task {
	return c.AllocSized(fn, 0)
}

// AllocSized is like Alloc, but declares the payload's estimated size in
// bytes. A task whose size exceeds maxSmallSize is allocated directly and
// never flagged FlagIsSmall, so Free routes it to the garbage collector
// instead of either free list.
func (c *Cache) AllocSized(fn task.Func, size int) *task.Task {
	small := size <= c.maxSmallSize
	if small {
		if c.freeList == nil {
			if head := c.deferred.drain(); head != nil {
				c.freeList = head
			}
		}
		if c.freeList != nil {
			t := c.freeList
			c.freeList = t.ListNext()
			t.SetListNext(nil)
			t.Reset(fn)
			t.SetFlag(task.FlagIsSmall)
			return t
		}
	}
	t := task.New(fn)
	t.SetOwningWorker(c.ownerID)
	if small {
		t.SetFlag(task.FlagIsSmall)
	}
	return t
}

// Free returns t to c, which callers pass as the cache of t's owning worker,
// unless t was allocated above the cachable_task_size cutoff (AllocSized with
// a size over maxSmallSize, never flagged FlagIsSmall), in which case it is
// left for the garbage collector instead of being recycled. freedBy is the
// local worker index of the caller; if it matches both t's owner and c's
// owner, the task goes straight onto c's free list (no synchronization
// needed, since only the owner ever touches its own free list). Otherwise it
// is pushed to c's deferred stack for c's owner to pick up on its next Alloc.
func (c *Cache) Free(t *task.Task, freedBy uint32) {
	if !t.HasFlag(task.FlagIsSmall) {
		return
	}
	t.SetListNext(nil)
	if t.OwningWorker() == freedBy && c.ownerID == freedBy {
		t.SetListNext(c.freeList)
		c.freeList = t
		return
	}
	c.deferred.push(t)
}
