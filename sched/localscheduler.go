package sched

import (
	"math/rand"
	"runtime"

	"github.com/go-foundations/microsched/queue"
	"github.com/go-foundations/microsched/task"
	"github.com/go-foundations/microsched/wsdeque"
)

// LocalScheduler is one worker's view of one MicroScheduler: its
// per-priority work-stealing deque, its per-priority affinity queue, and
// the dispatch loop that runs tasks from them. It implements
// task.SchedulerHandle, so a running task's Context.Dispatch is a
// *LocalScheduler bound to (this worker, this MicroScheduler), except inside
// Isolate, where fn's Context carries a wrapper around it.
type LocalScheduler struct {
	id     uint32
	micro  *MicroScheduler
	worker *Worker

	deques   []*wsdeque.Deque[*task.Task]
	affinity []*queue.AffinityQueue[*task.Task]

	boost *priorityBoost
}

func newLocalScheduler(ms *MicroScheduler, w *Worker, id uint32, cfg MicroSchedulerConfig, dequeCap int64, queueCap int) *LocalScheduler {
	ls := &LocalScheduler{
		id:     id,
		micro:  ms,
		worker: w,
		boost:  newPriorityBoost(cfg.PriorityBoostAge),
	}
	ls.deques = make([]*wsdeque.Deque[*task.Task], cfg.PriorityCount)
	ls.affinity = make([]*queue.AffinityQueue[*task.Task], cfg.PriorityCount)
	for p := 0; p < cfg.PriorityCount; p++ {
		ls.deques[p] = wsdeque.New[*task.Task](dequeCap)
		ls.affinity[p] = queue.NewAffinityQueue[*task.Task](queueCap)
	}
	return ls
}

func (ls *LocalScheduler) context(t *task.Task) task.Context {
	return task.Context{
		Dispatch: ls,
		Worker:   ls.worker.ID(),
		Self:     t,
		UserData: ls.worker.userData,
	}
}

// --- task.SchedulerHandle ---

// SpawnTask implements task.SchedulerHandle. This is the in-task fast path:
// an affinity-less task goes straight onto this worker's own deque with no
// synchronization against other workers, since only the owner pushes to its
// own deque.
func (ls *LocalScheduler) SpawnTask(t *task.Task, priority int) error {
	priority = ls.micro.clampPriority(priority)
	if t.Affinity() != task.AnyWorker {
		return ls.micro.spawnAffinity(t, priority)
	}
	if !ls.deques[priority].TryPush(t) {
		return ErrQueueFull
	}
	ls.micro.pool.wakeAny()
	ls.micro.wakeThieves()
	return nil
}

// DriveUntilRefCount implements task.SchedulerHandle.
func (ls *LocalScheduler) DriveUntilRefCount(wait *task.Task, target int32) {
	ls.dispatchLoop(wait, target, nil)
}

// RunInline implements task.SchedulerHandle: runs t immediately on this
// worker without enqueuing it first.
func (ls *LocalScheduler) RunInline(t *task.Task) {
	ls.dispatchLoop(nil, 0, t)
}

// --- dispatch loop ---

// dispatchLoop is spec.md §4.4's scheduler loop. If waitingTask is non-nil,
// the loop returns once waitingTask's reference count falls to target (and
// then clamps it to 1); this is the re-entrant path used by Task.WaitForAll
// and Isolate. Since this worker is the only thing that can make progress on
// waitingTask's outstanding children from its own point of view, finding no
// work on one pass does not mean the wait is stuck — a child may simply be
// running elsewhere (stolen, or still executing on a sibling), so the loop
// spins with a scheduling yield and retries rather than returning early,
// mirroring isolatedDispatch.run (sched/isolation.go). If waitingTask is nil,
// this is a top-level worker-loop pass: it also tries external stealing and
// can observe quiescence, and returns as soon as it finds no work anywhere
// (there is no task whose completion it is waiting on, so "nothing to do
// right now" is a legitimate place to go idle). initial, if non-nil, is run
// before any fetch (used for RunInline and for handing a freshly-popped task
// back in without a redundant fetch).
//
// Returns true if at least one task was executed during the call.
func (ls *LocalScheduler) dispatchLoop(waitingTask *task.Task, target int32, initial *task.Task) bool {
	isTopLevel := waitingTask == nil
	executedAny := false
	current := initial

	for ls.micro.attached.Load() {
		for current != nil {
			current = ls.runOne(current)
			executedAny = true
		}

		if waitingTask != nil && waitingTask.RefCount() <= target {
			waitingTask.SetRef(1)
			return executedAny
		}

		current = ls.localFetch()
		if current != nil {
			continue
		}
		current = ls.nonLocalFetch()
		if current != nil {
			continue
		}
		if isTopLevel {
			current = ls.externalSteal()
			if current != nil {
				continue
			}
			if ls.micro.isQuiescent() {
				return executedAny
			}
			// Not quiescent (a sibling worker is still mid-execution and may
			// yet produce more work) but nothing found this pass either:
			// nothing more a top-level pass can productively do right now.
			return executedAny
		}
		// Wait path, nothing found this pass: retry instead of returning,
		// since waitingTask has not reached target yet.
		runtime.Gosched()
	}
	if waitingTask != nil && waitingTask.RefCount() <= target {
		waitingTask.SetRef(1)
	}
	return executedAny
}

// runOne executes a single task and performs the post-execution protocol:
// parent finalization (or requeue, for a recycled task), priority-boost
// aging, and handing back whatever bypass task the execution produced.
func (ls *LocalScheduler) runOne(t *task.Task) *task.Task {
	ctx := ls.context(t)
	t.SetExecutionState(task.Executing)
	bypass := t.Execute(ctx)
	state := t.ExecutionState()

	switch state {
	case task.Allocated:
		// Recycled: requeue unless the execution already handed us a
		// bypass, or the task is itself a continuation.
		if bypass == nil && !t.HasFlag(task.FlagIsContinuation) {
			_ = ls.SpawnTask(t, 0)
		}
	default:
		parent := t.Parent()
		if parent != nil {
			ls.finalizeParent(parent, &bypass)
		}
		ls.freeTask(t)
	}

	ls.boost.tick()
	return bypass
}

// finalizeParent runs the post-child-completion protocol on parent: if its
// ref count was exactly 2 (itself plus the one finishing child), it is set
// directly to 1 without an atomic subtract (the fast path, safe because no
// other reference can exist once this is the last one); otherwise the
// reference is atomically removed and, if others remain, nothing further
// happens. Once parent reaches the "fully referenced by itself only" state
// it becomes runnable: it takes the bypass slot if one is free, or is spawned
// at priority 0 otherwise. A parent that is still executing (it may be about
// to call WaitForAll, or be adding further children) only has the reference
// removed atomically and is never made runnable here.
func (ls *LocalScheduler) finalizeParent(parent *task.Task, bypass **task.Task) {
	if parent.ExecutionState() == task.Executing {
		parent.RemoveRef(1)
		return
	}
	if parent.RefCount() == 2 {
		parent.SetRef(1)
	} else if parent.RemoveRef(1) > 1 {
		return
	}
	if *bypass == nil {
		*bypass = parent
	} else {
		_ = ls.SpawnTask(parent, 0)
	}
}

func (ls *LocalScheduler) freeTask(t *task.Task) {
	t.SetExecutionState(task.Freed)
	if t.HasFlag(task.FlagIsSmall) {
		ls.micro.pool.caches[t.OwningWorker()].Free(t, ls.id)
	}
}

// localFetch pops from this worker's own deques: normally highest priority
// (lane 0) first, but once the priority-boost age has expired, it first
// tries one lower-priority lane (round robin) to avoid starving it.
func (ls *LocalScheduler) localFetch() *task.Task {
	n := len(ls.deques)
	if ls.boost.expired() && n > 1 {
		p := ls.boost.next(n - 1)
		ls.boost.reset()
		if t, ok := ls.deques[p].TryPop(); ok {
			return t
		}
	}
	for p := 0; p < n; p++ {
		if t, ok := ls.deques[p].TryPop(); ok {
			return t
		}
	}
	return nil
}

// nonLocalFetch implements spec.md §4.4 stages (a)-(d): the MicroScheduler's
// overflow queue, then this worker's own affinity queue, then a random
// steal from a sibling worker in the same MicroScheduler, then any
// registered check-for-task callbacks.
func (ls *LocalScheduler) nonLocalFetch() *task.Task {
	if t, ok := ls.micro.popOverflow(); ok {
		return t
	}
	if t, ok := ls.popAffinity(); ok {
		ls.worker.blocker.ResetSignal()
		return t
	}
	if t := ls.steal(); t != nil {
		t.SetFlag(task.FlagIsStolen)
		return t
	}
	if t := ls.micro.invokeCallbacks(ls); t != nil {
		return t
	}
	return nil
}

func (ls *LocalScheduler) popAffinity() (*task.Task, bool) {
	for p := 0; p < len(ls.affinity); p++ {
		if t, ok := ls.affinity[p].TryPop(); ok {
			return t, true
		}
	}
	return nil, false
}

// steal tries every sibling worker in this MicroScheduler, starting from a
// random offset to spread steal targets, highest priority lane first.
func (ls *LocalScheduler) steal() *task.Task {
	locals := ls.micro.locals
	n := len(locals)
	if n <= 1 {
		return nil
	}
	start := rand.Intn(n)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if uint32(idx) == ls.id {
			continue
		}
		victim := locals[idx]
		for p := 0; p < len(victim.deques); p++ {
			if t, ok := victim.deques[p].TrySteal(); ok {
				return t
			}
		}
	}
	return nil
}

// externalSteal tries every MicroScheduler registered as an external victim
// of this one. Only called by top-level worker-loop passes (waitingTask ==
// nil); a task blocked on a local wait never reaches across scheduler
// boundaries, matching spec.md's "self-victimization forbidden, and a
// bounded wait never steals externally" invariant.
func (ls *LocalScheduler) externalSteal() *task.Task {
	ms := ls.micro
	// Coarse, intentionally racy fast-path filter (spec.md §9 open question
	// 1): an atomic counter mirroring len(victims), read without the lock.
	// A stale read here only costs a missed steal opportunity on this pass,
	// never correctness; the authoritative check is the locked snapshot
	// below whenever the counter suggests a victim might exist.
	if ms.victimCount.Load() == 0 {
		return nil
	}
	for _, v := range ms.snapshotVictims() {
		v.thiefAccess.Inc()
		t := ls.stealFrom(v)
		v.thiefAccess.Dec()
		if t != nil {
			t.SetFlag(task.FlagIsStolen)
			return t
		}
	}
	return nil
}

func (ls *LocalScheduler) stealFrom(victim *MicroScheduler) *task.Task {
	locals := victim.locals
	n := len(locals)
	if n == 0 {
		return nil
	}
	start := rand.Intn(n)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		for p := 0; p < len(locals[idx].deques); p++ {
			if t, ok := locals[idx].deques[p].TrySteal(); ok {
				return t
			}
		}
	}
	return nil
}
