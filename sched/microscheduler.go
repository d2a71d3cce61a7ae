package sched

import (
	"runtime"
	"sync"

	"go.uber.org/atomic"

	"github.com/go-foundations/microsched/backoff"
	"github.com/go-foundations/microsched/queue"
	"github.com/go-foundations/microsched/task"
)

// CheckForTaskFunc is a last-resort task source consulted after local
// fetch, the overflow queue, the affinity queue and stealing have all come
// up empty. Registered via MicroScheduler.RegisterCallback.
type CheckForTaskFunc func(ms *MicroScheduler, worker task.WorkerID) *task.Task

// MicroScheduler is the facade client code spawns tasks through. It owns one
// LocalScheduler per worker in its pool, a per-priority overflow queue
// shared by the whole pool, and the victim/thief registration used for
// cross-scheduler stealing.
type MicroScheduler struct {
	pool *WorkerPool
	cfg  MicroSchedulerConfig

	locals   []*LocalScheduler
	overflow []*queue.OverflowQueue[*task.Task]

	attached atomic.Bool

	victimsMu   sync.RWMutex
	victims     []*MicroScheduler
	victimCount atomic.Int32
	thiefAccess atomic.Int32

	thievesMu sync.Mutex
	thieves   []*MicroScheduler

	callbacksMu sync.RWMutex
	callbacks   []CheckForTaskFunc
}

// NewMicroScheduler constructs a MicroScheduler bound to pool and registers
// it so every worker in the pool will drive its dispatch loop.
func NewMicroScheduler(pool *WorkerPool, cfg MicroSchedulerConfig) *MicroScheduler {
	cfg.applyDefaults()
	ms := &MicroScheduler{pool: pool, cfg: cfg}
	ms.attached.Store(true)

	ms.overflow = make([]*queue.OverflowQueue[*task.Task], cfg.PriorityCount)
	for i := range ms.overflow {
		ms.overflow[i] = queue.NewOverflowQueue[*task.Task](pool.cfg.QueueInitialCapacity)
	}
	ms.locals = make([]*LocalScheduler, len(pool.workers))
	for i, w := range pool.workers {
		ms.locals[i] = newLocalScheduler(ms, w, uint32(i), cfg, pool.cfg.DequeInitialCapacity, pool.cfg.QueueInitialCapacity)
	}

	pool.attachScheduler(ms)
	pool.logger.Debug("micro scheduler registered", "pool", pool.id, "name", cfg.Name, "priorities", cfg.PriorityCount)
	return ms
}

// Pool returns the WorkerPool this scheduler is registered against.
func (ms *MicroScheduler) Pool() *WorkerPool { return ms.pool }

// Shutdown detaches this scheduler from its pool; workers stop scanning it.
// Does not affect the pool's other schedulers or its lifecycle.
func (ms *MicroScheduler) Shutdown() {
	ms.attached.Store(false)
	ms.pool.detachScheduler(ms)
}

func (ms *MicroScheduler) clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p >= ms.cfg.PriorityCount {
		return ms.cfg.PriorityCount - 1
	}
	return p
}

// SpawnTask is the external entry point for code not currently running
// inside a task's Execute (e.g. a top-level caller kicking off the first
// task of a computation). Caller identity in Go has no cheap equivalent of
// the C++ source's "is this thread a worker of this pool" check, so the
// distinction is structural instead: code running inside a task uses
// ctx.Dispatch.SpawnTask (the LocalScheduler fast path straight to the
// local deque); external code uses this method, which always goes through
// the overflow queue (or the affinity queue, for a pinned task) and wakes a
// worker. This matches spec.md §7's documented behavior for "external
// thread submitting without a worker context."
func (ms *MicroScheduler) SpawnTask(t *task.Task, priority int) error {
	priority = ms.clampPriority(priority)
	if t.Affinity() != task.AnyWorker {
		return ms.spawnAffinity(t, priority)
	}
	if !ms.overflow[priority].TryPush(t) {
		return ErrQueueFull
	}
	ms.pool.wakeAny()
	ms.wakeThieves()
	return nil
}

func (ms *MicroScheduler) spawnAffinity(t *task.Task, priority int) error {
	idx := t.Affinity()
	if int(idx) >= len(ms.locals) {
		if ms.pool.cfg.Debug {
			panic("microsched: set_affinity worker index out of range")
		}
		return ErrBadAffinity
	}
	if !ms.locals[idx].affinity[priority].TryPush(t) {
		return ErrQueueFull
	}
	ms.pool.wakeWorker(idx)
	return nil
}

// SpawnTaskAndWait spawns t and blocks the calling goroutine until it (and
// anything it transitively spawns as its children) completes. Intended for
// non-worker callers (e.g. main() kicking off a fork/join computation); a
// task already running inside Execute should use Task.WaitForAll /
// Task.SpawnAndWaitForAll instead, which reenter this worker's own dispatch
// loop rather than spin.
//
// Since the calling goroutine is not a worker, it cannot itself execute
// other tasks while waiting. It instead spins with an adaptive backoff,
// periodically waking pool workers (all of them, plus specifically t's
// affinitized worker if it has one) in case they are asleep and t's
// completion depends on the wake-up that never happened — spec.md §9's
// adopted answer to the "wait from a non-worker thread against an
// affinitized task" open question.
func (ms *MicroScheduler) SpawnTaskAndWait(t *task.Task, priority int) {
	waiter := task.NewWaiter()
	waiter.AddChildWithRef(t) // ref 1 -> 2
	waiter.AddRef(1)          // +1 wait sentinel -> 3

	if err := ms.SpawnTask(t, priority); err != nil {
		panic(err)
	}

	spin := backoff.NewAdaptiveBackoff(ms.pool.cfg.BackoffAlpha)
	for waiter.RefCount() > 2 {
		if spin.Spin() {
			ms.pool.wakeAll()
			if aff := t.Affinity(); aff != task.AnyWorker {
				ms.pool.wakeWorker(aff)
			}
			spin.Reset()
		}
		runtime.Gosched()
	}
	waiter.SetRef(1)
}

// WaitForAll is a convenience that drives dispatch on the current worker
// (identified by ctx) until every child ctx.Self has spawned finishes. It is
// only valid to call from within a running task.
func (ms *MicroScheduler) WaitForAll(ctx task.Context) {
	ctx.Self.WaitForAll(ctx)
}

// WaitFor spawns child as ctx.Self's child, runs it inline, and blocks until
// it and every other outstanding child of ctx.Self completes. Only valid
// from within a running task.
func (ms *MicroScheduler) WaitFor(ctx task.Context, child *task.Task) {
	ctx.Self.SpawnAndWaitForAll(ctx, child)
}

// DestroyTask frees t outside of the normal execute-and-finalize path
// (e.g. a task allocated but never spawned). If t has a parent, the same
// parent-finalization protocol that follows a normal execution runs first.
func (ms *MicroScheduler) DestroyTask(ls *LocalScheduler, t *task.Task) {
	if parent := t.Parent(); parent != nil {
		var bypass *task.Task
		ls.finalizeParent(parent, &bypass)
		if bypass != nil {
			_ = ls.SpawnTask(bypass, 0)
		}
	}
	ls.freeTask(t)
}

// AllocateTask allocates a task from the calling worker's cache (reusing a
// freed task if one is available), when ctx identifies a worker of this
// scheduler's pool. Intended for in-task child spawning, the allocation
// cache's whole reason to exist. Equivalent to AllocateTaskSized(ctx, fn, 0).
func AllocateTask(ctx task.Context, fn task.Func) *task.Task {
	return AllocateTaskSized(ctx, fn, 0)
}

// AllocateTaskSized is like AllocateTask, but declares the payload's
// estimated size in bytes so the pool's cachable_task_size configuration
// (WorkerPoolConfig.CachableTaskSize) can route oversized payloads straight
// to the heap instead of the per-worker recycle cache.
func AllocateTaskSized(ctx task.Context, fn task.Func, size int) *task.Task {
	ls := ctx.Dispatch.(*LocalScheduler)
	return ls.micro.pool.caches[ls.id].AllocSized(fn, size)
}

func (ms *MicroScheduler) popOverflow() (*task.Task, bool) {
	for p := 0; p < len(ms.overflow); p++ {
		if t, ok := ms.overflow[p].TryPop(); ok {
			return t, true
		}
	}
	return nil, false
}

func (ms *MicroScheduler) isQuiescent() bool {
	for _, ls := range ms.locals {
		for p := range ls.deques {
			if !ls.deques[p].Empty() {
				return false
			}
		}
		for p := range ls.affinity {
			if !ls.affinity[p].Empty() {
				return false
			}
		}
	}
	for p := range ms.overflow {
		if !ms.overflow[p].Empty() {
			return false
		}
	}
	return true
}

// --- victim/thief registration ---

// AddExternalVictim registers other as a scheduler this one may steal from
// when it finds no local work. Mutual: other also records this scheduler as
// one of its thieves, so RemoveExternalVictim can drain in-flight steals
// safely. A scheduler cannot register itself as its own victim.
func (ms *MicroScheduler) AddExternalVictim(other *MicroScheduler) error {
	if other == ms {
		return ErrSelfVictimization
	}
	ms.victimsMu.Lock()
	ms.victims = append(ms.victims, other)
	ms.victimCount.Store(int32(len(ms.victims)))
	ms.victimsMu.Unlock()

	other.thievesMu.Lock()
	other.thieves = append(other.thieves, ms)
	other.thievesMu.Unlock()
	return nil
}

// RemoveExternalVictim unregisters other as a steal target of this
// scheduler. Blocks until any steal attempts against other that are already
// in flight from this scheduler's workers have drained, so other is safe to
// tear down immediately after this returns.
func (ms *MicroScheduler) RemoveExternalVictim(other *MicroScheduler) {
	ms.victimsMu.Lock()
	for i, v := range ms.victims {
		if v == other {
			ms.victims = append(ms.victims[:i], ms.victims[i+1:]...)
			break
		}
	}
	ms.victimCount.Store(int32(len(ms.victims)))
	ms.victimsMu.Unlock()

	for other.thiefAccess.Load() > 0 {
		runtime.Gosched()
	}

	other.thievesMu.Lock()
	for i, t := range other.thieves {
		if t == ms {
			other.thieves = append(other.thieves[:i], other.thieves[i+1:]...)
			break
		}
	}
	other.thievesMu.Unlock()
}

func (ms *MicroScheduler) snapshotVictims() []*MicroScheduler {
	ms.victimsMu.RLock()
	defer ms.victimsMu.RUnlock()
	out := make([]*MicroScheduler, len(ms.victims))
	copy(out, ms.victims)
	return out
}

// wakeThieves wakes one worker in every MicroScheduler currently registered
// to steal from this one, so a thief sleeping for lack of local work notices
// the task this call just made available.
func (ms *MicroScheduler) wakeThieves() {
	ms.thievesMu.Lock()
	thieves := append([]*MicroScheduler(nil), ms.thieves...)
	ms.thievesMu.Unlock()
	for _, th := range thieves {
		th.pool.wakeAny()
	}
}

// RegisterCallback adds fn to the list of last-resort task sources
// consulted by every worker's nonLocalFetch once local fetch, the overflow
// queue, the affinity queue and stealing have all found nothing.
func (ms *MicroScheduler) RegisterCallback(fn CheckForTaskFunc) {
	ms.callbacksMu.Lock()
	ms.callbacks = append(ms.callbacks, fn)
	ms.callbacksMu.Unlock()
}

func (ms *MicroScheduler) invokeCallbacks(ls *LocalScheduler) *task.Task {
	ms.callbacksMu.RLock()
	defer ms.callbacksMu.RUnlock()
	for _, cb := range ms.callbacks {
		if t := cb(ms, ls.worker.ID()); t != nil {
			return t
		}
	}
	return nil
}
