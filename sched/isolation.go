package sched

import (
	"runtime"

	"github.com/go-foundations/microsched/task"
)

// isolationTag is compared by pointer identity, one per Isolate call.
type isolationTag struct{}

// Isolate runs fn in a nested dispatch loop that only ever executes tasks
// spawned (directly or transitively) underneath this Isolate call on the
// calling worker, mirroring the original GTS task_isolation_example: a task
// that blocks on spawn_and_wait_for_all deep inside a library call must not
// risk the calling worker picking up and running an unrelated task from an
// enclosing scope that could reenter non-reentrant state.
//
// fn receives a task.Context whose Dispatch tags every task spawned through
// it with a fresh isolation tag. While driving the isolated wait, any task
// popped from this worker's normal sources that does not carry the matching
// tag is pushed back onto the local deque untouched, for the enclosing loop
// to pick up once isolation ends, rather than being run out of turn.
func Isolate(ctx task.Context, fn func(ctx task.Context)) {
	ls, ok := ctx.Dispatch.(*LocalScheduler)
	if !ok {
		// No isolation scoping is possible without a concrete
		// LocalScheduler to drive; fall back to running fn directly.
		fn(ctx)
		return
	}

	tag := &isolationTag{}
	waiter := task.NewWaiter()
	waiter.AddRef(1) // wait sentinel: refcount now 2 (self + sentinel); every
	// task spawned under this isolation bumps it further, so "refcount==2"
	// means every isolated child has finished.

	iso := &isolatedDispatch{LocalScheduler: ls, tag: tag, waiter: waiter}
	isoCtx := task.Context{Dispatch: iso, Worker: ctx.Worker, Self: ctx.Self, UserData: ctx.UserData}

	fn(isoCtx)

	iso.run()
}

// isolatedDispatch wraps a *LocalScheduler, tagging every task it spawns and
// running its own filtering dispatch loop that only executes tasks carrying
// its tag.
type isolatedDispatch struct {
	*LocalScheduler
	tag    *isolationTag
	waiter *task.Task
}

func (d *isolatedDispatch) SpawnTask(t *task.Task, priority int) error {
	d.waiter.AddRef(1)
	t.SetParent(d.waiter)
	t.SetIsolationTag(d.tag)
	return d.LocalScheduler.SpawnTask(t, priority)
}

func (d *isolatedDispatch) RunInline(t *task.Task) {
	d.waiter.AddRef(1)
	t.SetParent(d.waiter)
	t.SetIsolationTag(d.tag)
	for t != nil {
		t = d.LocalScheduler.runOne(t)
	}
}

// run drives a filtering dispatch loop until every task spawned under this
// isolation has finished. Tasks popped that don't carry this isolation's tag
// are pushed back to the local deque rather than executed.
func (d *isolatedDispatch) run() {
	for d.waiter.RefCount() > 2 {
		t := d.LocalScheduler.localFetch()
		if t == nil {
			t = d.LocalScheduler.nonLocalFetch()
		}
		if t == nil {
			runtime.Gosched()
			continue
		}
		if t.IsolationTag() != d.tag {
			_ = d.LocalScheduler.SpawnTask(t, 0)
			continue
		}
		for t != nil {
			t = d.LocalScheduler.runOne(t)
		}
	}
	d.waiter.SetRef(1)
}
