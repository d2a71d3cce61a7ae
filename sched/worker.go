package sched

import (
	"runtime"

	"github.com/go-foundations/microsched/backoff"
	"github.com/go-foundations/microsched/task"
)

// Worker is one goroutine's seat in a WorkerPool: its identity, its sleep
// state machine, its adaptive backoff, and its task cache. A Worker may
// drive dispatch for several MicroSchedulers registered against the same
// pool, one LocalScheduler per scheduler.
type Worker struct {
	pool     *WorkerPool
	localID  uint32
	blocker  *backoff.ThreadBlocker
	backoff  *backoff.AdaptiveBackoff
	userData any
	rr       uint32
	doneCh   chan struct{}
}

func newWorker(p *WorkerPool, localID uint32) *Worker {
	return &Worker{
		pool:    p,
		localID: localID,
		blocker: newBlocker(),
		backoff: backoff.NewAdaptiveBackoff(p.cfg.BackoffAlpha),
		doneCh:  make(chan struct{}),
	}
}

// ID returns this worker's pool+local identity.
func (w *Worker) ID() task.WorkerID {
	return task.WorkerID{Pool: w.pool.id, Local: w.localID}
}

// SetUserData stores opaque caller data reachable from any task running on
// this worker via Context.UserData.
func (w *Worker) SetUserData(v any) { w.userData = v }

func (w *Worker) loop() {
	if int(w.localID) < len(w.pool.cfg.WorkerAffinityGroups) && w.pool.cfg.WorkerAffinityGroups[w.localID] {
		// Binds this goroutine to its own OS thread for the rest of its
		// life. The portable half of spec.md §6's "per-worker affinity set +
		// group": see WorkerPoolConfig.WorkerAffinityGroups and DESIGN.md.
		runtime.LockOSThread()
	}
	if w.pool.cfg.TLSHooks.Set != nil {
		w.pool.cfg.TLSHooks.Set(w.ID())
	}
	if w.pool.cfg.OnWorkerStart != nil {
		w.pool.cfg.OnWorkerStart(w.ID())
	}
	defer func() {
		if w.pool.cfg.OnWorkerExit != nil {
			w.pool.cfg.OnWorkerExit(w.ID())
		}
		if w.pool.cfg.TLSHooks.Set != nil {
			w.pool.cfg.TLSHooks.Set(nil)
		}
		close(w.doneCh)
	}()

	for w.pool.attached.Load() {
		if w.pool.halted.Load() {
			w.enterHaltGate()
			continue
		}
		if w.scanSchedulers() {
			w.backoff.Reset()
			continue
		}
		w.sleep()
	}
}

// scanSchedulers round-robins across every MicroScheduler registered with
// this worker's pool, driving each one's dispatch loop for this worker once.
// Returns true if any task executed anywhere in the scan.
func (w *Worker) scanSchedulers() bool {
	regs := w.pool.snapshotRegistry()
	n := len(regs)
	if n == 0 {
		return false
	}
	ranAny := false
	for i := 0; i < n; i++ {
		idx := int(w.rr+uint32(i)) % n
		ms := regs[idx]
		ls := ms.locals[w.localID]
		if ls.dispatchLoop(nil, 0, nil) {
			ranAny = true
		}
	}
	w.rr++
	return ranAny
}

func (w *Worker) sleep() {
	if !w.backoff.Spin() {
		return
	}
	w.pool.logger.Debug("worker sleeping", "worker", w.localID)
	w.blocker.Sleep(&w.pool.sleeping, func(n int) {
		w.pool.cascadeWake(w.localID, n)
	})
	w.backoff.Reset()
}

func (w *Worker) enterHaltGate() {
	w.pool.haltMu.Lock()
	w.pool.haltGate.Inc()
	for w.pool.halted.Load() && w.pool.attached.Load() {
		w.pool.haltCond.Wait()
	}
	w.pool.haltGate.Dec()
	w.pool.haltMu.Unlock()
}
