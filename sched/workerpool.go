package sched

import (
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/atomic"

	"github.com/go-foundations/microsched/backoff"
	"github.com/go-foundations/microsched/task"
	"github.com/go-foundations/microsched/taskcache"
)

// poolIDCounter replaces the C++ source's process-wide singleton pool-id
// allocator (spec.md §9) with a package-level atomic counter; Go has no
// static-initialization-order hazard to design around, so the simplest
// correct translation is the simplest one.
var poolIDCounter atomic.Uint32

// ResetPoolIDCounterForTests resets the process-wide pool id allocator. Only
// meant for test isolation between independently-constructed pools in the
// same test binary.
func ResetPoolIDCounterForTests() { poolIDCounter.Store(0) }

// WorkerPool owns a fixed set of worker goroutines and the MicroSchedulers
// registered against it. Workers are spawned for the pool's entire lifetime
// at construction and stopped by Shutdown; there is no dynamic resizing.
type WorkerPool struct {
	id      uint32
	cfg     WorkerPoolConfig
	logger  *slog.Logger
	workers []*Worker
	caches  []*taskcache.Cache

	registryMu sync.RWMutex
	registry   []*MicroScheduler

	sleeping atomic.Int32
	attached atomic.Bool

	halted   atomic.Bool
	haltGate atomic.Int32
	haltMu   sync.Mutex
	haltCond *sync.Cond
}

// NewWorkerPool constructs a WorkerPool and starts its worker goroutines.
func NewWorkerPool(cfg WorkerPoolConfig) (*WorkerPool, error) {
	if cfg.WorkerCount <= 0 {
		return nil, fmt.Errorf("microsched: worker count must be positive, got %d", cfg.WorkerCount)
	}
	cfg.applyDefaults()

	p := &WorkerPool{
		id:     poolIDCounter.Inc(),
		cfg:    cfg,
		logger: cfg.Logger,
	}
	p.haltCond = sync.NewCond(&p.haltMu)
	p.attached.Store(true)

	p.workers = make([]*Worker, cfg.WorkerCount)
	p.caches = make([]*taskcache.Cache, cfg.WorkerCount)
	for i := 0; i < cfg.WorkerCount; i++ {
		p.caches[i] = taskcache.New(uint32(i), cfg.CachableTaskSize, cfg.InitialTaskCountPerWorker)
		p.workers[i] = newWorker(p, uint32(i))
		if i < len(cfg.WorkerUserData) {
			p.workers[i].SetUserData(cfg.WorkerUserData[i])
		}
	}
	for _, w := range p.workers {
		go w.loop()
	}
	p.logger.Debug("worker pool started", "pool", p.id, "workers", cfg.WorkerCount, "name", cfg.Name)
	return p, nil
}

// ID returns the pool's process-unique id.
func (p *WorkerPool) ID() uint32 { return p.id }

// WorkerCount returns the number of workers in the pool.
func (p *WorkerPool) WorkerCount() int { return len(p.workers) }

// WorkerUserData returns the user data set on the worker at the given local
// index (seeded from WorkerPoolConfig.WorkerUserData at construction),
// reachable from outside a running task's Context.
func (p *WorkerPool) WorkerUserData(localID uint32) any {
	if int(localID) >= len(p.workers) {
		return nil
	}
	return p.workers[localID].userData
}

// TLSIdentity calls WorkerPoolConfig.TLSHooks.Get, if set, and returns its
// result; returns nil if no TLSHooks.Get was configured.
func (p *WorkerPool) TLSIdentity() any {
	if p.cfg.TLSHooks.Get == nil {
		return nil
	}
	return p.cfg.TLSHooks.Get()
}

func (p *WorkerPool) attachScheduler(ms *MicroScheduler) {
	p.registryMu.Lock()
	p.registry = append(p.registry, ms)
	p.registryMu.Unlock()
}

func (p *WorkerPool) detachScheduler(ms *MicroScheduler) {
	p.registryMu.Lock()
	defer p.registryMu.Unlock()
	for i, r := range p.registry {
		if r == ms {
			p.registry = append(p.registry[:i], p.registry[i+1:]...)
			return
		}
	}
}

func (p *WorkerPool) snapshotRegistry() []*MicroScheduler {
	p.registryMu.RLock()
	defer p.registryMu.RUnlock()
	out := make([]*MicroScheduler, len(p.registry))
	copy(out, p.registry)
	return out
}

func (p *WorkerPool) wakeWorker(idx uint32) bool {
	if int(idx) >= len(p.workers) {
		return false
	}
	return p.workers[idx].blocker.Wake(1)
}

func (p *WorkerPool) wakeAny() {
	for _, w := range p.workers {
		if w.blocker.Wake(1) {
			return
		}
	}
}

func (p *WorkerPool) wakeAll() {
	for _, w := range p.workers {
		w.blocker.Wake(1)
	}
}

// cascadeWake is handed to each ThreadBlocker.Sleep call as the cascade
// callback: once woken with a positive resume count, a worker wakes up to n
// of its siblings itself, spreading the cost of waking a burst of sleepers
// across the goroutines being woken rather than the single original waker.
func (p *WorkerPool) cascadeWake(exclude uint32, n int) {
	woken := 0
	for i, w := range p.workers {
		if uint32(i) == exclude || woken >= n {
			continue
		}
		if w.blocker.Wake(1) {
			woken++
		}
	}
}

// Halt pauses every worker between tasks, for safe reconfiguration. Blocks
// until every worker has entered the halt gate. Idempotent.
func (p *WorkerPool) Halt() {
	if !p.halted.CompareAndSwap(false, true) {
		return
	}
	for p.haltGate.Load() < int32(len(p.workers)) {
		for _, w := range p.workers {
			w.blocker.Wake(1)
		}
	}
}

// Resume releases workers paused by Halt. Idempotent.
func (p *WorkerPool) Resume() {
	if !p.halted.CompareAndSwap(true, false) {
		return
	}
	p.haltMu.Lock()
	p.haltCond.Broadcast()
	p.haltMu.Unlock()
}

// Shutdown stops every worker goroutine and waits for them to exit.
// Idempotent.
func (p *WorkerPool) Shutdown() {
	if !p.attached.CompareAndSwap(true, false) {
		return
	}
	p.haltMu.Lock()
	p.halted.Store(false)
	p.haltCond.Broadcast()
	p.haltMu.Unlock()

	// Keep waking each worker until it exits: one that had not yet published
	// Blocked when first woken would otherwise sleep through a single Wake.
	for _, w := range p.workers {
		for done := false; !done; {
			select {
			case <-w.doneCh:
				done = true
			default:
				w.blocker.Wake(1)
			}
		}
	}
	p.logger.Debug("worker pool shut down", "pool", p.id)
}

func newBlocker() *backoff.ThreadBlocker { return backoff.NewThreadBlocker() }
