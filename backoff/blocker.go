// Package backoff implements the two ways a worker paces itself when it
// finds no work: ThreadBlocker, a binary-semaphore sleep/wake state machine
// with a wake cascade, and AdaptiveBackoff, an EWMA-driven spin threshold
// that decides when a worker has spun long enough to be worth actually
// sleeping.
package backoff

import (
	"runtime"

	"go.uber.org/atomic"
)

// State is a ThreadBlocker's publication state. Transitions are
// Awake -> Blocked -> Unblocked -> OutOfSignalLoop -> Awake.
type State uint32

const (
	Awake State = iota
	Blocked
	Unblocked
	OutOfSignalLoop
)

// ThreadBlocker parks a single worker goroutine until woken, mirroring
// spec.md §4.5's sleep/wake state machine: a binary semaphore plus a small
// published state so a waker can tell exactly which phase of waking up a
// sleeper is in, and a resume-count cascade so one Wake can hand off waking
// several more sleepers to the goroutine it just woke.
type ThreadBlocker struct {
	state       atomic.Uint32
	numWakers   atomic.Int32
	resumeCount atomic.Int32
	sem         chan struct{}
}

// NewThreadBlocker constructs an awake, unblocked ThreadBlocker.
func NewThreadBlocker() *ThreadBlocker {
	return &ThreadBlocker{sem: make(chan struct{}, 1)}
}

// Sleep parks the calling goroutine until a Wake call fully transitions it
// back to Awake. sleeping is incremented while parked (mirroring the pool's
// sleeping-worker count) and decremented just before returning. cascade, if
// the blocker was woken with a resume count left over, is invoked with how
// many additional sleepers the caller should try to wake itself.
func (b *ThreadBlocker) Sleep(sleeping *atomic.Int32, cascade func(n int)) {
	b.state.Store(uint32(Blocked))
	select {
	case <-b.sem:
	default:
	}
	sleeping.Inc()
	<-b.sem
	b.state.Store(uint32(Unblocked))
	for b.state.Load() != uint32(OutOfSignalLoop) {
		runtime.Gosched()
	}
	b.state.Store(uint32(Awake))
	if n := b.resumeCount.Swap(0); n > 0 && cascade != nil {
		cascade(int(n))
	}
	sleeping.Dec()
}

// ResetSignal drains a stale semaphore post. Called when work is delivered
// to this worker by a path that doesn't go through Wake (e.g. an affinity
// queue push), so a future Sleep doesn't fire immediately against a signal
// meant for a wake that already happened.
func (b *ThreadBlocker) ResetSignal() {
	select {
	case <-b.sem:
	default:
	}
}

// Wake attempts to wake a Blocked sleeper, leaving resumeCount at n-1 so the
// woken goroutine can cascade-wake up to n-1 further sleepers itself. Only
// one caller may be actively waking a given ThreadBlocker at a time; Wake
// returns false immediately if another Wake is already in flight, or if the
// blocker was not Blocked to begin with.
func (b *ThreadBlocker) Wake(n int) bool {
	if !b.numWakers.CompareAndSwap(0, 1) {
		return false
	}
	defer b.numWakers.Store(0)

	if b.state.Load() != uint32(Blocked) {
		return false
	}

	for b.state.Load() == uint32(Blocked) {
		select {
		case b.sem <- struct{}{}:
		default:
		}
		if b.state.Load() != uint32(Blocked) {
			break
		}
		runtime.Gosched()
	}
	for b.state.Load() != uint32(Unblocked) {
		runtime.Gosched()
	}
	// Published before releasing the sleeper, which reads it right after
	// storing Awake.
	if n > 1 {
		b.resumeCount.Store(int32(n - 1))
	}
	b.state.Store(uint32(OutOfSignalLoop))
	for b.state.Load() != uint32(Awake) {
		runtime.Gosched()
	}
	return true
}

// IsBlocked reports whether the blocker is currently parked.
func (b *ThreadBlocker) IsBlocked() bool { return b.state.Load() == uint32(Blocked) }
