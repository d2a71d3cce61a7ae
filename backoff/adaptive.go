package backoff

// AdaptiveBackoff paces a worker's spin-before-sleep decision using an
// exponential moving average of how many unproductive fetch attempts
// preceded the last time it actually found work, rather than a fixed spin
// count. A worker in a bursty workload (short unproductive intervals)
// commits to sleeping quickly; one in a sparse workload (long unproductive
// intervals, e.g. waiting on a slow upstream producer) tolerates a longer
// spin before paying the cost of a full sleep/wake round trip.
//
// The smoothing itself is grounded on the teacher's
// AdaptiveStrategy.updateMetrics (strategies/adaptive_strategy.go), which
// already implements "EWMA of a performance signal with a tunable smoothing
// factor" for strategy-switching; this repurposes that exact shape to track
// sleep-threshold cycles instead of jobs/sec.
//
// AdaptiveBackoff is owned by a single worker goroutine and is not safe for
// concurrent use.
type AdaptiveBackoff struct {
	alpha           float64
	ewmaCycles      float64
	thresholdCycles int64
	spinCount       int64
}

// NewAdaptiveBackoff constructs an AdaptiveBackoff with the given smoothing
// factor (0 < alpha <= 1; higher weights the most recent interval more
// heavily). A non-positive or out-of-range alpha falls back to 0.3, matching
// the teacher's default.
func NewAdaptiveBackoff(alpha float64) *AdaptiveBackoff {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	return &AdaptiveBackoff{alpha: alpha, thresholdCycles: 1}
}

// Spin should be called once per unsuccessful fetch attempt. It returns true
// once the accumulated spin count has reached the adaptive threshold,
// signaling the caller should stop spinning and actually sleep.
func (b *AdaptiveBackoff) Spin() bool {
	b.spinCount++
	return b.spinCount >= b.thresholdCycles
}

// Reset folds the length of the just-ended unproductive interval into the
// EWMA and clears the spin counter. Call it whenever a fetch attempt finds
// work (the interval was productive) or after committing to a sleep (the
// interval is over either way).
func (b *AdaptiveBackoff) Reset() {
	if b.spinCount > 0 {
		sample := float64(b.spinCount)
		if b.ewmaCycles == 0 {
			b.ewmaCycles = sample
		} else {
			b.ewmaCycles = b.alpha*sample + (1-b.alpha)*b.ewmaCycles
		}
		b.thresholdCycles = int64(b.ewmaCycles)
		if b.thresholdCycles < 1 {
			b.thresholdCycles = 1
		}
	}
	b.spinCount = 0
}

// Threshold returns the current adaptive spin threshold, for diagnostics.
func (b *AdaptiveBackoff) Threshold() int64 { return b.thresholdCycles }
