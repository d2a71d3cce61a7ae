package strategies

// PriorityAssign maps each of the batch's raw priorities (caller-defined,
// larger means more urgent) into the scheduler's configured lane indices,
// where lane 0 is the highest-priority lane a LocalScheduler drains first.
// Priorities outside [0, laneCount) are clamped. Adapted from the
// teacher's PriorityBasedStrategy, which kept a binary heap of jobs
// ordered the same way (higher priority value first, FIFO within a tie);
// here the scheduler's own fixed set of priority lanes plus its
// priority-boost aging (package sched) already provide that ordering and
// starvation protection, so this is reduced to the raw-priority-to-lane
// mapping.
func PriorityAssign(priorities []int, laneCount int) []int {
	if laneCount < 1 {
		laneCount = 1
	}
	out := make([]int, len(priorities))
	for i, p := range priorities {
		if p < 0 {
			p = 0
		}
		if p >= laneCount {
			p = laneCount - 1
		}
		// Higher raw priority -> lower (more urgent) lane index.
		out[i] = (laneCount - 1) - p
	}
	return out
}
