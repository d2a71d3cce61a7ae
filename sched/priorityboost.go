package sched

// priorityBoost implements spec.md §4.4's anti-starvation aging counter: a
// per-LocalScheduler (not per-priority-lane) counter decremented on every
// dispatched task regardless of its priority. When it reaches zero, the
// next local fetch skips priority 0 and instead serves one of the lower
// priority lanes round robin, before the counter resets. Confirmed against
// the original source's LocalScheduler.h, which keeps this counter on the
// scheduler itself rather than threading it through the priority queues.
type priorityBoost struct {
	ageStart int
	age      int
	rr       uint32
}

func newPriorityBoost(age int) *priorityBoost {
	if age <= 0 {
		age = 1
	}
	return &priorityBoost{ageStart: age, age: age}
}

func (b *priorityBoost) tick() { b.age-- }

func (b *priorityBoost) expired() bool { return b.age <= 0 }

func (b *priorityBoost) reset() { b.age = b.ageStart }

// next returns the next lower-priority lane to serve (1..lanes, skipping 0),
// round robin across the nonZeroLanes lanes below priority 0.
func (b *priorityBoost) next(nonZeroLanes int) int {
	v := int(b.rr % uint32(nonZeroLanes))
	b.rr++
	return 1 + v
}
