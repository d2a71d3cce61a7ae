package strategies

import "github.com/go-foundations/microsched/task"

// WorkStealingAssign leaves every task in the batch unpinned
// (task.AnyWorker). With no initial affinity, each task goes where its spawn
// call routes it (the MicroScheduler's shared overflow queue for
// sched.SpawnBatch, the spawning worker's own deque for an in-task spawn),
// and whichever workers are idle pick it up from there or steal it (package
// wsdeque), so the runtime does the load balancing instead of a fixed
// upfront placement. Adapted from the teacher's WorkStealingStrategy,
// which pre-seeded one deque per worker round-robin and then let idle
// workers steal from each other — the placement this produces is
// equivalent, minus the upfront round-robin seed, since stealing alone
// already balances an unpinned batch across a live pool.
func WorkStealingAssign(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = task.AnyWorker
	}
	return out
}
