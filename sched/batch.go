package sched

import (
	"github.com/go-foundations/microsched/strategies"
	"github.com/go-foundations/microsched/task"
)

// SpawnBatch submits tasks together under the given DistributionStrategy,
// assigning each an initial affinity (RoundRobin, Chunked, WorkStealing) or
// an initial priority lane (PriorityBased, using priorities — one raw value
// per task, higher is more urgent) before handing every task to SpawnTask.
// Once spawned, all of them are subject to the runtime's ordinary
// work-stealing and overflow queueing regardless of strategy; this only
// controls where each task starts out.
//
// priorities is ignored unless strategy is PriorityBased, in which case it
// must have the same length as tasks.
func (ms *MicroScheduler) SpawnBatch(tasks []*task.Task, strategy strategies.DistributionStrategy, priorities []int) error {
	workerCount := len(ms.locals)

	var affinities []uint32
	var lanes []int
	switch strategy {
	case strategies.RoundRobin:
		affinities = strategies.RoundRobinAssign(len(tasks), workerCount)
	case strategies.Chunked:
		affinities = strategies.ChunkedAssign(len(tasks), workerCount)
	case strategies.WorkStealing:
		affinities = strategies.WorkStealingAssign(len(tasks))
	case strategies.PriorityBased:
		lanes = strategies.PriorityAssign(priorities, ms.cfg.PriorityCount)
	default:
		affinities = strategies.WorkStealingAssign(len(tasks))
	}

	for i, t := range tasks {
		priority := 0
		if lanes != nil {
			priority = lanes[i]
		} else if affinities != nil {
			t.SetAffinity(affinities[i])
		}
		if err := ms.SpawnTask(t, priority); err != nil {
			return err
		}
	}
	return nil
}
