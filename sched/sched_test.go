package sched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/go-foundations/microsched/task"
)

type SchedTestSuite struct {
	suite.Suite
}

func TestSchedTestSuite(t *testing.T) {
	suite.Run(t, new(SchedTestSuite))
}

func (ts *SchedTestSuite) newPool(workers int) *WorkerPool {
	p, err := NewWorkerPool(DefaultWorkerPoolConfig(workers))
	ts.Require().NoError(err)
	return p
}

func (ts *SchedTestSuite) TestNewWorkerPoolRejectsNonPositiveCount() {
	_, err := NewWorkerPool(WorkerPoolConfig{WorkerCount: 0})
	ts.Error(err)
}

func (ts *SchedTestSuite) TestWorkerPoolShutdownIsIdempotent() {
	p := ts.newPool(2)
	p.Shutdown()
	p.Shutdown() // must not block or panic the second time
}

func (ts *SchedTestSuite) TestSpawnTaskAndWaitRunsPayload() {
	p := ts.newPool(4)
	defer p.Shutdown()
	ms := NewMicroScheduler(p, MicroSchedulerConfig{PriorityCount: 2})

	ran := false
	t := task.New(func(ctx task.Context) *task.Task {
		ran = true
		return nil
	})
	ms.SpawnTaskAndWait(t, 0)

	ts.True(ran)
}

func (ts *SchedTestSuite) TestForkJoinSumsChildren() {
	p := ts.newPool(4)
	defer p.Shutdown()
	ms := NewMicroScheduler(p, MicroSchedulerConfig{PriorityCount: 1})

	var a, b int
	root := task.New(func(ctx task.Context) *task.Task {
		left := AllocateTask(ctx, func(ctx task.Context) *task.Task { a = 2; return nil })
		ctx.Self.AddChildWithRef(left)
		ctx.Dispatch.SpawnTask(left, 0)

		right := AllocateTask(ctx, func(ctx task.Context) *task.Task { b = 3; return nil })
		ctx.Self.AddChildWithRef(right)
		ctx.Dispatch.SpawnTask(right, 0)

		ctx.Self.WaitForAll(ctx)
		return nil
	})
	ms.SpawnTaskAndWait(root, 0)

	ts.Equal(2, a)
	ts.Equal(3, b)
}

func (ts *SchedTestSuite) TestAffinityPinsToWorker() {
	p := ts.newPool(3)
	defer p.Shutdown()
	ms := NewMicroScheduler(p, MicroSchedulerConfig{PriorityCount: 1})

	seen := make(chan uint32, 1)
	t := task.New(func(ctx task.Context) *task.Task {
		seen <- ctx.Worker.Local
		return nil
	})
	t.SetAffinity(1)
	ts.Require().NoError(ms.SpawnTask(t, 0))

	select {
	case w := <-seen:
		ts.EqualValues(1, w)
	case <-time.After(time.Second):
		ts.Fail("affinitized task never ran")
	}
}

func (ts *SchedTestSuite) TestExternalVictimRegistrationRejectsSelf() {
	p := ts.newPool(2)
	defer p.Shutdown()
	ms := NewMicroScheduler(p, MicroSchedulerConfig{PriorityCount: 1})

	ts.ErrorIs(ms.AddExternalVictim(ms), ErrSelfVictimization)
}

func (ts *SchedTestSuite) TestExternalVictimRegistrationIsMutualAndRemovable() {
	p := ts.newPool(2)
	defer p.Shutdown()
	msA := NewMicroScheduler(p, MicroSchedulerConfig{Name: "a", PriorityCount: 1})
	msB := NewMicroScheduler(p, MicroSchedulerConfig{Name: "b", PriorityCount: 1})

	ts.Require().NoError(msA.AddExternalVictim(msB))
	ts.Equal([]*MicroScheduler{msB}, msA.snapshotVictims())
	ts.Contains(msB.thieves, msA)

	msA.RemoveExternalVictim(msB)
	ts.Empty(msA.snapshotVictims())
	ts.NotContains(msB.thieves, msA)
}

func (ts *SchedTestSuite) TestWorkerUserDataSeededFromConfig() {
	cfg := DefaultWorkerPoolConfig(3)
	cfg.WorkerUserData = []any{"zero", "one"}
	p, err := NewWorkerPool(cfg)
	ts.Require().NoError(err)
	defer p.Shutdown()

	ts.Equal("zero", p.WorkerUserData(0))
	ts.Equal("one", p.WorkerUserData(1))
	ts.Nil(p.WorkerUserData(2), "worker with no configured entry starts with nil user data")
}

func (ts *SchedTestSuite) TestTLSHooksCalledOnWorkerStartAndExit() {
	type slot struct {
		v any
	}
	s := &slot{}
	cfg := DefaultWorkerPoolConfig(1)
	cfg.TLSHooks = TLSHooks{
		Get: func() any { return s.v },
		Set: func(v any) { s.v = v },
	}
	p, err := NewWorkerPool(cfg)
	ts.Require().NoError(err)

	ts.Eventually(func() bool {
		id, ok := p.TLSIdentity().(task.WorkerID)
		return ok && id.Local == 0
	}, time.Second, time.Millisecond)

	p.Shutdown()
	ts.Nil(p.TLSIdentity(), "TLS identity must be cleared once the worker exits")
}

func (ts *SchedTestSuite) TestAllocateTaskSizedBypassesCacheAboveCutoff() {
	cfg := DefaultWorkerPoolConfig(2)
	cfg.CachableTaskSize = 64
	p, err := NewWorkerPool(cfg)
	ts.Require().NoError(err)
	defer p.Shutdown()
	ms := NewMicroScheduler(p, MicroSchedulerConfig{PriorityCount: 1})

	var small, big bool
	root := task.New(func(ctx task.Context) *task.Task {
		s := AllocateTaskSized(ctx, nil, 16)
		b := AllocateTaskSized(ctx, nil, 4096)
		small = s.HasFlag(task.FlagIsSmall)
		big = b.HasFlag(task.FlagIsSmall)
		return nil
	})
	ms.SpawnTaskAndWait(root, 0)

	ts.True(small)
	ts.False(big)
}

func (ts *SchedTestSuite) TestIsolateOnlyRunsTaggedTasks() {
	// One worker, so outer can only run on the worker driving the isolated
	// loop; with more workers a sibling may steal and run it at any time.
	p := ts.newPool(1)
	defer p.Shutdown()
	ms := NewMicroScheduler(p, MicroSchedulerConfig{PriorityCount: 1})

	order := make(chan string, 2)
	root := task.New(func(ctx task.Context) *task.Task {
		outer := AllocateTask(ctx, func(ctx task.Context) *task.Task {
			order <- "outer"
			return nil
		})
		ctx.Self.AddChildWithRef(outer)
		ctx.Dispatch.SpawnTask(outer, 0)

		Isolate(ctx, func(isoCtx task.Context) {
			inner := task.New(func(ctx task.Context) *task.Task {
				order <- "inner"
				return nil
			})
			isoCtx.Dispatch.SpawnTask(inner, 0)
		})

		ctx.Self.WaitForAll(ctx)
		return nil
	})
	ms.SpawnTaskAndWait(root, 0)

	first := <-order
	ts.Equal("inner", first, "isolated task must finish before the isolation scope returns")
}
