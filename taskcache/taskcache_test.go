package taskcache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/go-foundations/microsched/task"
)

type TaskCacheTestSuite struct {
	suite.Suite
}

func TestTaskCacheTestSuite(t *testing.T) {
	suite.Run(t, new(TaskCacheTestSuite))
}

func (ts *TaskCacheTestSuite) TestAllocFreshWhenEmpty() {
	c := New(0, 256, 0)
	tk := c.Alloc(func(ctx task.Context) *task.Task { return nil })

	ts.NotNil(tk)
	ts.EqualValues(0, tk.OwningWorker())
	ts.True(tk.HasFlag(task.FlagIsSmall))
}

func (ts *TaskCacheTestSuite) TestSameWorkerFreeThenAllocReuses() {
	c := New(0, 256, 0)
	tk := c.Alloc(nil)
	c.Free(tk, 0)

	reused := c.Alloc(func(ctx task.Context) *task.Task { return nil })
	ts.Same(tk, reused)
	ts.True(reused.HasPayload())
	ts.EqualValues(1, reused.RefCount())
}

func (ts *TaskCacheTestSuite) TestCrossWorkerFreeGoesToDeferredStack() {
	c := New(0, 256, 0)
	tk := c.Alloc(nil)

	// Simulate a different worker freeing a task it stole and finished:
	// same owner cache, but freedBy != owner.
	c.Free(tk, 1)

	reused := c.Alloc(nil)
	ts.Same(tk, reused, "deferred-free task should be reclaimed on next Alloc")
}

func (ts *TaskCacheTestSuite) TestAllocSizedAboveCutoffBypassesCache() {
	c := New(0, 256, 0)
	big := c.AllocSized(nil, 4096)
	ts.False(big.HasFlag(task.FlagIsSmall))

	c.Free(big, 0)
	// Free is a no-op for a task not flagged FlagIsSmall, so big never
	// reaches the free list; nothing here should come back out of Alloc as
	// the same task.
	small := c.Alloc(nil)
	ts.NotSame(big, small)
}

func (ts *TaskCacheTestSuite) TestInitialTaskCountPreallocates() {
	c := New(0, 256, 3)
	seen := make(map[*task.Task]bool)
	for i := 0; i < 3; i++ {
		tk := c.Alloc(func(ctx task.Context) *task.Task { return nil })
		ts.True(tk.HasFlag(task.FlagIsSmall))
		ts.False(seen[tk])
		seen[tk] = true
	}
}

func (ts *TaskCacheTestSuite) TestConcurrentDeferredFreesAllDrain() {
	c := New(0, 256, 0)
	const n = 500

	allocated := make([]*task.Task, n)
	for i := range allocated {
		allocated[i] = c.Alloc(nil)
	}

	var wg sync.WaitGroup
	for _, t := range allocated {
		wg.Add(1)
		go func(t *task.Task) {
			defer wg.Done()
			c.Free(t, 1) // cross-worker free, always deferred
		}(t)
	}
	wg.Wait()

	seen := make(map[*task.Task]bool)
	for i := 0; i < n; i++ {
		tk := c.Alloc(nil)
		ts.False(seen[tk], "same task handed out twice by Alloc")
		seen[tk] = true
	}
}
