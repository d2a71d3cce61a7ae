package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

type RingTestSuite struct {
	suite.Suite
}

func TestRingTestSuite(t *testing.T) {
	suite.Run(t, new(RingTestSuite))
}

func (ts *RingTestSuite) TestPushPopFIFO() {
	r := NewRing[int](4)

	ts.True(r.TryPush(1))
	ts.True(r.TryPush(2))
	ts.True(r.TryPush(3))

	for _, want := range []int{1, 2, 3} {
		v, ok := r.TryPop()
		ts.True(ok)
		ts.Equal(want, v)
	}
}

func (ts *RingTestSuite) TestPopOnEmptyFails() {
	r := NewRing[int](4)
	_, ok := r.TryPop()
	ts.False(ok)
}

func (ts *RingTestSuite) TestEmpty() {
	r := NewRing[int](4)
	ts.True(r.Empty())
	r.TryPush(1)
	ts.False(r.Empty())
	r.TryPop()
	ts.True(r.Empty())
}

func (ts *RingTestSuite) TestGrowPreservesFIFOOrder() {
	r := NewRing[int](2)
	const n = 500
	for i := 0; i < n; i++ {
		ts.True(r.TryPush(i))
	}
	for i := 0; i < n; i++ {
		v, ok := r.TryPop()
		ts.True(ok)
		ts.Equal(i, v)
	}
	ts.True(r.Empty())
}

func (ts *RingTestSuite) TestConcurrentProducersConsumersNoLossOrDuplicate() {
	r := NewRing[int](8)
	const n = 4000
	const producers = 4

	var wg sync.WaitGroup
	perProducer := n / producers
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !r.TryPush(base + i) {
				}
			}
		}(p * perProducer)
	}
	wg.Wait()

	seen := make(map[int]int)
	for len(seen) < n {
		if v, ok := r.TryPop(); ok {
			seen[v]++
		}
	}

	ts.Len(seen, n)
	for v, count := range seen {
		ts.Equal(1, count, "value %d popped more than once", v)
	}
}

func (ts *RingTestSuite) TestAffinityAndOverflowQueueWrapRing() {
	aq := NewAffinityQueue[string](4)
	ts.True(aq.TryPush("a"))
	v, ok := aq.TryPop()
	ts.True(ok)
	ts.Equal("a", v)

	oq := NewOverflowQueue[string](4)
	ts.True(oq.TryPush("b"))
	v, ok = oq.TryPop()
	ts.True(ok)
	ts.Equal("b", v)
}
