package wsdeque

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

type DequeTestSuite struct {
	suite.Suite
}

func TestDequeTestSuite(t *testing.T) {
	suite.Run(t, new(DequeTestSuite))
}

func (ts *DequeTestSuite) TestPushPopLIFO() {
	d := New[int](4)

	ts.True(d.TryPush(1))
	ts.True(d.TryPush(2))
	ts.True(d.TryPush(3))
	ts.EqualValues(3, d.Len())

	v, ok := d.TryPop()
	ts.True(ok)
	ts.Equal(3, v)

	v, ok = d.TryPop()
	ts.True(ok)
	ts.Equal(2, v)
}

func (ts *DequeTestSuite) TestStealFIFO() {
	d := New[int](4)
	d.TryPush(1)
	d.TryPush(2)
	d.TryPush(3)

	v, ok := d.TrySteal()
	ts.True(ok)
	ts.Equal(1, v)

	v, ok = d.TrySteal()
	ts.True(ok)
	ts.Equal(2, v)
}

func (ts *DequeTestSuite) TestPopOnEmptyFails() {
	d := New[int](4)
	_, ok := d.TryPop()
	ts.False(ok)
}

func (ts *DequeTestSuite) TestStealOnEmptyFails() {
	d := New[int](4)
	_, ok := d.TrySteal()
	ts.False(ok)
}

func (ts *DequeTestSuite) TestSingleElementRaceOnlyOneWinner() {
	for trial := 0; trial < 200; trial++ {
		d := New[int](4)
		d.TryPush(42)

		var wg sync.WaitGroup
		results := make([]bool, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, results[0] = d.TryPop()
		}()
		go func() {
			defer wg.Done()
			_, results[1] = d.TrySteal()
		}()
		wg.Wait()

		wins := 0
		if results[0] {
			wins++
		}
		if results[1] {
			wins++
		}
		ts.Equal(1, wins, "exactly one of pop/steal must win the single-element race")
	}
}

func (ts *DequeTestSuite) TestGrowPreservesOrder() {
	d := New[int](2)
	for i := 0; i < 100; i++ {
		ts.True(d.TryPush(i))
	}
	ts.EqualValues(100, d.Len())

	for i := 0; i < 100; i++ {
		v, ok := d.TrySteal()
		ts.True(ok)
		ts.Equal(i, v)
	}
}

func (ts *DequeTestSuite) TestEmpty() {
	d := New[int](4)
	ts.True(d.Empty())
	d.TryPush(1)
	ts.False(d.Empty())
}

func (ts *DequeTestSuite) TestConcurrentStealersNoDuplicateOrLoss() {
	d := New[int](8)
	const n = 2000
	for i := 0; i < n; i++ {
		d.TryPush(i)
	}

	var mu sync.Mutex
	seen := make(map[int]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				v, ok := d.TrySteal()
				if !ok {
					if d.Empty() {
						return
					}
					continue
				}
				mu.Lock()
				seen[v]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	ts.Len(seen, n)
	for v, count := range seen {
		ts.Equal(1, count, "value %d stolen more than once", v)
	}
}
