package backoff

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/atomic"

	"github.com/stretchr/testify/suite"
)

type BackoffTestSuite struct {
	suite.Suite
}

func TestBackoffTestSuite(t *testing.T) {
	suite.Run(t, new(BackoffTestSuite))
}

func (ts *BackoffTestSuite) TestAdaptiveBackoffSpinThenThreshold() {
	ab := NewAdaptiveBackoff(0.3)
	ts.Greater(ab.Threshold(), int64(0))

	expired := false
	for i := int64(0); i < ab.Threshold()+1; i++ {
		if ab.Spin() {
			expired = true
			break
		}
	}
	ts.True(expired, "Spin should eventually report threshold crossed")
}

func (ts *BackoffTestSuite) TestAdaptiveBackoffResetFoldsIntoEWMA() {
	ab := NewAdaptiveBackoff(0.3)
	before := ab.Threshold()

	for i := 0; i < 10; i++ {
		ab.Spin()
	}
	ab.Reset()

	// EWMA-folded threshold should still be positive and finite.
	ts.Greater(ab.Threshold(), int64(0))
	_ = before
}

func (ts *BackoffTestSuite) TestThreadBlockerWakeReturnsFalseWhenAwake() {
	tb := NewThreadBlocker()
	ts.False(tb.IsBlocked())
	ts.False(tb.Wake(1))
}

func (ts *BackoffTestSuite) TestThreadBlockerSleepWake() {
	tb := NewThreadBlocker()
	sleeping := atomic.NewInt32(0)

	var wg sync.WaitGroup
	wg.Add(1)
	woke := make(chan struct{})
	go func() {
		defer wg.Done()
		tb.Sleep(sleeping, func(n int) {})
		close(woke)
	}()

	// Give the goroutine a chance to reach the blocked state.
	deadline := time.Now().Add(time.Second)
	for !tb.IsBlocked() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	ts.True(tb.IsBlocked())

	ts.True(tb.Wake(1))

	select {
	case <-woke:
	case <-time.After(time.Second):
		ts.Fail("Sleep did not return after Wake")
	}
	wg.Wait()
}

func (ts *BackoffTestSuite) TestThreadBlockerResetSignal() {
	tb := NewThreadBlocker()
	tb.ResetSignal()
	ts.False(tb.IsBlocked())
}
