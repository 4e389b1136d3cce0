package kpoll

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func goTake(c *Counter, th *Thread, timeout Timeout) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- c.Take(context.Background(), th, timeout) }()
	return ch
}

func TestCounter_giveAndTake(t *testing.T) {
	k := newTestKernel(t)
	c := k.NewCounter(2, 3)
	th := k.NewThread(`taker`, 1)

	assert.True(t, c.TryTake())
	assert.NoError(t, c.Take(context.Background(), th, NoWait))
	assert.False(t, c.TryTake())
	assert.ErrorIs(t, c.Take(context.Background(), th, NoWait), ErrWouldBlock)

	for range 5 {
		c.Give()
	}
	assert.Equal(t, uint(3), c.Count(), `capped at limit`)
}

func TestCounter_takeHandoff(t *testing.T) {
	k := newTestKernel(t)
	c := k.NewCounter(0, 0)
	low := k.NewThread(`low`, 9)
	high := k.NewThread(`high`, 1)
	poller := k.NewThread(`poller`, 0)

	rLow := goTake(c, low, Forever)
	waitPended(t, low)
	rHigh := goTake(c, high, Forever)
	waitPended(t, high)

	events := []Event{CounterEvent(c)}
	rPoll := goPoll(context.Background(), poller, events, Forever)
	waitPended(t, poller)

	c.Give()
	assert.NoError(t, requireResult(t, rHigh), `most urgent taker first`)
	assert.True(t, low.Pended())
	assert.True(t, poller.Pended(), `takers are served before pollers`)
	assert.Zero(t, c.Count(), `handed off, not counted`)

	c.Give()
	assert.NoError(t, requireResult(t, rLow))

	c.Give()
	assert.NoError(t, requireResult(t, rPoll))
	assert.Equal(t, uint(1), c.Count())
	assert.Equal(t, StateCounterAvailable, events[0].State())
}

func TestCounter_takeTimeout(t *testing.T) {
	k := newTestKernel(t)
	c := k.NewCounter(0, 0)
	th := k.NewThread(`taker`, 1)

	const timeout = Timeout(time.Millisecond * 30)
	start := time.Now()
	assert.ErrorIs(t, c.Take(context.Background(), th, timeout), ErrTimedOut)
	assert.GreaterOrEqual(t, time.Since(start), time.Duration(timeout))
	assert.False(t, th.Pended())

	// the thread must be reusable
	c.Give()
	assert.NoError(t, c.Take(context.Background(), th, Forever))
}

func TestCounter_takeCancelled(t *testing.T) {
	k := newTestKernel(t)
	c := k.NewCounter(0, 0)
	th := k.NewThread(`taker`, 1)

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- c.Take(ctx, th, Forever) }()
	waitPended(t, th)
	cancel()

	assert.ErrorIs(t, requireResult(t, ch), ErrCancelled)

	c.Give()
	assert.Equal(t, uint(1), c.Count(), `a cancelled taker must not receive the unit`)
}

func TestNewCounter_panics(t *testing.T) {
	k := newTestKernel(t)
	assert.Panics(t, func() { k.NewCounter(4, 3) })
	require.NotPanics(t, func() { k.NewCounter(3, 3) })
}

func TestCounter_takeInsideBlockingCall(t *testing.T) {
	k := newTestKernel(t)
	c := k.NewCounter(1, 0)
	l := k.NewLatch()
	th := k.NewThread(`poller`, 3)

	result := goPoll(context.Background(), th, []Event{LatchEvent(l)}, Forever)
	waitPended(t, th)

	// the fast path is guarded too
	assert.PanicsWithError(t, `kpoll: thread poller(1, prio 3) is already inside a blocking call`, func() {
		_ = c.Take(context.Background(), th, NoWait)
	})
	assert.Equal(t, uint(1), c.Count())

	l.Raise(1)
	assert.NoError(t, requireResult(t, result))
	assert.NoError(t, c.Take(context.Background(), th, NoWait))
	assert.Zero(t, c.Count())
}
