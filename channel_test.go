package kpoll

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_fifo(t *testing.T) {
	k := newTestKernel(t)
	ch := NewChannel[string](k)
	th := k.NewThread(`reader`, 1)

	ch.Put(`a`)
	ch.Put(`b`)
	assert.Equal(t, 2, ch.Len())

	v, err := ch.Get(context.Background(), th, NoWait)
	require.NoError(t, err)
	assert.Equal(t, `a`, v)

	v, ok := ch.TryGet()
	require.True(t, ok)
	assert.Equal(t, `b`, v)

	_, ok = ch.TryGet()
	assert.False(t, ok)

	_, err = ch.Get(context.Background(), th, NoWait)
	assert.ErrorIs(t, err, ErrWouldBlock)
}

func TestChannel_getBlocks(t *testing.T) {
	k := newTestKernel(t)
	ch := NewChannel[int](k)
	th := k.NewThread(`reader`, 1)

	type result struct {
		v   int
		err error
	}
	out := make(chan result, 1)
	go func() {
		v, err := ch.Get(context.Background(), th, Forever)
		out <- result{v, err}
	}()
	waitPended(t, th)
	assert.Equal(t, 1, ch.Waiters())

	ch.Put(42)

	select {
	case r := <-out:
		require.NoError(t, r.err)
		assert.Equal(t, 42, r.v)
	case <-time.After(time.Second * 5):
		t.Fatal(`timed out`)
	}
	assert.Zero(t, ch.Waiters())
	assert.Zero(t, ch.Len())
}

func TestChannel_getTimeout(t *testing.T) {
	k := newTestKernel(t)
	ch := NewChannel[int](k)
	th := k.NewThread(`reader`, 1)

	const timeout = Timeout(time.Millisecond * 30)
	start := time.Now()
	_, err := ch.Get(context.Background(), th, timeout)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.GreaterOrEqual(t, time.Since(start), time.Duration(timeout))
	assert.Zero(t, ch.Waiters())
}

func TestChannel_getCancelWait(t *testing.T) {
	k := newTestKernel(t)
	ch := NewChannel[int](k)
	th := k.NewThread(`reader`, 1)

	out := make(chan error, 1)
	go func() {
		_, err := ch.Get(context.Background(), th, Forever)
		out <- err
	}()
	waitPended(t, th)

	ch.CancelWait()
	assert.ErrorIs(t, requireResult(t, out), ErrCancelled)
	assert.Zero(t, ch.Waiters())
}

func TestChannel_cancelWaitWithoutWaiters(t *testing.T) {
	k := newTestKernel(t)
	ch := NewChannel[int](k)
	ch.CancelWait()
	ch.Put(1)
	assert.Equal(t, 1, ch.Len())
}
