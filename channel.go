package kpoll

import (
	"context"
	"time"
)

// Channel is an unbounded FIFO of values. Threads may wait for data using
// [Thread.Poll], with [KindChannelDataAvailable], or receive using
// [Channel.Get].
type Channel[T any] struct {
	obj    *object
	values []T
}

var _ Source = (*Channel[any])(nil)

// NewChannel initializes a new, empty Channel.
func NewChannel[T any](k *Kernel) *Channel[T] {
	c := new(Channel[T])
	c.obj = k.newObject(ClassChannel, c)
	return c
}

// Handle implements [Source].
func (x *Channel[T]) Handle() Handle { return x.obj.handle }

// Waiters implements [Source].
func (x *Channel[T]) Waiters() int { return x.obj.waiters() }

// Len returns the number of queued values.
func (x *Channel[T]) Len() int {
	x.obj.kernel.mu.Lock()
	defer x.obj.kernel.mu.Unlock()
	return len(x.values)
}

// Put appends v, and releases the most urgent poller.
func (x *Channel[T]) Put(v T) {
	k := x.obj.kernel
	k.mu.Lock()
	defer k.mu.Unlock()
	x.values = append(x.values, v)
	k.notifyOne(x.obj, StateDataAvailable)
}

// TryGet removes and returns the oldest value, if any.
func (x *Channel[T]) TryGet() (v T, ok bool) {
	x.obj.kernel.mu.Lock()
	defer x.obj.kernel.mu.Unlock()
	if len(x.values) == 0 {
		return
	}
	v, ok = x.values[0], true
	var zero T
	x.values[0] = zero
	x.values = x.values[1:]
	if len(x.values) == 0 {
		x.values = nil
	}
	return
}

// CancelWait releases the most urgent poller with [StateCancelled], which
// makes its [Thread.Poll] return [ErrCancelled].
func (x *Channel[T]) CancelWait() {
	k := x.obj.kernel
	k.mu.Lock()
	defer k.mu.Unlock()
	k.notifyOne(x.obj, StateCancelled)
}

// Get removes and returns the oldest value, blocking until one is available,
// the timeout elapses, or the wait is cancelled. Another thread may take the
// value first, in which case Get waits again, for the remaining timeout. It
// panics if th is a user thread.
func (x *Channel[T]) Get(ctx context.Context, th *Thread, timeout Timeout) (v T, err error) {
	checkBlockingCall(ctx, th, x.obj.kernel, timeout)

	if v, ok := x.TryGet(); ok {
		return v, nil
	}

	if timeout == NoWait {
		return v, ErrWouldBlock
	}

	var deadline time.Time
	if timeout != Forever {
		deadline = time.Now().Add(time.Duration(timeout))
	}

	events := [1]Event{ChannelEvent(x)}

	for {
		remaining := Forever
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return v, ErrTimedOut
			}
			remaining = Timeout(d)
		}

		if err = th.Poll(ctx, events[:], remaining); err != nil {
			return v, err
		}

		if v, ok := x.TryGet(); ok {
			return v, nil
		}

		events[0].ResetState()
	}
}

func (x *Channel[T]) waitObject() *object {
	if x == nil {
		return nil
	}
	return x.obj
}

func (x *Channel[T]) readyState() State {
	if len(x.values) != 0 {
		return StateDataAvailable
	}
	return StateNotReady
}
