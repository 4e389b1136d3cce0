package kpoll

import (
	"context"
	"fmt"
	"math"
)

// Counter is a counting semaphore. Threads may wait for it to become
// available using [Thread.Poll], with [KindCounterAvailable], or decrement it
// using [Counter.Take].
type Counter struct {
	obj *object
	// takers are threads pended in Take, which are served before pollers
	takers waitQueue
	count  uint
	limit  uint
}

var _ Source = (*Counter)(nil)

// NewCounter initializes a new Counter, with an initial count, which is
// capped at limit. A limit of 0 means no limit.
func (x *Kernel) NewCounter(initial, limit uint) *Counter {
	if limit == 0 {
		limit = math.MaxUint
	}
	if initial > limit {
		panic(`kpoll: counter initial count exceeds limit`)
	}
	c := &Counter{
		count: initial,
		limit: limit,
	}
	c.obj = x.newObject(ClassCounter, c)
	return c
}

// Handle implements [Source].
func (x *Counter) Handle() Handle { return x.obj.handle }

// Waiters implements [Source].
func (x *Counter) Waiters() int { return x.obj.waiters() }

// Count returns the current count.
func (x *Counter) Count() uint {
	x.obj.kernel.mu.Lock()
	defer x.obj.kernel.mu.Unlock()
	return x.count
}

// Give hands a unit to the most urgent thread blocked in Take, if any.
// Otherwise, the count is incremented, unless it is at the limit, and the
// most urgent poller is released.
func (x *Counter) Give() {
	k := x.obj.kernel
	k.mu.Lock()
	defer k.mu.Unlock()

	for n := x.takers.threads.Front(); n != nil; n = n.Next() {
		if th := n.Value; !th.expiringNow() {
			k.unpend(th, nil)
			return
		}
	}

	if x.count < x.limit {
		x.count++
	}

	k.notifyOne(x.obj, StateCounterAvailable)
}

// TryTake decrements the count if it is non-zero.
func (x *Counter) TryTake() bool {
	x.obj.kernel.mu.Lock()
	defer x.obj.kernel.mu.Unlock()
	if x.count == 0 {
		return false
	}
	x.count--
	return true
}

// Take decrements the count, blocking until it is available, the timeout
// elapses, or ctx is done. It panics if th is a user thread, or is already
// inside a blocking call.
func (x *Counter) Take(ctx context.Context, th *Thread, timeout Timeout) error {
	k := x.obj.kernel
	checkBlockingCall(ctx, th, k, timeout)

	k.mu.Lock()
	defer k.mu.Unlock()

	th.enter()
	defer th.leave()

	if x.count != 0 {
		x.count--
		return nil
	}

	if timeout == NoWait {
		return ErrWouldBlock
	}

	return k.pend(ctx, th, &x.takers, timeout)
}

func (x *Counter) waitObject() *object {
	if x == nil {
		return nil
	}
	return x.obj
}

func (x *Counter) readyState() State {
	if x.count != 0 {
		return StateCounterAvailable
	}
	return StateNotReady
}

// checkBlockingCall validates the arguments common to blocking calls.
func checkBlockingCall(ctx context.Context, th *Thread, k *Kernel, timeout Timeout) {
	if ctx == nil {
		panic(`kpoll: nil context`)
	}
	if th == nil {
		panic(`kpoll: nil thread`)
	}
	if th.kernel != k {
		panic(`kpoll: thread belongs to a different kernel`)
	}
	if th.space != nil {
		panic(fmt.Errorf(`kpoll: blocking call by user thread %s`, th))
	}
	timeout.validate()
}
