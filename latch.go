package kpoll

import (
	"runtime"
	"sync/atomic"
)

// Latch is a one-shot signal, carrying a result. Once raised, it stays
// signaled. Each [Latch.Raise] releases at most one thread blocked in
// [Thread.Poll] with [KindLatchSignaled]; it does not broadcast.
type Latch struct {
	obj      *object
	result   atomic.Int64
	signaled atomic.Bool
}

var _ Source = (*Latch)(nil)

// NewLatch initializes a new, unsignaled Latch.
func (x *Kernel) NewLatch() *Latch {
	l := new(Latch)
	l.obj = x.newObject(ClassLatch, l)
	return l
}

// Handle implements [Source].
func (x *Latch) Handle() Handle { return x.obj.handle }

// Waiters implements [Source].
func (x *Latch) Waiters() int { return x.obj.waiters() }

// Raise signals the latch with result, releasing the most urgent poller,
// then yields the processor, so a released thread may run immediately.
func (x *Latch) Raise(result int) {
	k := x.obj.kernel

	func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		x.result.Store(int64(result))
		x.signaled.Store(true)
		k.notifyOne(x.obj, StateSignaled)
	}()

	runtime.Gosched()
}

// Check returns a snapshot of the latch, without taking the kernel lock. The
// result may be inconsistent with signaled, if it races with Raise.
func (x *Latch) Check() (signaled bool, result int) {
	return x.signaled.Load(), int(x.result.Load())
}

func (x *Latch) waitObject() *object {
	if x == nil {
		return nil
	}
	return x.obj
}

func (x *Latch) readyState() State {
	if x.signaled.Load() {
		return StateSignaled
	}
	return StateNotReady
}
