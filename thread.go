package kpoll

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-kpoll/internal/waitlist"
)

type (
	// ThreadID uniquely identifies a Thread within its Kernel.
	ThreadID uint64

	// Thread is the identity of a party that may block in the kernel. It is
	// not bound to a goroutine, but a Thread may only be inside one blocking
	// call at a time, and blocking calls run on the calling goroutine.
	//
	// Threads created with [Kernel.NewUserThread] run at lower trust, and
	// must use [Thread.UserPoll], naming objects by [Handle].
	Thread struct {
		// betteralign:ignore

		kernel   *Kernel
		name     string
		id       ThreadID
		priority Priority
		space    AddressSpace

		// wake receives exactly one value per pend, unless the thread is
		// suspended when woken, in which case it is sent on Resume
		wake chan struct{}

		// expiring is set to the pend sequence number by a timeout or
		// cancellation resolver before it contends for the kernel lock
		expiring atomic.Uint64

		// guarded by kernel.mu

		node      waitlist.Node[*Thread]
		rc        error
		fault     *AccessViolation
		seq       uint64
		blocked   bool
		suspended bool
		deferred  bool
	}

	// waitQueue is a priority ordered queue of pended threads, guarded by
	// the kernel lock.
	waitQueue struct {
		threads waitlist.List[*Thread]
	}
)

// NewThread creates a trusted thread.
func (x *Kernel) NewThread(name string, priority Priority) *Thread {
	return x.newThread(name, priority, nil)
}

// NewUserThread creates a lower-trust thread, whose memory is modelled by
// space. A nil space panics.
func (x *Kernel) NewUserThread(name string, priority Priority, space AddressSpace) *Thread {
	if space == nil {
		panic(`kpoll: nil address space`)
	}
	return x.newThread(name, priority, space)
}

func (x *Kernel) newThread(name string, priority Priority, space AddressSpace) *Thread {
	th := &Thread{
		kernel:   x,
		name:     name,
		id:       ThreadID(x.nextThread.Add(1)),
		priority: priority,
		space:    space,
		wake:     make(chan struct{}, 1),
	}
	th.node.Value = th
	return th
}

// Name returns the name provided on creation.
func (x *Thread) Name() string { return x.name }

// ID returns the kernel-unique identifier of the thread.
func (x *Thread) ID() ThreadID { return x.id }

// Priority returns the thread's priority.
func (x *Thread) Priority() Priority { return x.priority }

// User returns true if the thread was created using NewUserThread.
func (x *Thread) User() bool { return x.space != nil }

// Fault returns the access violation that faulted this thread, or nil.
func (x *Thread) Fault() error {
	x.kernel.mu.Lock()
	defer x.kernel.mu.Unlock()
	if x.fault == nil {
		return nil
	}
	return x.fault
}

// Pended returns true if the thread is currently suspended on a wait queue.
func (x *Thread) Pended() bool {
	x.kernel.mu.Lock()
	defer x.kernel.mu.Unlock()
	return x.node.Linked()
}

func (x *Thread) String() string {
	return fmt.Sprintf(`%s(%d, prio %d)`, x.name, x.id, x.priority)
}

// Suspend adds an independent blocking reason. A thread woken while
// suspended has its wake held until Resume.
func (x *Thread) Suspend() {
	x.kernel.mu.Lock()
	defer x.kernel.mu.Unlock()
	x.suspended = true
}

// Resume clears the blocking reason added by Suspend, delivering any held
// wake.
func (x *Thread) Resume() {
	x.kernel.mu.Lock()
	defer x.kernel.mu.Unlock()
	if !x.suspended {
		return
	}
	x.suspended = false
	if x.deferred {
		x.deferred = false
		x.kernel.ready(x)
	}
}

// enter marks the start of a blocking call, must be called with the kernel
// lock held.
func (x *Thread) enter() {
	if x.blocked {
		panic(fmt.Errorf(`kpoll: thread %s is already inside a blocking call`, x))
	}
	x.blocked = true
}

// leave must be called with the kernel lock held.
func (x *Thread) leave() {
	x.blocked = false
}

// pend suspends th on q until it is readied by a producer, its timeout
// elapses, or ctx is done. It must be called with the kernel lock held, which
// is released for the duration of the suspension, and held again on return.
// The result is the value stashed by whichever party unpended the thread.
func (x *Kernel) pend(ctx context.Context, th *Thread, q *waitQueue, timeout Timeout) error {
	th.seq++
	seq := th.seq
	th.rc = ErrTimedOut
	q.add(th)

	var stops []func() bool
	if timeout != Forever {
		timer := time.AfterFunc(time.Duration(timeout), func() { x.expire(th, seq, ErrTimedOut) })
		stops = append(stops, timer.Stop)
	}
	if ctx.Done() != nil {
		stops = append(stops, context.AfterFunc(ctx, func() { x.expire(th, seq, ErrCancelled) }))
	}

	x.mu.Unlock()

	<-th.wake

	for _, stop := range stops {
		stop()
	}

	x.mu.Lock()

	return th.rc
}

// expire is the timeout and cancellation resolver. The expiring mark is
// published before contending for the lock, so that a producer holding the
// lock can tell the waiter is already being resolved.
func (x *Kernel) expire(th *Thread, seq uint64, cause error) {
	th.expiring.Store(seq)

	x.mu.Lock()
	defer x.mu.Unlock()

	if th.seq != seq || !th.node.Linked() {
		return
	}

	waitlist.Unlink(&th.node)
	th.rc = cause
	x.ready(th)
}

// expiringNow returns true if a resolver for the current pend has fired,
// must be called with the kernel lock held.
func (x *Thread) expiringNow() bool {
	return x.expiring.Load() == x.seq
}

// unpend removes a pended thread from its queue, stashing rc as the result
// of its pend, and readies it. Must be called with the kernel lock held.
func (x *Kernel) unpend(th *Thread, rc error) {
	waitlist.Unlink(&th.node)
	th.rc = rc
	x.ready(th)
}

// ready makes th runnable, unless it is suspended. Must be called with the
// kernel lock held, exactly once per pend.
func (x *Kernel) ready(th *Thread) {
	if th.suspended {
		th.deferred = true
		return
	}
	select {
	case th.wake <- struct{}{}:
	default:
		panic(fmt.Errorf(`kpoll: duplicate wake for thread %s`, th))
	}
}

func (x *waitQueue) add(th *Thread) {
	insertByPriority(&x.threads, &th.node, func(th *Thread) Priority { return th.priority })
}

// first returns the most urgent pended thread, or nil.
func (x *waitQueue) first() *Thread {
	if n := x.threads.Front(); n != nil {
		return n.Value
	}
	return nil
}

func (x *waitQueue) len() int { return x.threads.Len() }

// insertByPriority links n into l, keeping l sorted by descending priority,
// equal priorities in arrival order. The tail is checked first, as appending
// is by far the common case.
func insertByPriority[T any](l *waitlist.List[T], n *waitlist.Node[T], priority func(T) Priority) {
	p := priority(n.Value)

	if tail := l.Back(); tail == nil || !p.Above(priority(tail.Value)) {
		l.PushBack(n)
		return
	}

	for it := l.Front(); it != nil; it = it.Next() {
		if p.Above(priority(it.Value)) {
			l.InsertBefore(n, it)
			return
		}
	}

	l.PushBack(n)
}
