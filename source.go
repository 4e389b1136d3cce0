package kpoll

import (
	"fmt"

	"github.com/joeycumines/go-kpoll/internal/waitlist"
)

type (
	// Source is a waitable kernel object, which may be the target of an
	// [Event]. The implementations are [Counter], [Channel] and [Latch].
	Source interface {
		// Handle returns the registry identity of the source, which is how
		// user threads name it.
		Handle() Handle

		// Waiters returns the number of events registered on the source.
		Waiters() int

		waitObject() *object

		// readyState evaluates the immediate-satisfaction predicate, must be
		// called with the kernel lock held.
		readyState() State
	}

	// Class identifies the variant of a [Source].
	Class uint8

	// object is the state shared by every source variant.
	object struct {
		kernel *Kernel
		src    Source
		// events is the priority ordered wait-list, guarded by kernel.mu
		events waitlist.List[*Event]
		// grants are the user threads permitted to name this object, guarded
		// by kernel.mu
		grants map[ThreadID]struct{}
		handle Handle
		class  Class
		public bool
	}
)

const (
	ClassCounter Class = iota + 1
	ClassChannel
	ClassLatch
)

func (c Class) String() string {
	switch c {
	case ClassCounter:
		return `Counter`
	case ClassChannel:
		return `Channel`
	case ClassLatch:
		return `Latch`
	default:
		return fmt.Sprintf(`Class(%d)`, uint8(c))
	}
}

// newObject allocates and registers the shared state for src.
func (x *Kernel) newObject(class Class, src Source) *object {
	o := &object{
		kernel: x,
		src:    src,
		class:  class,
	}
	o.handle = x.objects.register(o)
	return o
}

// addEvent registers e on the wait-list, behind every waiter of equal or
// higher priority. Must be called with the kernel lock held, and e.poller
// set.
func (x *object) addEvent(e *Event) {
	e.node.Value = e
	insertByPriority(&x.events, &e.node, (*Event).priority)
}

// removeEvent unlinks e if it is registered on this object, clearing its
// poller. Must be called with the kernel lock held.
func (x *object) removeEvent(e *Event) bool {
	if !x.events.Remove(&e.node) {
		return false
	}
	e.poller = nil
	return true
}

// permits returns true if th may name this object, must be called with the
// kernel lock held.
func (x *object) permits(th *Thread) bool {
	if x.public || !th.User() {
		return true
	}
	_, ok := x.grants[th.id]
	return ok
}

func (x *object) waiters() int {
	x.kernel.mu.Lock()
	defer x.kernel.mu.Unlock()
	return x.events.Len()
}

// Grant permits the user thread th to name src in [Thread.UserPoll]. Trusted
// threads may always name any object.
func (x *Kernel) Grant(src Source, th *Thread) {
	o := x.mustOwn(src)
	if th.kernel != x {
		panic(`kpoll: thread belongs to a different kernel`)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if o.grants == nil {
		o.grants = make(map[ThreadID]struct{})
	}
	o.grants[th.id] = struct{}{}
}

// Revoke reverses Grant. It does not affect calls already in progress.
func (x *Kernel) Revoke(src Source, th *Thread) {
	o := x.mustOwn(src)
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(o.grants, th.id)
}

// GrantAll permits every user thread to name src.
func (x *Kernel) GrantAll(src Source) {
	o := x.mustOwn(src)
	x.mu.Lock()
	defer x.mu.Unlock()
	o.public = true
}

func (x *Kernel) mustOwn(src Source) *object {
	if src == nil {
		panic(`kpoll: nil source`)
	}
	o := src.waitObject()
	if o == nil || o.kernel != x {
		panic(`kpoll: source belongs to a different kernel`)
	}
	return o
}
