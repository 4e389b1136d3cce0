package kpoll

import (
	"fmt"
	"strings"

	"github.com/joeycumines/go-kpoll/internal/waitlist"
)

type (
	// Kind is the condition an [Event] watches.
	Kind uint32

	// State is the accumulated ready-state of an [Event], a bitmask of the
	// conditions observed satisfied. It is never cleared automatically.
	State uint32

	// Event is one watch item, passed to [Thread.Poll]. It binds a [Kind]
	// to the [Source] it targets, and accumulates [State] across calls.
	//
	// Events are allocated by the caller, and must be populated once using
	// [Event.Init], or one of the constructors, e.g. [CounterEvent]. They may
	// be reused across calls, but must not be shared between concurrent
	// calls, or copied while a call is in progress.
	Event struct {
		// betteralign:ignore

		src    Source
		poller *poller
		node   waitlist.Node[*Event]
		kind   Kind
		state  State
	}
)

const (
	// KindIgnore events are skipped. They have no target.
	KindIgnore Kind = iota
	// KindCounterAvailable is satisfied by a [Counter] with a count > 0.
	KindCounterAvailable
	// KindChannelDataAvailable is satisfied by a non-empty [Channel].
	KindChannelDataAvailable
	// KindLatchSignaled is satisfied by a raised [Latch].
	KindLatchSignaled

	maxKind = KindLatchSignaled
)

const (
	// StateNotReady is the zero State.
	StateNotReady State = 0

	// StateSignaled indicates a [Latch] was raised.
	StateSignaled State = 1 << (iota - 1)
	// StateCounterAvailable indicates a [Counter] had a count > 0.
	StateCounterAvailable
	// StateDataAvailable indicates a [Channel] was non-empty.
	StateDataAvailable
	// StateCancelled indicates a wait on a [Channel] was cancelled using
	// [Channel.CancelWait].
	StateCancelled

	stateMask = StateSignaled | StateCounterAvailable | StateDataAvailable | StateCancelled
)

var kindNames = [...]string{
	KindIgnore:               `Ignore`,
	KindCounterAvailable:     `CounterAvailable`,
	KindChannelDataAvailable: `ChannelDataAvailable`,
	KindLatchSignaled:        `LatchSignaled`,
}

// Valid returns true if k is a recognized Kind.
func (k Kind) Valid() bool { return k <= maxKind }

func (k Kind) String() string {
	if k.Valid() {
		return kindNames[k]
	}
	return fmt.Sprintf(`Kind(%d)`, uint32(k))
}

// class returns the class of source which may be targeted by k.
func (k Kind) class() Class {
	switch k {
	case KindCounterAvailable:
		return ClassCounter
	case KindChannelDataAvailable:
		return ClassChannel
	case KindLatchSignaled:
		return ClassLatch
	default:
		return 0
	}
}

// Has returns true if all bits in other are set.
func (s State) Has(other State) bool { return s&other == other && other != 0 }

func (s State) String() string {
	if s == StateNotReady {
		return `NotReady`
	}
	var b strings.Builder
	for _, v := range [...]struct {
		bit  State
		name string
	}{
		{StateSignaled, `Signaled`},
		{StateCounterAvailable, `CounterAvailable`},
		{StateDataAvailable, `DataAvailable`},
		{StateCancelled, `Cancelled`},
	} {
		if s&v.bit != 0 {
			if b.Len() != 0 {
				b.WriteByte('|')
			}
			b.WriteString(v.name)
		}
	}
	if rest := s &^ stateMask; rest != 0 {
		if b.Len() != 0 {
			b.WriteByte('|')
		}
		_, _ = fmt.Fprintf(&b, `0x%x`, uint32(rest))
	}
	return b.String()
}

// Init populates the event, panicking if kind is not recognized, or if src is
// nil for any kind but [KindIgnore], or is not of the class kind requires.
// The src of a KindIgnore event is discarded. The state is reset. Init must
// not be called concurrently with any other use of the event.
func (x *Event) Init(kind Kind, src Source) {
	if x.Registered() {
		panic(`kpoll: init of a registered event`)
	}
	if !kind.Valid() {
		panic(fmt.Errorf(`kpoll: unrecognized event kind: %s`, kind))
	}
	if kind == KindIgnore {
		src = nil
	} else {
		if src == nil {
			panic(fmt.Errorf(`kpoll: %s event requires a target`, kind))
		}
		o := src.waitObject()
		if o == nil {
			panic(fmt.Errorf(`kpoll: %s event requires a target`, kind))
		}
		if o.class != kind.class() {
			panic(fmt.Errorf(`kpoll: %s event cannot target a %s`, kind, o.class))
		}
	}
	*x = Event{
		kind: kind,
		src:  src,
	}
}

// IgnoreEvent returns an initialized event of kind [KindIgnore].
func IgnoreEvent() (e Event) {
	e.Init(KindIgnore, nil)
	return
}

// CounterEvent returns an initialized event watching c.
func CounterEvent(c *Counter) (e Event) {
	e.Init(KindCounterAvailable, c)
	return
}

// ChannelEvent returns an initialized event watching c.
func ChannelEvent[T any](c *Channel[T]) (e Event) {
	e.Init(KindChannelDataAvailable, c)
	return
}

// LatchEvent returns an initialized event watching l.
func LatchEvent(l *Latch) (e Event) {
	e.Init(KindLatchSignaled, l)
	return
}

// Kind returns the condition the event watches.
func (x *Event) Kind() Kind { return x.kind }

// Source returns the target of the event, which is nil for [KindIgnore].
func (x *Event) Source() Source { return x.src }

// State returns the accumulated ready-state. It must not be called
// concurrently with a [Thread.Poll] using the event.
func (x *Event) State() State { return x.state }

// Ready returns true if any ready-state has been observed.
func (x *Event) Ready() bool { return x.state != StateNotReady }

// ResetState clears the accumulated ready-state. It must not be called
// concurrently with a [Thread.Poll] using the event.
func (x *Event) ResetState() { x.state = StateNotReady }

// Registered returns true if the event is linked into a source's wait-list,
// which is only possible while a [Thread.Poll] call using it is in progress.
func (x *Event) Registered() bool {
	if x.src == nil {
		return false
	}
	k := x.src.waitObject().kernel
	k.mu.Lock()
	defer k.mu.Unlock()
	return x.node.Linked()
}

func (x *Event) String() string {
	if x.src == nil {
		return fmt.Sprintf(`%s[%s]`, x.kind, x.state)
	}
	return fmt.Sprintf(`%s(%d)[%s]`, x.kind, x.src.Handle(), x.state)
}

// priority returns the priority of the waiting thread, must only be called
// while registered.
func (x *Event) priority() Priority {
	return x.poller.thread.priority
}
