package kpoll

import (
	"context"
	"fmt"
	"time"
)

// poller is the per-call record of a Thread.Poll. Registered events refer to
// it, and it never outlives the call.
type poller struct {
	thread *Thread
	queue  waitQueue
	// waiting is cleared once any event is observed ready
	waiting bool
}

// Poll blocks until at least one of events satisfies its condition, the
// timeout elapses, or the wait is cancelled, via ctx or [Channel.CancelWait].
//
// The result is nil if any event was ready, in which case the caller must
// inspect the [Event.State] of each event, otherwise [ErrWouldBlock] (only
// for [NoWait]), [ErrTimedOut], or [ErrCancelled].
//
// Events are checked in order. Once one is found ready, no later event is
// registered, though each is still checked, and marked if ready. Every event
// is deregistered before Poll returns, on all paths.
//
// Poll panics if events is empty, any event has an unrecognized kind or
// targets an object of another kernel, ctx is nil, timeout is invalid, the
// thread is already inside a blocking call, or the thread is a user thread,
// which must use [Thread.UserPoll].
func (x *Thread) Poll(ctx context.Context, events []Event, timeout Timeout) error {
	if x.space != nil {
		panic(fmt.Errorf(`kpoll: Poll by user thread %s`, x))
	}
	return x.poll(ctx, events, timeout)
}

// poll implements Poll, for trusted threads, and for UserPoll once the
// descriptors have been validated.
func (x *Thread) poll(ctx context.Context, events []Event, timeout Timeout) (err error) {
	if ctx == nil {
		panic(`kpoll: nil context`)
	}
	if len(events) == 0 {
		panic(`kpoll: poll of zero events`)
	}
	timeout.validate()

	k := x.kernel

	func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		x.enter()
	}()

	p := poller{thread: x, waiting: true}

	var pended bool
	if k.metrics != nil {
		defer func(start time.Time) {
			k.metrics.recordPoll(err, pended, time.Since(start))
		}(time.Now())
	}

	registered := x.registerEvents(events, &p, timeout)

	k.mu.Lock()
	defer k.mu.Unlock()
	defer func() {
		clearRegistrations(events[:registered])
		x.leave()
	}()

	if !p.waiting {
		return nil
	}

	if timeout == NoWait {
		return ErrWouldBlock
	}

	pended = true

	err = k.pend(ctx, x, &p.queue, timeout)

	if err != nil {
		k.logger.Debug().
			Str(`thread`, x.name).
			Err(err).
			Log(`poll resolved without an event`)
	}

	return err
}

// registerEvents performs the scan pass, taking the lock per event, and
// returns the length of the prefix of events that may have been registered.
// If it panics, the prefix is deregistered, and the thread released.
func (x *Thread) registerEvents(events []Event, p *poller, timeout Timeout) (registered int) {
	k := x.kernel

	var ok bool
	defer func() {
		if !ok {
			k.mu.Lock()
			defer k.mu.Unlock()
			clearRegistrations(events[:registered])
			x.leave()
		}
	}()

	for i := range events {
		e := &events[i]
		func() {
			k.mu.Lock()
			defer k.mu.Unlock()

			if !e.kind.Valid() {
				panic(fmt.Errorf(`kpoll: unrecognized event kind: %s`, e.kind))
			}
			if e.kind == KindIgnore {
				return
			}
			if e.src == nil {
				panic(fmt.Errorf(`kpoll: %s event requires a target`, e.kind))
			}

			o := e.src.waitObject()
			if o.kernel != k {
				panic(`kpoll: event targets a source of a different kernel`)
			}

			if state := e.src.readyState(); state != StateNotReady {
				e.state |= state
				p.waiting = false
				return
			}

			if timeout != NoWait && p.waiting {
				e.poller = p
				o.addEvent(e)
				registered = i + 1
			}
		}()
	}

	ok = true
	return registered
}

// clearRegistrations deregisters events in reverse order. Events that were
// never registered, or were already removed by the dispatcher, are skipped.
// Must be called with the kernel lock held.
func clearRegistrations(events []Event) {
	for i := len(events) - 1; i >= 0; i-- {
		e := &events[i]
		if e.src != nil {
			e.src.waitObject().removeEvent(e)
		}
	}
}
