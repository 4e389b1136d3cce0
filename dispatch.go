package kpoll

// signalEvent delivers state to an event which the caller has already
// unlinked from its source's wait-list, waking the polling thread if it is
// pended. The state is always accumulated, and the poller always detached.
//
// Returns errWakeRace if the thread's timeout or cancellation is already
// resolving it, in which case it is left for the resolver. Must be called with
// the kernel lock held.
func (x *Kernel) signalEvent(e *Event, state State) error {
	e.state |= state

	p := e.poller
	e.poller = nil
	if p == nil {
		return nil
	}

	p.waiting = false

	th := p.thread
	if !th.node.In(&p.queue.threads) {
		// the poller will observe the state when it next takes the lock
		return nil
	}

	if th.expiringNow() {
		return errWakeRace
	}

	var rc error
	if state&StateCancelled != 0 {
		rc = ErrCancelled
	}
	x.unpend(th, rc)

	return nil
}

// notifyOne releases the most urgent live waiter on o, skipping any that are
// already resolving by timeout or cancellation. Returns false if there were
// no waiters to release. Must be called with the kernel lock held.
func (x *Kernel) notifyOne(o *object, state State) bool {
	for {
		n := o.events.PopFront()
		if n == nil {
			return false
		}

		err := x.signalEvent(n.Value, state)
		if err == nil {
			return true
		}

		x.metrics.recordWakeRace()

		x.logger.Debug().
			Str(`source`, o.class.String()).
			Uint64(`handle`, uint64(o.handle)).
			Err(err).
			Log(`skipped waiter`)
	}
}
