package kpoll

import (
	"errors"
	"fmt"
)

var (
	// ErrWouldBlock is returned by non-blocking (NoWait) calls that could not
	// complete immediately.
	ErrWouldBlock = errors.New(`kpoll: operation would block`)

	// ErrTimedOut is returned when a blocking call's timeout elapsed before it
	// was satisfied.
	ErrTimedOut = errors.New(`kpoll: operation timed out`)

	// ErrCancelled is returned when a blocking call was aborted, either by
	// its context, or by a source-level cancel (e.g. [Channel.CancelWait]).
	ErrCancelled = errors.New(`kpoll: operation cancelled`)

	// ErrInvalidArgument is matched (via [errors.Is]) by every
	// [AccessViolation].
	ErrInvalidArgument = errors.New(`kpoll: invalid argument`)

	// ErrNoMemory is returned by [Thread.UserPoll] when the privileged buffer
	// pool cannot hold a copy of the caller's descriptors.
	ErrNoMemory = errors.New(`kpoll: insufficient privileged memory`)
)

// errWakeRace is returned by the dispatcher when the waiter at the head of a
// wait-list is already being resolved by its timeout or cancellation.
var errWakeRace = errors.New(`kpoll: waiter already resolving`)

// AccessViolation is raised at the trust boundary when an untrusted caller
// passes malformed input. The offending thread is faulted, and every further
// [Thread.UserPoll] it makes returns the same violation.
type AccessViolation struct {
	// Thread is the name of the faulted thread.
	Thread string
	// Reason describes the failed validation.
	Reason string
	// Index is the offending descriptor, or -1 if the failure was not
	// specific to one descriptor.
	Index int
}

// Error implements the error interface.
func (e *AccessViolation) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf(`kpoll: access violation by thread %q: descriptor %d: %s`, e.Thread, e.Index, e.Reason)
	}
	return fmt.Sprintf(`kpoll: access violation by thread %q: %s`, e.Thread, e.Reason)
}

// Unwrap returns [ErrInvalidArgument].
func (e *AccessViolation) Unwrap() error {
	return ErrInvalidArgument
}

// Is matches any *AccessViolation, regardless of contents.
func (e *AccessViolation) Is(target error) bool {
	var v *AccessViolation
	return errors.As(target, &v)
}
