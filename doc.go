// Package kpoll implements a kernel style event-wait multiplexer: a thread
// may block until the first of several heterogeneous sources becomes ready,
// with a timeout, and with wakes delivered in priority order.
//
// A [Kernel] owns a single lock, which guards every [Event], source and
// [Thread] scheduling field. Sources are [Counter], [Channel] and [Latch].
// Each keeps a wait-list of registered events, ordered by the priority of
// the waiting thread, then arrival. A producer releases only the head of the
// wait-list, per signal, so waiters on one source are released one at a
// time, in priority order.
//
// [Thread.Poll] scans its events, registering each on its source, until one
// is found ready, then either returns, or pends until released. Every event
// is deregistered before it returns, on all paths.
//
// Lower-trust threads, created using [Kernel.NewUserThread], must instead
// use [Thread.UserPoll], which copies fixed size descriptors from an
// [AddressSpace], validates them against the handle registry, and copies the
// results back. Malformed input faults the thread, rather than the kernel.
package kpoll
