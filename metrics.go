package kpoll

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks runtime statistics for a Kernel, enabled using
// [WithMetrics]. All methods are safe for concurrent use, and nil-safe.
type Metrics struct {
	// Latency tracks how long polls that pended were blocked.
	Latency LatencyMetrics

	polls      atomic.Uint64
	immediate  atomic.Uint64
	woken      atomic.Uint64
	wouldBlock atomic.Uint64
	timedOut   atomic.Uint64
	cancelled  atomic.Uint64
	wakeRaces  atomic.Uint64
	violations atomic.Uint64
}

// MetricsSnapshot is a point in time copy of [Metrics].
type MetricsSnapshot struct {
	Latency LatencySnapshot

	// Polls is the number of completed Thread.Poll calls.
	Polls uint64
	// Immediate polls were satisfied without pending.
	Immediate uint64
	// Woken polls pended, and were released by a producer.
	Woken      uint64
	WouldBlock uint64
	TimedOut   uint64
	Cancelled  uint64
	// WakeRaces counts waiters skipped by a producer, as their timeout or
	// cancellation was already resolving them.
	WakeRaces uint64
	// Violations counts access violations raised at the trust boundary.
	Violations uint64
}

// LatencyMetrics tracks latency distribution with percentiles, over a
// rolling window of samples.
type LatencyMetrics struct {
	mu          sync.Mutex
	sampleIdx   int
	sampleCount int
	samples     [sampleSize]time.Duration
	sum         time.Duration
}

// LatencySnapshot holds percentiles computed by [LatencyMetrics.Sample].
type LatencySnapshot struct {
	Count int
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
}

// sampleSize is the maximum number of latency samples to retain.
const sampleSize = 1000

// Metrics returns a snapshot of the kernel's statistics, or the zero value
// if metrics are not enabled.
func (x *Kernel) Metrics() MetricsSnapshot {
	return x.metrics.Snapshot()
}

// Snapshot copies the current statistics, computing latency percentiles.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Latency:    m.Latency.Sample(),
		Polls:      m.polls.Load(),
		Immediate:  m.immediate.Load(),
		Woken:      m.woken.Load(),
		WouldBlock: m.wouldBlock.Load(),
		TimedOut:   m.timedOut.Load(),
		Cancelled:  m.cancelled.Load(),
		WakeRaces:  m.wakeRaces.Load(),
		Violations: m.violations.Load(),
	}
}

func (m *Metrics) recordPoll(err error, pended bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.polls.Add(1)
	switch {
	case err == nil && !pended:
		m.immediate.Add(1)
	case err == nil:
		m.woken.Add(1)
	case errors.Is(err, ErrWouldBlock):
		m.wouldBlock.Add(1)
	case errors.Is(err, ErrTimedOut):
		m.timedOut.Add(1)
	case errors.Is(err, ErrCancelled):
		m.cancelled.Add(1)
	}
	if pended {
		m.Latency.Record(elapsed)
	}
}

func (m *Metrics) recordWakeRace() {
	if m != nil {
		m.wakeRaces.Add(1)
	}
}

func (m *Metrics) recordViolation() {
	if m != nil {
		m.violations.Add(1)
	}
}

// Record records a latency sample.
func (l *LatencyMetrics) Record(duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// if the buffer is full, subtract the sample being replaced
	if l.sampleCount >= sampleSize {
		l.sum -= l.samples[l.sampleIdx]
	}

	l.samples[l.sampleIdx] = duration
	l.sum += duration
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
}

// Sample computes percentiles from the retained samples.
func (l *LatencyMetrics) Sample() (s LatencySnapshot) {
	l.mu.Lock()
	count := l.sampleCount
	sorted := slices.Clone(l.samples[:count])
	sum := l.sum
	l.mu.Unlock()

	if count == 0 {
		return
	}

	slices.Sort(sorted)

	s.Count = count
	s.P50 = sorted[percentileIndex(count, 50)]
	s.P90 = sorted[percentileIndex(count, 90)]
	s.P99 = sorted[percentileIndex(count, 99)]
	s.Max = sorted[count-1]
	s.Mean = sum / time.Duration(count)
	return
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}
