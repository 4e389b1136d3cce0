package kpoll

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/semaphore"
)

type (
	// Kernel owns the single lock guarding every event descriptor, source,
	// poller and thread scheduling field, along with the registry of kernel
	// objects that untrusted callers may name. Instances must be initialized
	// using the New factory.
	Kernel struct {
		// betteralign:ignore

		mu         sync.Mutex
		objects    *registry
		logger     *logiface.Logger[logiface.Event]
		metrics    *Metrics
		violations *catrate.Limiter
		userPool   *semaphore.Weighted
		nextThread atomic.Uint64
	}

	// Priority orders waiters. Numerically lower values are more urgent, and
	// equal priorities are served first come, first served.
	Priority int

	// Timeout bounds a blocking call. Use [NoWait] for a non-blocking attempt,
	// or [Forever] to block indefinitely. Other negative values are invalid.
	Timeout time.Duration
)

const (
	// NoWait makes a call return immediately if it cannot complete.
	NoWait Timeout = 0
	// Forever disables the timeout.
	Forever Timeout = -1
)

// New initializes a new Kernel, using the provided options, which may be nil.
func New(opts ...Option) (*Kernel, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		objects:  newRegistry(),
		logger:   cfg.logger,
		userPool: semaphore.NewWeighted(cfg.userPoolSize),
	}

	if cfg.metricsEnabled {
		k.metrics = &Metrics{}
	}

	if len(cfg.violationRates) != 0 {
		if k.violations, err = newViolationLimiter(cfg.violationRates); err != nil {
			return nil, err
		}
	}

	return k, nil
}

// Above returns true if p is strictly more urgent than other.
func (p Priority) Above(other Priority) bool { return p < other }

func (t Timeout) String() string {
	switch {
	case t == NoWait:
		return `NoWait`
	case t == Forever:
		return `Forever`
	default:
		return time.Duration(t).String()
	}
}

// ParseTimeout parses the form produced by [Timeout.String], case
// insensitively, or any value accepted by [time.ParseDuration].
func ParseTimeout(s string) (Timeout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case `nowait`:
		return NoWait, nil
	case `forever`:
		return Forever, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf(`kpoll: invalid timeout %q: %w`, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf(`kpoll: invalid timeout %q: negative`, s)
	}
	return Timeout(d), nil
}

// MarshalText implements encoding.TextMarshaler.
func (t Timeout) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, using ParseTimeout.
func (t *Timeout) UnmarshalText(b []byte) error {
	v, err := ParseTimeout(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t Timeout) validate() {
	if t < 0 && t != Forever {
		panic(fmt.Errorf(`kpoll: invalid timeout: %d`, int64(t)))
	}
}

func newViolationLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf(`kpoll: invalid violation log rates: %v`, r)
		}
	}()
	limiter = catrate.NewLimiter(rates)
	return
}
