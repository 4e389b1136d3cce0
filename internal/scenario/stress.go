package scenario

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-kpoll"
	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
)

type (
	// StressConfig configures Stress. Zero values are replaced by defaults.
	StressConfig struct {
		// Seed makes the choices of each goroutine reproducible, though not
		// the interleaving.
		Seed uint64
		// Producers give, put, and raise at random.
		Producers int
		// Consumers poll a random selection of sources. Every second
		// consumer is a user thread.
		Consumers int
		// Sources is the number of each type of source.
		Sources int
		// Polls is the number of polls made by each consumer.
		Polls int
		// MaxEvents bounds the number of events per poll.
		MaxEvents int
		// MaxTimeout bounds the timeout of each poll, which is otherwise
		// random, and occasionally NoWait.
		MaxTimeout time.Duration
	}

	// StressReport summarizes a Stress run.
	StressReport struct {
		Metrics    kpoll.MetricsSnapshot `msgpack:"metrics"`
		Seed       uint64                `msgpack:"seed"`
		Polls      uint64                `msgpack:"polls"`
		Satisfied  uint64                `msgpack:"satisfied"`
		WouldBlock uint64                `msgpack:"would_block"`
		TimedOut   uint64                `msgpack:"timed_out"`
		Produced   uint64                `msgpack:"produced"`
		Elapsed    time.Duration         `msgpack:"elapsed"`
	}

	stress struct {
		cfg      StressConfig
		kernel   *kpoll.Kernel
		counters []*kpoll.Counter
		channels []*kpoll.Channel[int]
		latches  []*kpoll.Latch
		report   *StressReport
		polls    atomic.Uint64
		ok       atomic.Uint64
		block    atomic.Uint64
		timedOut atomic.Uint64
		produced atomic.Uint64
	}
)

var errStressLeak = errors.New(`registered events leaked`)

func (x *StressConfig) defaults() {
	if x.Producers <= 0 {
		x.Producers = 4
	}
	if x.Consumers <= 0 {
		x.Consumers = 8
	}
	if x.Sources <= 0 {
		x.Sources = 3
	}
	if x.Polls <= 0 {
		x.Polls = 200
	}
	if x.MaxEvents <= 0 {
		x.MaxEvents = 4
	}
	if x.MaxTimeout <= 0 {
		x.MaxTimeout = time.Millisecond * 5
	}
}

// Stress runs concurrent producers and consumers against a new kernel,
// failing if any poll misreports readiness, or leaves an event registered.
func Stress(ctx context.Context, cfg StressConfig, logger *logiface.Logger[logiface.Event]) (*StressReport, error) {
	cfg.defaults()

	k, err := kpoll.New(kpoll.WithLogger(logger), kpoll.WithMetrics(true))
	if err != nil {
		return nil, err
	}

	x := &stress{
		cfg:    cfg,
		kernel: k,
		report: &StressReport{Seed: cfg.Seed},
	}
	for range cfg.Sources {
		c := k.NewCounter(0, 0)
		ch := kpoll.NewChannel[int](k)
		l := k.NewLatch()
		k.GrantAll(c)
		k.GrantAll(ch)
		k.GrantAll(l)
		x.counters = append(x.counters, c)
		x.channels = append(x.channels, ch)
		x.latches = append(x.latches, l)
	}

	start := time.Now()

	consumers, ctx := errgroup.WithContext(ctx)
	producers, producerCtx := errgroup.WithContext(ctx)
	producerCtx, stopProducers := context.WithCancel(producerCtx)
	defer stopProducers()

	for i := range cfg.Producers {
		rng := rand.New(rand.NewPCG(cfg.Seed, uint64(i)))
		producers.Go(func() error { return x.produce(producerCtx, rng) })
	}
	for i := range cfg.Consumers {
		rng := rand.New(rand.NewPCG(cfg.Seed, uint64(cfg.Producers+i)))
		name := fmt.Sprintf(`consumer-%d`, i)
		priority := kpoll.Priority(rng.IntN(8))
		if i%2 == 1 {
			region := kpoll.NewUserRegion(userRegionBase*uint64(i+1), cfg.MaxEvents*kpoll.DescriptorSize)
			th := k.NewUserThread(name, priority, region)
			consumers.Go(func() error { return x.consumeUser(ctx, rng, th, region) })
		} else {
			th := k.NewThread(name, priority)
			consumers.Go(func() error { return x.consume(ctx, rng, th) })
		}
	}

	err = consumers.Wait()
	stopProducers()
	if err2 := producers.Wait(); err == nil {
		err = err2
	}
	if err != nil {
		return nil, err
	}

	if err := x.checkLeaks(); err != nil {
		return nil, err
	}

	r := x.report
	r.Elapsed = time.Since(start)
	r.Polls = x.polls.Load()
	r.Satisfied = x.ok.Load()
	r.WouldBlock = x.block.Load()
	r.TimedOut = x.timedOut.Load()
	r.Produced = x.produced.Load()
	r.Metrics = k.Metrics()

	logger.Info().
		Uint64(`seed`, r.Seed).
		Uint64(`polls`, r.Polls).
		Uint64(`satisfied`, r.Satisfied).
		Uint64(`wake_races`, r.Metrics.WakeRaces).
		Dur(`elapsed`, r.Elapsed).
		Log(`stress complete`)

	return r, nil
}

func (x *stress) produce(ctx context.Context, rng *rand.Rand) error {
	for ctx.Err() == nil {
		i := rng.IntN(x.cfg.Sources)
		switch n := rng.IntN(100); {
		case n < 50:
			x.counters[i].Give()
		case n < 99:
			x.channels[i].Put(n)
		default:
			// latches stay signaled, so are raised rarely
			x.latches[i].Raise(n)
		}
		x.produced.Add(1)
		if rng.IntN(4) == 0 {
			time.Sleep(time.Duration(rng.IntN(200)) * time.Microsecond)
		} else {
			runtime.Gosched()
		}
	}
	return nil
}

// pick returns a random selection of sources and event kinds.
func (x *stress) pick(rng *rand.Rand) ([]kpoll.Source, []kpoll.Kind) {
	n := 1 + rng.IntN(x.cfg.MaxEvents)
	sources := make([]kpoll.Source, n)
	kinds := make([]kpoll.Kind, n)
	for j := range n {
		i := rng.IntN(x.cfg.Sources)
		switch rng.IntN(3) {
		case 0:
			sources[j], kinds[j] = x.counters[i], kpoll.KindCounterAvailable
		case 1:
			sources[j], kinds[j] = x.channels[i], kpoll.KindChannelDataAvailable
		default:
			sources[j], kinds[j] = x.latches[i], kpoll.KindLatchSignaled
		}
	}
	return sources, kinds
}

func (x *stress) timeout(rng *rand.Rand) kpoll.Timeout {
	if rng.IntN(10) == 0 {
		return kpoll.NoWait
	}
	return kpoll.Timeout(1 + rng.Int64N(int64(x.cfg.MaxTimeout)))
}

func (x *stress) consume(ctx context.Context, rng *rand.Rand, th *kpoll.Thread) error {
	for i := range x.cfg.Polls {
		sources, kinds := x.pick(rng)
		events := make([]kpoll.Event, len(sources))
		for j := range events {
			events[j].Init(kinds[j], sources[j])
		}

		err := th.Poll(ctx, events, x.timeout(rng))

		ready := false
		for j := range events {
			if events[j].Registered() {
				return fmt.Errorf(`%s poll %d: event %d still registered: %w`, th.Name(), i, j, errStressLeak)
			}
			if events[j].Ready() {
				ready = true
				x.take(sources[j])
			}
		}

		if err := x.record(th, i, err, ready); err != nil {
			return err
		}
	}
	return nil
}

func (x *stress) consumeUser(ctx context.Context, rng *rand.Rand, th *kpoll.Thread, region *kpoll.UserRegion) error {
	for i := range x.cfg.Polls {
		sources, kinds := x.pick(rng)
		ds := make([]kpoll.Descriptor, len(sources))
		for j := range ds {
			ds[j] = kpoll.Descriptor{Kind: kinds[j], Handle: sources[j].Handle()}
		}
		if err := region.WriteDescriptors(region.Base(), ds...); err != nil {
			return err
		}

		err := th.UserPoll(ctx, region.Base(), uint64(len(ds)), x.timeout(rng))

		ds, err2 := region.ReadDescriptors(region.Base(), len(ds))
		if err2 != nil {
			return err2
		}
		ready := false
		for j, d := range ds {
			if d.State != kpoll.StateNotReady {
				ready = true
				x.take(sources[j])
			}
		}

		if err := x.record(th, i, err, ready); err != nil {
			return err
		}
	}
	return nil
}

// take consumes what a ready event observed, which may already be gone.
func (x *stress) take(src kpoll.Source) {
	switch src := src.(type) {
	case *kpoll.Counter:
		src.TryTake()
	case *kpoll.Channel[int]:
		src.TryGet()
	}
}

func (x *stress) record(th *kpoll.Thread, i int, err error, ready bool) error {
	x.polls.Add(1)
	switch {
	case err == nil:
		if !ready {
			return fmt.Errorf(`%s poll %d: satisfied without a ready event`, th.Name(), i)
		}
		x.ok.Add(1)
	case errors.Is(err, kpoll.ErrWouldBlock):
		x.block.Add(1)
	case errors.Is(err, kpoll.ErrTimedOut):
		x.timedOut.Add(1)
	case errors.Is(err, kpoll.ErrCancelled):
		// the run context ended
		return err
	default:
		return fmt.Errorf(`%s poll %d: %w`, th.Name(), i, err)
	}
	return nil
}

func (x *stress) checkLeaks() error {
	check := func(kind string, i int, src kpoll.Source) error {
		if n := src.Waiters(); n != 0 {
			return fmt.Errorf(`%s %d has %d registered events: %w`, kind, i, n, errStressLeak)
		}
		return nil
	}
	for i := range x.cfg.Sources {
		if err := check(`counter`, i, x.counters[i]); err != nil {
			return err
		}
		if err := check(`channel`, i, x.channels[i]); err != nil {
			return err
		}
		if err := check(`latch`, i, x.latches[i]); err != nil {
			return err
		}
	}
	return nil
}
