package scenario

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/joeycumines/go-kpoll"
	"github.com/joeycumines/logiface"
)

// userRegionBase is the first address of each user thread's region.
const userRegionBase = 0x10000

type (
	runner struct {
		scenario    *Scenario
		kernel      *kpoll.Kernel
		logger      *logiface.Logger[logiface.Event]
		ctx         context.Context
		sources     map[string]kpoll.Source
		counters    map[string]*kpoll.Counter
		channels    map[string]*kpoll.Channel[string]
		latches     map[string]*kpoll.Latch
		threads     map[string]*threadState
		stepTimeout time.Duration
	}

	threadState struct {
		thread *kpoll.Thread
		region *kpoll.UserRegion
		poll   *pollState
	}

	pollState struct {
		done   chan error
		names  []string
		events []kpoll.Event
		err    error
		count  uint64
		ended  bool
	}
)

// Run executes the scenario against a new kernel, stopping at the first
// failed step. An error is returned only if the scenario could not be set up,
// failed steps are recorded in the report.
func Run(ctx context.Context, s *Scenario, logger *logiface.Logger[logiface.Event]) (*Report, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	k, err := kpoll.New(kpoll.WithLogger(logger), kpoll.WithMetrics(true))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &runner{
		scenario:    s,
		kernel:      k,
		logger:      logger,
		ctx:         ctx,
		sources:     make(map[string]kpoll.Source),
		counters:    make(map[string]*kpoll.Counter),
		channels:    make(map[string]*kpoll.Channel[string]),
		latches:     make(map[string]*kpoll.Latch),
		threads:     make(map[string]*threadState),
		stepTimeout: time.Duration(s.StepTimeout),
	}
	if r.stepTimeout <= 0 {
		r.stepTimeout = time.Duration(DefaultStepTimeout)
	}

	r.setup()

	start := time.Now()
	report := &Report{
		Name:   s.Name,
		Passed: true,
	}

	for i := range s.Steps {
		step := &s.Steps[i]
		sr := StepReport{
			Index:  i + 1,
			Action: step.Action,
			Thread: step.Thread,
			Source: step.Source,
			Passed: true,
		}

		if err := r.step(step, &sr); err != nil {
			sr.Passed = false
			sr.Error = err.Error()
			report.Passed = false
			logger.Err().
				Str(`scenario`, s.Name).
				Int(`step`, sr.Index).
				Str(`action`, step.Action).
				Err(err).
				Log(`step failed`)
		} else {
			logger.Info().
				Str(`scenario`, s.Name).
				Int(`step`, sr.Index).
				Str(`action`, step.Action).
				Log(`step passed`)
		}

		report.Steps = append(report.Steps, sr)

		if !sr.Passed {
			break
		}
	}

	report.Elapsed = time.Since(start)

	cancel()
	r.drain()

	for name, src := range r.sources {
		if n := src.Waiters(); n != 0 {
			report.Passed = false
			report.Leaks = append(report.Leaks, fmt.Sprintf(`source %s has %d registered events`, name, n))
		}
	}
	slices.Sort(report.Leaks)

	report.Metrics = k.Metrics()

	return report, nil
}

func (x *runner) setup() {
	k := x.kernel

	for _, s := range x.scenario.Sources {
		var src kpoll.Source
		switch s.Type {
		case `counter`:
			c := k.NewCounter(s.Initial, s.Limit)
			x.counters[s.Name] = c
			src = c
		case `channel`:
			c := kpoll.NewChannel[string](k)
			x.channels[s.Name] = c
			src = c
		case `latch`:
			l := k.NewLatch()
			x.latches[s.Name] = l
			src = l
		}
		if s.Public {
			k.GrantAll(src)
		}
		x.sources[s.Name] = src
	}

	for i, t := range x.scenario.Threads {
		ts := new(threadState)
		if t.User {
			ts.region = kpoll.NewUserRegion(userRegionBase*uint64(i+1), x.maxEvents(t.Name)*kpoll.DescriptorSize)
			ts.thread = k.NewUserThread(t.Name, t.Priority, ts.region)
			for _, g := range t.Grants {
				k.Grant(x.sources[g], ts.thread)
			}
		} else {
			ts.thread = k.NewThread(t.Name, t.Priority)
		}
		x.threads[t.Name] = ts
	}
}

// maxEvents returns the size of the largest poll by thread, at least 1.
func (x *runner) maxEvents(thread string) int {
	n := 1
	for _, s := range x.scenario.Steps {
		if s.Action == `poll` && s.Thread == thread {
			n = max(n, len(s.Events))
		}
	}
	return n
}

func (x *runner) step(s *Step, sr *StepReport) error {
	switch s.Action {
	case `poll`:
		return x.startPoll(s)
	case `give`:
		x.counters[s.Source].Give()
	case `put`:
		x.channels[s.Source].Put(s.Value)
	case `cancel`:
		x.channels[s.Source].CancelWait()
	case `raise`:
		x.latches[s.Source].Raise(s.Result)
	case `expect`:
		return x.expect(s, sr)
	case `pending`:
		return x.pending(s)
	case `waiters`:
		if n := x.sources[s.Source].Waiters(); n != s.Count {
			return fmt.Errorf(`source %s has %d waiters, expected %d`, s.Source, n, s.Count)
		}
	case `sleep`:
		time.Sleep(time.Duration(s.Duration))
	case `suspend`:
		x.threads[s.Thread].thread.Suspend()
	case `resume`:
		x.threads[s.Thread].thread.Resume()
	}
	return nil
}

func (x *runner) startPoll(s *Step) error {
	ts := x.threads[s.Thread]
	if ts.poll != nil {
		return fmt.Errorf(`thread %s is already polling`, s.Thread)
	}

	ps := &pollState{
		done:  make(chan error, 1),
		names: s.Events,
	}

	var call func() error
	if ts.region != nil {
		ds := make([]kpoll.Descriptor, len(s.Events))
		for i, name := range s.Events {
			if name != IgnoreEvent {
				ds[i] = x.descriptor(name)
			}
		}
		if err := ts.region.WriteDescriptors(ts.region.Base(), ds...); err != nil {
			return err
		}
		ps.count = uint64(len(ds))
		call = func() error { return ts.thread.UserPoll(x.ctx, ts.region.Base(), ps.count, s.Timeout) }
	} else {
		ps.events = make([]kpoll.Event, len(s.Events))
		for i, name := range s.Events {
			if name != IgnoreEvent {
				ps.events[i].Init(x.kind(name), x.sources[name])
			}
		}
		call = func() error { return ts.thread.Poll(x.ctx, ps.events, s.Timeout) }
	}

	ts.poll = ps
	go func() { ps.done <- call() }()

	// proceed once the poll has either pended, or completed
	deadline := time.Now().Add(x.stepTimeout)
	for !ts.thread.Pended() {
		select {
		case ps.err = <-ps.done:
			ps.ended = true
			return nil
		case <-time.After(time.Millisecond):
		}
		if time.Now().After(deadline) {
			return fmt.Errorf(`thread %s neither pended nor completed`, s.Thread)
		}
	}

	return nil
}

func (x *runner) expect(s *Step, sr *StepReport) error {
	ts := x.threads[s.Thread]
	ps := ts.poll
	if ps == nil {
		return fmt.Errorf(`thread %s is not polling`, s.Thread)
	}

	if !ps.ended {
		select {
		case ps.err = <-ps.done:
			ps.ended = true
		case <-time.After(x.stepTimeout):
			return fmt.Errorf(`thread %s poll did not complete`, s.Thread)
		}
	}
	ts.poll = nil

	sr.Outcome = OutcomeOf(ps.err)
	ready, err := x.readyNames(ts, ps)
	if err != nil {
		return err
	}
	sr.Ready = ready

	if sr.Outcome != s.Outcome {
		return fmt.Errorf(`thread %s poll outcome %s, expected %s: %v`, s.Thread, sr.Outcome, s.Outcome, ps.err)
	}

	if s.Ready != nil {
		want := slices.Clone(*s.Ready)
		slices.Sort(want)
		want = slices.Compact(want)
		if !slices.Equal(want, ready) {
			return fmt.Errorf(`thread %s ready %v, expected %v`, s.Thread, ready, want)
		}
	}

	return nil
}

// settleTime is how long pending waits, to observe a poll did not complete.
const settleTime = time.Millisecond * 20

func (x *runner) pending(s *Step) error {
	ps := x.threads[s.Thread].poll
	if ps == nil {
		return fmt.Errorf(`thread %s is not polling`, s.Thread)
	}
	if !ps.ended {
		select {
		case ps.err = <-ps.done:
			ps.ended = true
		case <-time.After(settleTime):
			return nil
		}
	}
	return fmt.Errorf(`thread %s poll completed: %s`, s.Thread, OutcomeOf(ps.err))
}

// readyNames returns the sorted, unique names of sources whose events
// observed any state.
func (x *runner) readyNames(ts *threadState, ps *pollState) ([]string, error) {
	var ready []string
	if ts.region != nil {
		if ps.count == 0 {
			return nil, nil
		}
		ds, err := ts.region.ReadDescriptors(ts.region.Base(), int(ps.count))
		if err != nil {
			return nil, err
		}
		for i, d := range ds {
			if d.State != kpoll.StateNotReady && ps.names[i] != IgnoreEvent {
				ready = append(ready, ps.names[i])
			}
		}
	} else {
		for i := range ps.events {
			if ps.events[i].Ready() && ps.names[i] != IgnoreEvent {
				ready = append(ready, ps.names[i])
			}
		}
	}
	slices.Sort(ready)
	return slices.Compact(ready), nil
}

// drain waits for every outstanding poll, after the run context has been
// cancelled.
func (x *runner) drain() {
	for name, ts := range x.threads {
		ts.thread.Resume()
		if ts.poll == nil || ts.poll.ended {
			continue
		}
		select {
		case ts.poll.err = <-ts.poll.done:
			ts.poll.ended = true
		case <-time.After(x.stepTimeout):
			x.logger.Err().
				Str(`thread`, name).
				Err(errors.New(`poll did not complete after cancel`)).
				Log(`drain failed`)
		}
	}
}

func (x *runner) kind(name string) kpoll.Kind {
	switch x.sources[name].(type) {
	case *kpoll.Counter:
		return kpoll.KindCounterAvailable
	case *kpoll.Channel[string]:
		return kpoll.KindChannelDataAvailable
	default:
		return kpoll.KindLatchSignaled
	}
}

func (x *runner) descriptor(name string) kpoll.Descriptor {
	return kpoll.Descriptor{
		Kind:   x.kind(name),
		Handle: x.sources[name].Handle(),
	}
}
