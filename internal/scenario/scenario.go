// Package scenario runs scripted and randomized workloads against a
// [kpoll.Kernel], checking the results and the invariants of the
// multiplexer.
//
// Scripted scenarios are described using TOML, see [Scenario].
package scenario

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-kpoll"
)

type (
	// Scenario is a scripted sequence of steps, run against a new kernel.
	//
	//	name = "counter wakes poller"
	//
	//	[[source]]
	//	name = "C"
	//	type = "counter"
	//
	//	[[thread]]
	//	name = "consumer"
	//	priority = 5
	//
	//	[[step]]
	//	action = "poll"
	//	thread = "consumer"
	//	events = ["C"]
	//	timeout = "forever"
	//
	//	[[step]]
	//	action = "give"
	//	source = "C"
	//
	//	[[step]]
	//	action = "expect"
	//	thread = "consumer"
	//	outcome = "ok"
	//	ready = ["C"]
	Scenario struct {
		Name        string   `toml:"name"`
		Description string   `toml:"description"`
		Sources     []Source `toml:"source"`
		Threads     []Thread `toml:"thread"`
		Steps       []Step   `toml:"step"`
		// StepTimeout bounds how long a step waits, for a poll to pend or
		// complete. Defaults to DefaultStepTimeout.
		StepTimeout kpoll.Timeout `toml:"step_timeout"`
	}

	// Source declares a waitable object.
	Source struct {
		Name string `toml:"name"`
		// Type is one of counter, channel, or latch.
		Type    string `toml:"type"`
		Initial uint   `toml:"initial"`
		Limit   uint   `toml:"limit"`
		// Public grants every user thread access.
		Public bool `toml:"public"`
	}

	// Thread declares a kernel thread.
	Thread struct {
		Name     string         `toml:"name"`
		Priority kpoll.Priority `toml:"priority"`
		// User threads poll using kpoll.Thread.UserPoll.
		User bool `toml:"user"`
		// Grants lists the sources a user thread may name.
		Grants []string `toml:"grants"`
	}

	// Step is one action. Which fields apply depends on the action:
	//
	//   - poll: thread, events, timeout
	//   - give, cancel: source
	//   - put: source, value
	//   - raise: source, result
	//   - expect: thread, outcome, and optionally ready
	//   - pending: thread
	//   - waiters: source, count
	//   - sleep: duration
	//   - suspend, resume: thread
	Step struct {
		Action string `toml:"action"`
		Thread string `toml:"thread"`
		Source string `toml:"source"`
		// Events names the source of each event, or "-" for an ignored
		// event.
		Events   []string      `toml:"events"`
		Timeout  kpoll.Timeout `toml:"timeout"`
		Value    string        `toml:"value"`
		Result   int           `toml:"result"`
		Outcome  Outcome       `toml:"outcome"`
		Ready    *[]string     `toml:"ready"`
		Count    int           `toml:"count"`
		Duration kpoll.Timeout `toml:"duration"`
	}

	// Outcome classifies the result of a poll.
	Outcome string
)

const (
	OutcomeOK         Outcome = `ok`
	OutcomeWouldBlock Outcome = `would_block`
	OutcomeTimedOut   Outcome = `timed_out`
	OutcomeCancelled  Outcome = `cancelled`
	OutcomeViolation  Outcome = `violation`
	OutcomeNoMemory   Outcome = `no_memory`
	OutcomeError      Outcome = `error`
)

// IgnoreEvent is the event name used for a kpoll.KindIgnore event.
const IgnoreEvent = `-`

// DefaultStepTimeout is used if Scenario.StepTimeout is not set.
const DefaultStepTimeout = kpoll.Timeout(time.Second * 5)

var (
	sourceTypes = []string{`counter`, `channel`, `latch`}
	actions     = []string{`poll`, `give`, `put`, `cancel`, `raise`, `expect`, `pending`, `waiters`, `sleep`, `suspend`, `resume`}
)

// OutcomeOf classifies err, as returned by a poll.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, kpoll.ErrWouldBlock):
		return OutcomeWouldBlock
	case errors.Is(err, kpoll.ErrTimedOut):
		return OutcomeTimedOut
	case errors.Is(err, kpoll.ErrCancelled):
		return OutcomeCancelled
	case errors.Is(err, kpoll.ErrInvalidArgument):
		return OutcomeViolation
	case errors.Is(err, kpoll.ErrNoMemory):
		return OutcomeNoMemory
	default:
		return OutcomeError
	}
}

// Load reads and validates a scenario file.
func Load(path string) (*Scenario, error) {
	var s Scenario
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &s, nil
}

// Parse decodes and validates a scenario from TOML text.
func Parse(data string) (*Scenario, error) {
	var s Scenario
	if _, err := toml.Decode(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that every name is unique, and that every step refers to
// declared names, and has a known action.
func (x *Scenario) Validate() error {
	if x.Name == `` {
		return errors.New(`missing name`)
	}

	sources := make(map[string]*Source, len(x.Sources))
	for i := range x.Sources {
		s := &x.Sources[i]
		if s.Name == `` || s.Name == IgnoreEvent {
			return fmt.Errorf(`source %d: invalid name %q`, i, s.Name)
		}
		if _, ok := sources[s.Name]; ok {
			return fmt.Errorf(`source %q: duplicate name`, s.Name)
		}
		if !slices.Contains(sourceTypes, s.Type) {
			return fmt.Errorf(`source %q: unknown type %q`, s.Name, s.Type)
		}
		if s.Type == `counter` && s.Limit != 0 && s.Initial > s.Limit {
			return fmt.Errorf(`source %q: initial exceeds limit`, s.Name)
		}
		sources[s.Name] = s
	}

	threads := make(map[string]*Thread, len(x.Threads))
	for i := range x.Threads {
		t := &x.Threads[i]
		if t.Name == `` {
			return fmt.Errorf(`thread %d: missing name`, i)
		}
		if _, ok := threads[t.Name]; ok {
			return fmt.Errorf(`thread %q: duplicate name`, t.Name)
		}
		for _, g := range t.Grants {
			if _, ok := sources[g]; !ok {
				return fmt.Errorf(`thread %q: grant of unknown source %q`, t.Name, g)
			}
		}
		threads[t.Name] = t
	}

	for i := range x.Steps {
		if err := x.Steps[i].validate(sources, threads); err != nil {
			return fmt.Errorf(`step %d: %w`, i+1, err)
		}
	}

	return nil
}

func (x *Step) validate(sources map[string]*Source, threads map[string]*Thread) error {
	if !slices.Contains(actions, x.Action) {
		return fmt.Errorf(`unknown action %q`, x.Action)
	}

	needThread := func() error {
		if _, ok := threads[x.Thread]; !ok {
			return fmt.Errorf(`%s: unknown thread %q`, x.Action, x.Thread)
		}
		return nil
	}
	needSource := func(types ...string) error {
		s, ok := sources[x.Source]
		if !ok {
			return fmt.Errorf(`%s: unknown source %q`, x.Action, x.Source)
		}
		if len(types) != 0 && !slices.Contains(types, s.Type) {
			return fmt.Errorf(`%s: source %q is a %s`, x.Action, x.Source, s.Type)
		}
		return nil
	}

	switch x.Action {
	case `poll`:
		if err := needThread(); err != nil {
			return err
		}
		if len(x.Events) == 0 && !threads[x.Thread].User {
			return errors.New(`poll: no events`)
		}
		for _, name := range x.Events {
			if _, ok := sources[name]; !ok && name != IgnoreEvent {
				return fmt.Errorf(`poll: unknown source %q`, name)
			}
		}
	case `give`:
		return needSource(`counter`)
	case `put`, `cancel`:
		return needSource(`channel`)
	case `raise`:
		return needSource(`latch`)
	case `waiters`:
		return needSource()
	case `expect`:
		if err := needThread(); err != nil {
			return err
		}
		switch x.Outcome {
		case OutcomeOK, OutcomeWouldBlock, OutcomeTimedOut, OutcomeCancelled, OutcomeViolation, OutcomeNoMemory:
		default:
			return fmt.Errorf(`expect: unknown outcome %q`, x.Outcome)
		}
		if x.Ready != nil {
			for _, name := range *x.Ready {
				if _, ok := sources[name]; !ok {
					return fmt.Errorf(`expect: unknown source %q`, name)
				}
			}
		}
	case `pending`, `suspend`, `resume`:
		return needThread()
	case `sleep`:
		if x.Duration <= 0 {
			return errors.New(`sleep: duration must be positive`)
		}
	}

	return nil
}
