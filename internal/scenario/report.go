package scenario

import (
	"fmt"
	"io"
	"time"

	"github.com/joeycumines/go-kpoll"
	"github.com/vmihailenco/msgpack/v5"
)

type (
	// Report is the result of Run.
	Report struct {
		Name   string       `msgpack:"name"`
		Steps  []StepReport `msgpack:"steps"`
		// Leaks lists sources that still had registered events, after every
		// poll completed.
		Leaks   []string              `msgpack:"leaks,omitempty"`
		Metrics kpoll.MetricsSnapshot `msgpack:"metrics"`
		Elapsed time.Duration         `msgpack:"elapsed"`
		Passed  bool                  `msgpack:"passed"`
	}

	// StepReport is the result of a single step.
	StepReport struct {
		Action string `msgpack:"action"`
		Thread string `msgpack:"thread,omitempty"`
		Source string `msgpack:"source,omitempty"`
		// Outcome and Ready are set by expect steps.
		Outcome Outcome  `msgpack:"outcome,omitempty"`
		Ready   []string `msgpack:"ready,omitempty"`
		Error   string   `msgpack:"error,omitempty"`
		Index   int      `msgpack:"index"`
		Passed  bool     `msgpack:"passed"`
	}
)

// Failed returns the first failed step, or nil.
func (x *Report) Failed() *StepReport {
	for i := range x.Steps {
		if !x.Steps[i].Passed {
			return &x.Steps[i]
		}
	}
	return nil
}

// WriteReport encodes the report using MessagePack.
func WriteReport(w io.Writer, report any) error {
	if err := msgpack.NewEncoder(w).Encode(report); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// ReadReport decodes a report written by WriteReport.
func ReadReport(r io.Reader) (*Report, error) {
	var report Report
	if err := msgpack.NewDecoder(r).Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &report, nil
}
