package scenario

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_testdata(t *testing.T) {
	files, err := filepath.Glob(filepath.Join(`testdata`, `*.toml`))
	require.NoError(t, err)
	for _, file := range files {
		t.Run(strings.TrimSuffix(filepath.Base(file), `.toml`), func(t *testing.T) {
			s, err := Load(file)
			require.NoError(t, err)

			report, err := Run(context.Background(), s, nil)
			require.NoError(t, err)

			if failed := report.Failed(); failed != nil {
				t.Fatalf("step %d (%s) failed: %s", failed.Index, failed.Action, failed.Error)
			}
			assert.True(t, report.Passed)
			assert.Empty(t, report.Leaks)
			assert.Len(t, report.Steps, len(s.Steps))
			assert.Positive(t, report.Metrics.Polls)
		})
	}
}

func TestRun_ab(t *testing.T) {
	s, err := Load(filepath.Join(`testdata`, `ab.toml`))
	require.NoError(t, err)

	report, err := Run(context.Background(), s, nil)
	require.NoError(t, err)
	require.True(t, report.Passed)

	expect := report.Steps[3]
	if diff := cmp.Diff(StepReport{
		Index:   4,
		Action:  `expect`,
		Thread:  `consumer`,
		Outcome: OutcomeOK,
		Ready:   []string{`C`},
		Passed:  true,
	}, expect); diff != `` {
		t.Errorf("unexpected step report (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(1), report.Metrics.Woken)
}

func TestRun_failedStep(t *testing.T) {
	s, err := Parse(`
name = "wrong"
step_timeout = "1s"

[[source]]
name = "L"
type = "latch"

[[thread]]
name = "t"

[[step]]
action = "poll"
thread = "t"
events = ["L"]
timeout = "10ms"

[[step]]
action = "expect"
thread = "t"
outcome = "ok"

[[step]]
action = "raise"
source = "L"
`)
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(&buf))).Logger()

	report, err := Run(context.Background(), s, logger)
	require.NoError(t, err)
	assert.False(t, report.Passed)

	// stops at the first failure
	require.Len(t, report.Steps, 2)
	failed := report.Failed()
	require.NotNil(t, failed)
	assert.Equal(t, 2, failed.Index)
	assert.Equal(t, OutcomeTimedOut, failed.Outcome)
	assert.Contains(t, failed.Error, `thread t poll outcome timed_out, expected ok`)

	assert.Contains(t, buf.String(), `"msg":"step failed"`)
	assert.Contains(t, buf.String(), `"step":2`)
}

func TestRun_outstandingPollsDrained(t *testing.T) {
	s, err := Parse(`
name = "abandoned"

[[source]]
name = "C"
type = "counter"

[[thread]]
name = "a"

[[thread]]
name = "b"

[[step]]
action = "poll"
thread = "a"
events = ["C"]
timeout = "forever"

[[step]]
action = "poll"
thread = "b"
events = ["C"]
timeout = "forever"

[[step]]
action = "suspend"
thread = "b"
`)
	require.NoError(t, err)

	report, err := Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Empty(t, report.Leaks)
	assert.Equal(t, uint64(2), report.Metrics.Cancelled)
}

func TestRun_alreadyPolling(t *testing.T) {
	s, err := Parse(`
name = "twice"

[[source]]
name = "C"
type = "counter"

[[thread]]
name = "a"

[[step]]
action = "poll"
thread = "a"
events = ["C"]
timeout = "forever"

[[step]]
action = "poll"
thread = "a"
events = ["C"]
timeout = "forever"
`)
	require.NoError(t, err)

	report, err := Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Equal(t, `thread a is already polling`, report.Failed().Error)
}

func TestRun_pendingCompleted(t *testing.T) {
	s, err := Parse(`
name = "not pending"

[[source]]
name = "C"
type = "counter"
initial = 1

[[thread]]
name = "a"

[[step]]
action = "poll"
thread = "a"
events = ["C"]
timeout = "forever"

[[step]]
action = "pending"
thread = "a"
`)
	require.NoError(t, err)

	report, err := Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Equal(t, `thread a poll completed: ok`, report.Failed().Error)
}

func TestRun_invalid(t *testing.T) {
	_, err := Run(context.Background(), &Scenario{}, nil)
	assert.EqualError(t, err, `missing name`)
}

func TestWriteReport_roundTrip(t *testing.T) {
	s, err := Load(filepath.Join(`testdata`, `one_wake.toml`))
	require.NoError(t, err)
	report, err := Run(context.Background(), s, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, report))

	decoded, err := ReadReport(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(report, decoded); diff != `` {
		t.Errorf("unexpected report (-want +got):\n%s", diff)
	}
}

func TestReadReport_invalid(t *testing.T) {
	_, err := ReadReport(strings.NewReader("\xc1"))
	assert.ErrorContains(t, err, `failed to decode report`)
}

func TestRun_elapsed(t *testing.T) {
	s, err := Parse(`
name = "sleepy"

[[step]]
action = "sleep"
duration = "15ms"
`)
	require.NoError(t, err)
	report, err := Run(context.Background(), s, nil)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.GreaterOrEqual(t, report.Elapsed, time.Millisecond*15)
}
