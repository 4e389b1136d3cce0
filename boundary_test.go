package kpoll

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const regionBase = 0x1000

// forbiddenSpace fails the test if the kernel touches it.
type forbiddenSpace struct{ t *testing.T }

func (x forbiddenSpace) Writable(addr, size uint64) bool {
	x.t.Errorf(`unexpected Writable(%#x, %d)`, addr, size)
	return false
}

func (x forbiddenSpace) ReadAt(p []byte, addr uint64) error {
	x.t.Errorf(`unexpected ReadAt(%#x)`, addr)
	return errors.New(`forbidden`)
}

func (x forbiddenSpace) WriteAt(p []byte, addr uint64) error {
	x.t.Errorf(`unexpected WriteAt(%#x)`, addr)
	return errors.New(`forbidden`)
}

func requireViolation(t *testing.T, err error, index int, reason string) *AccessViolation {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	var v *AccessViolation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, index, v.Index)
	assert.Contains(t, v.Reason, reason)
	return v
}

func TestUserPoll_success(t *testing.T) {
	k := newTestKernel(t)
	c := k.NewCounter(1, 0)
	l := k.NewLatch()
	region := NewUserRegion(regionBase, 256)
	th := k.NewUserThread(`user`, 5, region)
	k.GrantAll(c)
	k.Grant(l, th)

	const addr = regionBase + 16
	require.NoError(t, region.WriteDescriptors(addr,
		Descriptor{Kind: KindIgnore, Handle: 12345},
		Descriptor{Kind: KindLatchSignaled, Handle: l.Handle()},
		Descriptor{Kind: KindCounterAvailable, State: StateCancelled, Handle: c.Handle()},
	))

	require.NoError(t, th.UserPoll(context.Background(), addr, 3, NoWait))

	ds, err := region.ReadDescriptors(addr, 3)
	require.NoError(t, err)
	assert.Equal(t, []Descriptor{
		{Kind: KindIgnore, Handle: 12345},
		{Kind: KindLatchSignaled, Handle: l.Handle()},
		{Kind: KindCounterAvailable, State: StateCancelled | StateCounterAvailable, Handle: c.Handle()},
	}, ds)
	assert.NoError(t, th.Fault())
}

func TestUserPoll_blocks(t *testing.T) {
	k := newTestKernel(t)
	c := k.NewCounter(0, 0)
	l := k.NewLatch()
	region := NewUserRegion(regionBase, 64)
	th := k.NewUserThread(`user`, 5, region)
	k.GrantAll(c)
	k.GrantAll(l)

	require.NoError(t, region.WriteDescriptors(regionBase,
		Descriptor{Kind: KindCounterAvailable, Handle: c.Handle()},
		Descriptor{Kind: KindLatchSignaled, Handle: l.Handle()},
	))

	result := make(chan error, 1)
	go func() { result <- th.UserPoll(context.Background(), regionBase, 2, Forever) }()
	waitPended(t, th)

	// the kernel works on a copy
	require.NoError(t, region.WriteDescriptors(regionBase, Descriptor{Kind: 77}))

	l.Raise(5)
	require.NoError(t, requireResult(t, result))

	ds, err := region.ReadDescriptors(regionBase, 2)
	require.NoError(t, err)
	assert.Equal(t, StateNotReady, ds[0].State)
	assert.Equal(t, KindCounterAvailable, ds[0].Kind, `copied back from the privileged buffer`)
	assert.Equal(t, StateSignaled, ds[1].State)
	assert.Zero(t, c.Waiters())
	assert.Zero(t, l.Waiters())
}

func TestUserPoll_timeout(t *testing.T) {
	k := newTestKernel(t)
	c := k.NewCounter(0, 0)
	region := NewUserRegion(regionBase, 16)
	th := k.NewUserThread(`user`, 5, region)
	k.GrantAll(c)
	require.NoError(t, region.WriteDescriptors(regionBase, Descriptor{Kind: KindCounterAvailable, Handle: c.Handle()}))

	assert.ErrorIs(t, th.UserPoll(context.Background(), regionBase, 1, Timeout(time.Millisecond*10)), ErrTimedOut)
	assert.Zero(t, c.Waiters())
	assert.NoError(t, th.Fault())
}

func TestUserPoll_overflow(t *testing.T) {
	for _, count := range [...]uint64{
		math.MaxUint64,
		uint64(math.MaxUint)/DescriptorSize + 1,
	} {
		k := newTestKernel(t)
		th := k.NewUserThread(`user`, 5, forbiddenSpace{t})

		requireViolation(t, th.UserPoll(context.Background(), regionBase, count, NoWait), -1, `overflows`)
		assert.Equal(t, uint64(1), k.Metrics().Violations)
	}
}

func TestUserPoll_violations(t *testing.T) {
	k := newTestKernel(t)
	c := k.NewCounter(1, 0)
	l := k.NewLatch()
	private := k.NewLatch()
	k.GrantAll(c)
	k.GrantAll(l)

	for _, tc := range [...]struct {
		name        string
		descriptors []Descriptor
		addr, count uint64
		timeout     Timeout
		index       int
		reason      string
	}{
		{
			name:   `zero count`,
			addr:   regionBase,
			index:  -1,
			reason: `zero descriptors`,
		},
		{
			name:   `out of range`,
			addr:   regionBase + 48,
			count:  2,
			index:  -1,
			reason: `not writable`,
		},
		{
			name:   `below region`,
			addr:   regionBase - 16,
			count:  1,
			index:  -1,
			reason: `not writable`,
		},
		{
			name:        `invalid timeout`,
			descriptors: []Descriptor{{Kind: KindIgnore}},
			addr:        regionBase,
			count:       1,
			timeout:     Timeout(-5),
			index:       -1,
			reason:      `invalid timeout`,
		},
		{
			name:        `unrecognized kind`,
			descriptors: []Descriptor{{Kind: KindIgnore}, {Kind: 4}},
			addr:        regionBase,
			count:       2,
			index:       1,
			reason:      `unrecognized kind 4`,
		},
		{
			name:        `unknown handle`,
			descriptors: []Descriptor{{Kind: KindCounterAvailable, Handle: 9999}},
			addr:        regionBase,
			count:       1,
			index:       0,
			reason:      `unknown handle 9999`,
		},
		{
			name:        `zero handle`,
			descriptors: []Descriptor{{Kind: KindLatchSignaled}},
			addr:        regionBase,
			count:       1,
			index:       0,
			reason:      `unknown handle 0`,
		},
		{
			name:        `mistyped target`,
			descriptors: []Descriptor{{Kind: KindCounterAvailable, Handle: c.Handle()}, {Kind: KindCounterAvailable, Handle: l.Handle()}},
			addr:        regionBase,
			count:       2,
			index:       1,
			reason:      `is a Latch`,
		},
		{
			name:        `not granted`,
			descriptors: []Descriptor{{Kind: KindLatchSignaled, Handle: private.Handle()}},
			addr:        regionBase,
			count:       1,
			index:       0,
			reason:      `not granted`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			region := NewUserRegion(regionBase, 64)
			th := k.NewUserThread(`user`, 5, region)
			if len(tc.descriptors) != 0 {
				require.NoError(t, region.WriteDescriptors(tc.addr, tc.descriptors...))
			}
			before := append([]byte(nil), region.mem...)

			err := th.UserPoll(context.Background(), tc.addr, tc.count, tc.timeout)
			v := requireViolation(t, err, tc.index, tc.reason)
			assert.Equal(t, `user`, v.Thread)
			assert.Equal(t, before, region.mem, `memory must not be written`)
			assert.Same(t, v, th.Fault())
			assert.Equal(t, uint(1), c.Count())

			// faulted threads may never poll again
			require.NoError(t, region.WriteDescriptors(regionBase, Descriptor{Kind: KindCounterAvailable, Handle: c.Handle()}))
			assert.Same(t, v, th.UserPoll(context.Background(), regionBase, 1, NoWait))
		})
	}
}

func TestUserPoll_grantRevoke(t *testing.T) {
	k := newTestKernel(t)
	c := k.NewCounter(1, 0)
	region := NewUserRegion(regionBase, 16)
	a := k.NewUserThread(`a`, 5, region)
	b := k.NewUserThread(`b`, 5, region)
	require.NoError(t, region.WriteDescriptors(regionBase, Descriptor{Kind: KindCounterAvailable, Handle: c.Handle()}))

	k.Grant(c, a)
	assert.NoError(t, a.UserPoll(context.Background(), regionBase, 1, NoWait))
	requireViolation(t, b.UserPoll(context.Background(), regionBase, 1, NoWait), 0, `not granted`)

	k.Revoke(c, a)
	requireViolation(t, a.UserPoll(context.Background(), regionBase, 1, NoWait), 0, `not granted`)

	// trusted threads need no grant
	events := []Event{CounterEvent(c)}
	assert.NoError(t, k.NewThread(`trusted`, 5).Poll(context.Background(), events, NoWait))
}

func TestUserPoll_noMemory(t *testing.T) {
	k := newTestKernel(t, WithUserPoolSize(DescriptorSize*2))
	c := k.NewCounter(0, 0)
	k.GrantAll(c)
	region := NewUserRegion(regionBase, 64)
	th := k.NewUserThread(`user`, 5, region)
	other := k.NewUserThread(`other`, 5, region)
	for i := range 3 {
		require.NoError(t, region.WriteDescriptors(regionBase+uint64(i)*DescriptorSize, Descriptor{Kind: KindCounterAvailable, Handle: c.Handle()}))
	}

	assert.ErrorIs(t, th.UserPoll(context.Background(), regionBase, 3, NoWait), ErrNoMemory)
	assert.NoError(t, th.Fault(), `exhaustion is not a violation`)

	result := make(chan error, 1)
	go func() { result <- th.UserPoll(context.Background(), regionBase, 2, Forever) }()
	waitPended(t, th)

	assert.ErrorIs(t, other.UserPoll(context.Background(), regionBase, 1, NoWait), ErrNoMemory, `held by the blocked call`)

	c.Give()
	assert.NoError(t, requireResult(t, result))
	assert.NoError(t, other.UserPoll(context.Background(), regionBase, 1, NoWait))
}

func TestUserPoll_trustedThreadPanics(t *testing.T) {
	k := newTestKernel(t)
	th := k.NewThread(`trusted`, 5)
	assert.Panics(t, func() { _ = th.UserPoll(context.Background(), regionBase, 1, NoWait) })
	assert.Panics(t, func() { k.NewUserThread(`user`, 5, nil) })
}

func TestUserPoll_violationLogsRateLimited(t *testing.T) {
	var buf bytes.Buffer
	logger := stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(&buf))).Logger()
	k := newTestKernel(t, WithLogger(logger), WithViolationLogRates(map[time.Duration]int{time.Hour: 2}))
	region := NewUserRegion(regionBase, 16)
	th := k.NewUserThread(`noisy`, 5, region)

	for range 5 {
		_ = th.UserPoll(context.Background(), regionBase, 0, NoWait)
	}

	// every call after the first fails with the stored fault, without logging
	other := k.NewUserThread(`other`, 5, region)
	for range 3 {
		_ = other.UserPoll(context.Background(), regionBase, 0, NoWait)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2, buf.String())
	assert.Contains(t, lines[0], `"thread":"noisy"`)
	assert.Contains(t, lines[0], `access violation`)
	assert.Contains(t, lines[1], `"thread":"other"`)
	assert.Equal(t, uint64(2), k.Metrics().Violations)
}

func TestUserPoll_violationLogLimit(t *testing.T) {
	var buf bytes.Buffer
	logger := stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(&buf))).Logger()
	k := newTestKernel(t, WithLogger(logger), WithViolationLogRates(map[time.Duration]int{time.Hour: 2}))
	th := k.NewUserThread(`noisy`, 5, NewUserRegion(regionBase, 16))

	for range 5 {
		_ = th.violate(-1, `test`)
	}

	assert.Equal(t, 2, strings.Count(buf.String(), "\n"), buf.String())
	assert.Equal(t, uint64(5), k.Metrics().Violations)
}

func TestDescriptorBytes(t *testing.T) {
	size, ok := descriptorBytes(4)
	assert.True(t, ok)
	assert.Equal(t, uint(64), size)

	_, ok = descriptorBytes(math.MaxUint64)
	assert.False(t, ok)

	v, ok := mulNoOverflow[uint8](16, 16)
	assert.False(t, ok)
	assert.Equal(t, uint8(0), v)

	v, ok = mulNoOverflow[uint8](15, 17)
	assert.True(t, ok)
	assert.Equal(t, uint8(255), v)
}

func TestUserRegion(t *testing.T) {
	r := NewUserRegion(100, 10)
	assert.True(t, r.Writable(100, 10))
	assert.True(t, r.Writable(109, 1))
	assert.True(t, r.Writable(110, 0))
	assert.False(t, r.Writable(99, 1))
	assert.False(t, r.Writable(105, 6))
	assert.False(t, r.Writable(105, math.MaxUint64))
	assert.ErrorIs(t, r.WriteAt(make([]byte, 11), 100), errOutOfRange)
	assert.ErrorIs(t, r.ReadAt(make([]byte, 1), 110), errOutOfRange)

	require.NoError(t, r.WriteAt([]byte{1, 2, 3}, 102))
	b := make([]byte, 4)
	require.NoError(t, r.ReadAt(b, 101))
	assert.Equal(t, []byte{0, 1, 2, 3}, b)

	assert.Panics(t, func() { NewUserRegion(math.MaxUint64, 2) })
}

func TestPoll_userThreadPanics(t *testing.T) {
	k := newTestKernel(t)
	c := k.NewCounter(1, 0)
	ch := NewChannel[int](k)
	ch.Put(1)
	region := NewUserRegion(regionBase, 16)
	th := k.NewUserThread(`user`, 5, region)

	events := []Event{CounterEvent(c)}
	assert.PanicsWithError(t, `kpoll: Poll by user thread user(1, prio 5)`, func() {
		_ = th.Poll(context.Background(), events, NoWait)
	})
	assert.False(t, events[0].Ready(), `the ungranted counter was not checked`)
	assert.Zero(t, c.Waiters())

	assert.PanicsWithError(t, `kpoll: blocking call by user thread user(1, prio 5)`, func() {
		_ = c.Take(context.Background(), th, NoWait)
	})
	assert.PanicsWithError(t, `kpoll: blocking call by user thread user(1, prio 5)`, func() {
		_, _ = ch.Get(context.Background(), th, NoWait)
	})
	assert.Equal(t, uint(1), c.Count())
	assert.Equal(t, 1, ch.Len())
	assert.NoError(t, th.Fault())

	// the thread was left usable, and still subject to its grants
	require.NoError(t, region.WriteDescriptors(regionBase, Descriptor{Kind: KindCounterAvailable, Handle: c.Handle()}))
	requireViolation(t, th.UserPoll(context.Background(), regionBase, 1, NoWait), 0, `not granted`)
}
