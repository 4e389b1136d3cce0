package kpoll

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"fortio.org/safecast"
	"golang.org/x/exp/constraints"
)

// DescriptorSize is the size, in bytes, of the encoded form of an event
// descriptor, as read from and written to an [AddressSpace] by
// [Thread.UserPoll]. The layout is little-endian:
//
//	offset 0: kind   uint32
//	offset 4: state  uint32
//	offset 8: handle uint64
const DescriptorSize = 16

type (
	// AddressSpace models the memory of a lower-trust thread. The kernel
	// never retains slices passed to or returned from it.
	AddressSpace interface {
		// Writable returns true if [addr, addr+size) is mapped, and both
		// readable and writable by the owner.
		Writable(addr, size uint64) bool

		// ReadAt copies len(p) bytes from addr into p.
		ReadAt(p []byte, addr uint64) error

		// WriteAt copies p to addr.
		WriteAt(p []byte, addr uint64) error
	}

	// Descriptor is the decoded form of a user event descriptor.
	Descriptor struct {
		Kind   Kind
		State  State
		Handle Handle
	}

	// UserRegion is a contiguous, byte addressed [AddressSpace], safe for
	// concurrent use.
	UserRegion struct {
		mem  []byte
		base uint64
		mu   sync.Mutex
	}
)

var errOutOfRange = errors.New(`kpoll: address out of range`)

// NewUserRegion allocates a zeroed region of size bytes, starting at base.
func NewUserRegion(base uint64, size int) *UserRegion {
	if size < 0 || base+uint64(size) < base {
		panic(`kpoll: invalid user region`)
	}
	return &UserRegion{
		mem:  make([]byte, size),
		base: base,
	}
}

// Base returns the first address of the region.
func (x *UserRegion) Base() uint64 { return x.base }

// Size returns the length of the region.
func (x *UserRegion) Size() uint64 { return uint64(len(x.mem)) }

// Writable implements [AddressSpace].
func (x *UserRegion) Writable(addr, size uint64) bool {
	_, ok := x.offset(addr, size)
	return ok
}

// ReadAt implements [AddressSpace].
func (x *UserRegion) ReadAt(p []byte, addr uint64) error {
	off, ok := x.offset(addr, uint64(len(p)))
	if !ok {
		return errOutOfRange
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	copy(p, x.mem[off:])
	return nil
}

// WriteAt implements [AddressSpace].
func (x *UserRegion) WriteAt(p []byte, addr uint64) error {
	off, ok := x.offset(addr, uint64(len(p)))
	if !ok {
		return errOutOfRange
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	copy(x.mem[off:], p)
	return nil
}

// WriteDescriptors encodes ds into the region at addr.
func (x *UserRegion) WriteDescriptors(addr uint64, ds ...Descriptor) error {
	b := make([]byte, 0, len(ds)*DescriptorSize)
	for _, d := range ds {
		b = d.AppendBinary(b)
	}
	return x.WriteAt(b, addr)
}

// ReadDescriptors decodes n descriptors from the region at addr.
func (x *UserRegion) ReadDescriptors(addr uint64, n int) ([]Descriptor, error) {
	b := make([]byte, n*DescriptorSize)
	if err := x.ReadAt(b, addr); err != nil {
		return nil, err
	}
	ds := make([]Descriptor, n)
	for i := range ds {
		ds[i] = decodeDescriptor(b[i*DescriptorSize:])
	}
	return ds, nil
}

func (x *UserRegion) offset(addr, size uint64) (uint64, bool) {
	if addr < x.base {
		return 0, false
	}
	off := addr - x.base
	if end := off + size; end < off || end > uint64(len(x.mem)) {
		return 0, false
	}
	return off, true
}

// AppendBinary appends the encoded descriptor to b.
func (d Descriptor) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(d.Kind))
	b = binary.LittleEndian.AppendUint32(b, uint32(d.State))
	return binary.LittleEndian.AppendUint64(b, uint64(d.Handle))
}

func decodeDescriptor(b []byte) Descriptor {
	return Descriptor{
		Kind:   Kind(binary.LittleEndian.Uint32(b[0:])),
		State:  State(binary.LittleEndian.Uint32(b[4:])),
		Handle: Handle(binary.LittleEndian.Uint64(b[8:])),
	}
}

// UserPoll is the lower-trust form of [Thread.Poll], for threads created
// using [Kernel.NewUserThread]. It polls count descriptors, encoded per
// [DescriptorSize], starting at addr in the thread's address space, writing
// each accumulated state back on completion.
//
// Malformed input never panics. Instead, an *[AccessViolation] is returned,
// and the thread is faulted, so every later call fails with the same error.
// This includes a zero count, a count whose size in bytes overflows uint, an
// inaccessible range, an unrecognized kind, an invalid timeout, and a
// handle that is not a live object of the matching class, that the thread
// has been granted access to. [ErrNoMemory] is returned, without faulting,
// if the kernel's buffer pool cannot hold a copy of the descriptors.
func (x *Thread) UserPoll(ctx context.Context, addr, count uint64, timeout Timeout) error {
	if ctx == nil {
		panic(`kpoll: nil context`)
	}
	if x.space == nil {
		panic(fmt.Errorf(`kpoll: UserPoll by trusted thread %s`, x))
	}

	k := x.kernel

	if err := x.Fault(); err != nil {
		return err
	}

	if count == 0 {
		return x.violate(-1, `zero descriptors`)
	}
	size, ok := descriptorBytes(count)
	if !ok {
		return x.violate(-1, fmt.Sprintf(`descriptor count %d overflows`, count))
	}
	if timeout < 0 && timeout != Forever {
		return x.violate(-1, fmt.Sprintf(`invalid timeout %d`, int64(timeout)))
	}
	if !x.space.Writable(addr, uint64(size)) {
		return x.violate(-1, fmt.Sprintf(`range [%#x, +%d) not writable`, addr, size))
	}

	weight, err := safecast.Conv[int64](size)
	if err != nil || !k.userPool.TryAcquire(weight) {
		return ErrNoMemory
	}
	defer k.userPool.Release(weight)

	buf := make([]byte, size)
	if err := x.space.ReadAt(buf, addr); err != nil {
		return x.violate(-1, `copy in: `+err.Error())
	}

	events := make([]Event, count)
	if i, reason := x.copyInEvents(events, buf); reason != `` {
		return x.violate(i, reason)
	}

	err = x.poll(ctx, events, timeout)

	for i := range events {
		binary.LittleEndian.PutUint32(buf[i*DescriptorSize+4:], uint32(events[i].state))
	}
	if err := x.space.WriteAt(buf, addr); err != nil {
		return x.violate(-1, `copy out: `+err.Error())
	}

	return err
}

// copyInEvents validates the descriptors in buf, which is a privileged copy,
// and initializes events from them. On failure, it returns the offending
// index, and a non-empty reason.
func (x *Thread) copyInEvents(events []Event, buf []byte) (int, string) {
	k := x.kernel
	k.mu.Lock()
	defer k.mu.Unlock()

	for i := range events {
		d := decodeDescriptor(buf[i*DescriptorSize:])

		if !d.Kind.Valid() {
			return i, fmt.Sprintf(`unrecognized kind %d`, uint32(d.Kind))
		}

		if d.Kind != KindIgnore {
			o := k.objects.lookup(d.Handle)
			switch {
			case o == nil:
				return i, fmt.Sprintf(`unknown handle %d`, d.Handle)
			case o.class != d.Kind.class():
				return i, fmt.Sprintf(`handle %d is a %s, not valid for %s`, d.Handle, o.class, d.Kind)
			case !o.permits(x):
				return i, fmt.Sprintf(`handle %d not granted`, d.Handle)
			}
			events[i] = Event{kind: d.Kind, src: o.src}
		}

		events[i].state = d.State
	}

	return 0, ``
}

// violate faults the thread, and returns the resulting violation.
func (x *Thread) violate(index int, reason string) error {
	v := &AccessViolation{
		Thread: x.name,
		Reason: reason,
		Index:  index,
	}

	k := x.kernel

	func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		if x.fault == nil {
			x.fault = v
		}
	}()

	k.metrics.recordViolation()

	if k.violations != nil {
		if _, ok := k.violations.Allow(x.id); !ok {
			return v
		}
	}

	k.logger.Warning().
		Str(`thread`, x.name).
		Uint64(`thread_id`, uint64(x.id)).
		Int(`index`, index).
		Str(`reason`, reason).
		Log(`access violation`)

	return v
}

// descriptorBytes returns the size of count descriptors, and false if it
// cannot be represented by uint.
func descriptorBytes(count uint64) (uint, bool) {
	n, err := safecast.Conv[uint](count)
	if err != nil {
		return 0, false
	}
	return mulNoOverflow(n, DescriptorSize)
}

// mulNoOverflow returns a*b, and false if the product overflows T.
func mulNoOverflow[T constraints.Unsigned](a, b T) (T, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	c := a * b
	return c, c/b == a
}
