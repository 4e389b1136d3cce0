package kpoll

import (
	"sync"
	"weak"
)

// Handle identifies a registered [Source]. Zero is never a valid handle.
type Handle uint64

// scavengeBatch is the number of ring slots checked per registration.
const scavengeBatch = 32

// registry maps handles to live kernel objects, using weak pointers so that
// an unreachable source is collected. Dead entries are scavenged
// incrementally, using a ring of handles.
type registry struct {
	// data stores weak pointers to objects.
	data map[Handle]weak.Pointer[object]

	// ring is a circular buffer of handles used for scavenging, zero marks
	// an empty slot.
	ring []Handle

	// head is the scavenger's position in the ring.
	head int

	nextID Handle
	mu     sync.RWMutex

	// scavengeMu serializes scavenge operations, so compaction never
	// overlaps a batch.
	scavengeMu sync.Mutex
}

func newRegistry() *registry {
	return &registry{
		data:   make(map[Handle]weak.Pointer[object]),
		ring:   make([]Handle, 0, 64),
		nextID: 1,
	}
}

// register assigns a handle to o, scavenging a batch of older entries.
func (r *registry) register(o *object) Handle {
	wp := weak.Make(o)

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.data[id] = wp
	r.ring = append(r.ring, id)
	r.mu.Unlock()

	r.scavenge(scavengeBatch)

	return id
}

// lookup returns the live object for id, if any.
func (r *registry) lookup(id Handle) *object {
	if id == 0 {
		return nil
	}
	r.mu.RLock()
	wp, ok := r.data[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return wp.Value()
}

// len returns the number of entries, including dead ones not yet scavenged.
func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// scavenge checks up to batchSize ring slots, removing collected objects.
func (r *registry) scavenge(batchSize int) {
	r.scavengeMu.Lock()
	defer r.scavengeMu.Unlock()

	if batchSize <= 0 {
		return
	}

	type item struct {
		id  Handle
		idx int
		wp  weak.Pointer[object]
	}

	r.mu.RLock()
	ringLen := len(r.ring)
	if ringLen == 0 {
		r.mu.RUnlock()
		return
	}
	start := r.head
	end := min(start+batchSize, ringLen)
	items := make([]item, 0, end-start)
	for i := start; i < end; i++ {
		if id := r.ring[i]; id != 0 {
			if wp, ok := r.data[id]; ok {
				items = append(items, item{id, i, wp})
			}
		}
	}
	nextHead := end
	if nextHead >= ringLen {
		nextHead = 0
	}
	r.mu.RUnlock()

	// checks happen outside the lock
	dead := items[:0]
	for _, it := range items {
		if it.wp.Value() == nil {
			dead = append(dead, it)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, it := range dead {
		delete(r.data, it.id)
		if it.idx < len(r.ring) && r.ring[it.idx] == it.id {
			r.ring[it.idx] = 0
		}
	}

	r.head = nextHead

	// compact once per cycle, when the load factor drops below 25%
	if nextHead == 0 && len(r.ring) > 256 && len(r.data)*4 < len(r.ring) {
		r.compact()
	}
}

// compact drops empty ring slots, and rebuilds the map to release its
// buckets. Must be called with mu held.
func (r *registry) compact() {
	ring := make([]Handle, 0, len(r.data))
	data := make(map[Handle]weak.Pointer[object], len(r.data))
	for _, id := range r.ring {
		if id == 0 {
			continue
		}
		if wp, ok := r.data[id]; ok {
			ring = append(ring, id)
			data[id] = wp
		}
	}
	r.ring = ring
	r.data = data
	r.head = 0
}
