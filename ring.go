package qdisc

import (
	"sync/atomic"

	"github.com/nodeq/qdisc/internal/ablock"
	corelog "github.com/nodeq/qdisc/log"
)

// RingCapacityLimit is the largest capacity a constrained ring buffer
// accepts. The packed state word gives head and tail 16 bits each, so
// slot indices must fit in a uint16.
const RingCapacityLimit = 65535

// RingPolicy selects which group of a constrained ring's internal
// alpha/beta lock producers join and which group consumers join. The
// lock treats its two groups alike: whichever group holds it admits
// further members of that group while the other group waits for it to
// drain, and Alpha has no precedence over Beta. The policy therefore
// does not change how producer and consumer traffic is ordered under
// contention.
type RingPolicy uint8

const (
	// MinimizeSchedulingDelay puts producers in the Alpha group and
	// consumers in the Beta group.
	MinimizeSchedulingDelay RingPolicy = iota
	// MinimizeWorkloadCancellation puts consumers in the Alpha group
	// and producers in the Beta group.
	MinimizeWorkloadCancellation
)

func packRingState(head, tail uint16, empty bool) uint64 {
	w := uint64(head) | uint64(tail)<<16
	if empty {
		w |= 1 << 32
	}
	return w
}

func unpackRingState(w uint64) (head, tail uint16, empty bool) {
	return uint16(w), uint16(w >> 16), w&(1<<32) != 0
}

// ringCore is the shared mechanism behind ConstrainedFIFO and
// ConstrainedLIFO: a fixed-size circular buffer of workload pointers
// addressed by a packed {head, tail, is_empty} word updated with a
// single CompareAndSwap, with producer/consumer access additionally
// serialized through an ablock.Lock so a displaced slot's pointer
// write can never be read mid-overwrite by a concurrent consumer
// (same-group callers — e.g. two concurrent producers — still run
// concurrently; the lock only excludes the opposite group).
//
// Backtrack is a no-op here for the same reason it is for FIFO/LIFO:
// the ring keeps no per-worker cursor, only the shared head/tail word.
type ringCore struct {
	base
	capacity      uint16
	slots         []atomic.Pointer[Workload]
	state         atomic.Uint64
	lock          ablock.Lock
	producerGroup ablock.Group
	consumerGroup ablock.Group
	ownerSeq      atomic.Uint64
	log           corelog.Sink
}

func newRingCore(handle Handle, capacity int, policy RingPolicy, sink corelog.Sink) (*ringCore, error) {
	if err := validateHandle(handle); err != nil {
		return nil, err
	}
	if capacity < 1 || capacity > RingCapacityLimit {
		return nil, newSchedulingError("NewRing", errInvalidCapacity)
	}
	if sink == nil {
		sink = corelog.Nop{}
	}
	producer, consumer := ablock.Alpha, ablock.Beta
	if policy == MinimizeWorkloadCancellation {
		producer, consumer = ablock.Beta, ablock.Alpha
	}
	r := &ringCore{
		base:          newBase(handle),
		capacity:      uint16(capacity),
		slots:         make([]atomic.Pointer[Workload], capacity),
		producerGroup: producer,
		consumerGroup: consumer,
		log:           sink,
	}
	r.state.Store(packRingState(0, 0, true))
	return r, nil
}

func (r *ringCore) acquire(group ablock.Group) ablock.Release {
	owner := r.ownerSeq.Add(1)
	rel, err := r.lock.TryAcquire(group, owner, 0)
	if err != nil {
		// owner is a freshly minted id on every call, so neither
		// recursive acquisition nor a cross-group upgrade can occur.
		panic("qdisc: unreachable ablock error with a fresh owner: " + err.Error())
	}
	return rel
}

func (r *ringCore) IsEmpty() bool {
	_, _, empty := unpackRingState(r.state.Load())
	return empty
}

func (r *ringCore) BestEffortCount() int {
	head, tail, empty := unpackRingState(r.state.Load())
	if empty {
		return 0
	}
	count := (int(tail) - int(head) + int(r.capacity)) % int(r.capacity)
	if count == 0 {
		count = int(r.capacity)
	}
	return count
}

// push binds w to leaf and inserts it at the tail, displacing and
// canceling the oldest entry if the ring is full.
func (r *ringCore) push(leaf Qdisc, w *Workload) error {
	if err := r.checkEnqueueable(); err != nil {
		return err
	}
	rel := r.acquire(r.producerGroup)
	defer rel()
	if !w.TryBind(leaf) {
		return newSchedulingError("Enqueue", errDisposedWorkload)
	}

	var writeIdx, dispIdx uint16
	var wasFull bool
	for {
		old := r.state.Load()
		head, tail, empty := unpackRingState(old)
		// head == tail means full when the empty flag is clear; the
		// flag exists exactly so all capacity slots are usable.
		full := !empty && tail == head
		writeIdx = tail
		newHead := head
		if full {
			dispIdx = head
			newHead = (head + 1) % r.capacity
		}
		newTail := (tail + 1) % r.capacity
		if r.state.CompareAndSwap(old, packRingState(newHead, newTail, false)) {
			wasFull = full
			break
		}
	}

	var displaced *Workload
	if wasFull {
		displaced = r.slots[dispIdx].Swap(nil)
	}
	r.slots[writeIdx].Store(w)
	r.notifyParent()

	if displaced != nil {
		if displaced.forceCancelOverflow() {
			r.log.Record(corelog.Warning, "constrained ring overflow displaced a workload",
				"handle", r.handle, "capacity", r.capacity, "workload", displaced.ID,
				"error", newCapacityError("Enqueue", ErrOverflowDisplaced))
		}
	}
	return nil
}

func (r *ringCore) popHead() (*Workload, bool) {
	rel := r.acquire(r.consumerGroup)
	defer rel()
	for {
		old := r.state.Load()
		head, tail, empty := unpackRingState(old)
		if empty {
			return nil, false
		}
		newHead := (head + 1) % r.capacity
		newEmpty := newHead == tail
		if r.state.CompareAndSwap(old, packRingState(newHead, tail, newEmpty)) {
			return r.slots[head].Swap(nil), true
		}
	}
}

func (r *ringCore) popTail() (*Workload, bool) {
	rel := r.acquire(r.consumerGroup)
	defer rel()
	for {
		old := r.state.Load()
		head, tail, empty := unpackRingState(old)
		if empty {
			return nil, false
		}
		newTail := (tail - 1 + r.capacity) % r.capacity
		newEmpty := newTail == head
		if r.state.CompareAndSwap(old, packRingState(head, newTail, newEmpty)) {
			return r.slots[newTail].Swap(nil), true
		}
	}
}

func (r *ringCore) peekHead() *Workload {
	rel := r.acquire(r.consumerGroup)
	defer rel()
	head, _, empty := unpackRingState(r.state.Load())
	if empty {
		return nil
	}
	return r.slots[head].Load()
}

func (r *ringCore) peekTail() *Workload {
	rel := r.acquire(r.consumerGroup)
	defer rel()
	_, tail, empty := unpackRingState(r.state.Load())
	if empty {
		return nil
	}
	idx := (tail - 1 + r.capacity) % r.capacity
	return r.slots[idx].Load()
}

// ConstrainedFIFO is a bounded, capacity-limited FIFO leaf qdisc.
// Enqueue never blocks or fails for capacity reasons: once full, the
// oldest workload is displaced to Canceled to make room. TryRemove is
// unsupported, as for the unbounded FIFO.
type ConstrainedFIFO struct {
	*ringCore
}

// NewConstrainedFIFO creates a ConstrainedFIFO addressed by handle,
// holding at most capacity workloads (capacity must be in [1,
// RingCapacityLimit]).
func NewConstrainedFIFO(handle Handle, capacity int, policy RingPolicy, sink corelog.Sink) (*ConstrainedFIFO, error) {
	core, err := newRingCore(handle, capacity, policy, sink)
	if err != nil {
		return nil, err
	}
	return &ConstrainedFIFO{ringCore: core}, nil
}

func (f *ConstrainedFIFO) Enqueue(w *Workload, _ any) error { return f.push(f, w) }

func (f *ConstrainedFIFO) TryDequeue(_ int, _ bool) (*Workload, bool) {
	w, ok := f.popHead()
	if !ok {
		return nil, false
	}
	return w, w.beginExecution()
}

func (f *ConstrainedFIFO) TryPeek(_ int) *Workload { return f.peekHead() }

func (f *ConstrainedFIFO) TryRemove(*Workload) bool { return false }

func (f *ConstrainedFIFO) OnWorkerTerminated(int) {}

// ConstrainedLIFO is a bounded, capacity-limited LIFO leaf qdisc: it
// shares ConstrainedFIFO's overwrite-oldest-on-full enqueue behavior,
// but dequeues the most recently enqueued workload instead of the
// oldest.
type ConstrainedLIFO struct {
	*ringCore
}

// NewConstrainedLIFO creates a ConstrainedLIFO addressed by handle,
// holding at most capacity workloads (capacity must be in [1,
// RingCapacityLimit]).
func NewConstrainedLIFO(handle Handle, capacity int, policy RingPolicy, sink corelog.Sink) (*ConstrainedLIFO, error) {
	core, err := newRingCore(handle, capacity, policy, sink)
	if err != nil {
		return nil, err
	}
	return &ConstrainedLIFO{ringCore: core}, nil
}

func (f *ConstrainedLIFO) Enqueue(w *Workload, _ any) error { return f.push(f, w) }

func (f *ConstrainedLIFO) TryDequeue(_ int, _ bool) (*Workload, bool) {
	w, ok := f.popTail()
	if !ok {
		return nil, false
	}
	return w, w.beginExecution()
}

func (f *ConstrainedLIFO) TryPeek(_ int) *Workload { return f.peekTail() }

func (f *ConstrainedLIFO) TryRemove(*Workload) bool { return false }

func (f *ConstrainedLIFO) OnWorkerTerminated(int) {}
