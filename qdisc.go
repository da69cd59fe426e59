package qdisc

import "sync/atomic"

// Handle addresses a qdisc within a tree. The zero value is reserved
// and must never be used by a caller; constructors and builders reject
// it with a *SchedulingError.
type Handle uint64

// ParentNotifier is the narrow upward interface a qdisc holds onto its
// parent. A leaf's successful enqueue calls NotifyWorkScheduled on its
// parent; classful qdiscs forward the call to their own parent, so the
// notification bubbles all the way to the root, which wakes the worker
// pool.
type ParentNotifier interface {
	NotifyWorkScheduled()
}

// Qdisc is the operation set common to every node in the scheduling
// tree. Classful nodes additionally implement ClassfulQdisc.
type Qdisc interface {
	// Handle returns this qdisc's address within its tree.
	Handle() Handle

	// IsEmpty reports whether the subtree rooted here currently holds
	// no workloads. A true result is a strong guarantee in the
	// absence of concurrent enqueues; a false negative is permitted
	// only when a concurrent producer has already committed an
	// enqueue but not yet signaled the parent.
	IsEmpty() bool

	// BestEffortCount returns a non-negative, possibly stale
	// over-approximation of the number of workloads held in the
	// subtree. It returns 0 if and only if the subtree is truly
	// empty.
	BestEffortCount() int

	// Enqueue attempts to bind w into this subtree. state is an
	// opaque classification value consulted by classful qdiscs along
	// the path; classless leaves ignore it. Enqueue fails with a
	// *SchedulingError if this qdisc has not been initialized or has
	// been completed.
	Enqueue(w *Workload, state any) error

	// TryDequeue asks for the next workload to run, from the
	// perspective of worker workerID. backtrack indicates the
	// previous TryDequeue call (same workerID) returned a workload
	// that was never executed (stale/canceled/removed); the qdisc
	// must not let its internal cursor advance a second time for the
	// repeated step. The second return value is false when the
	// returned workload was observed canceled during the dequeue
	// transition itself — in that case the workload's continuations
	// have already fired and the caller should immediately retry with
	// backtrack=true instead of executing it.
	TryDequeue(workerID int, backtrack bool) (*Workload, bool)

	// TryPeek returns the workload that would currently be dequeued
	// for workerID, without removing it. The returned value may be
	// stale by the time the caller observes it.
	TryPeek(workerID int) *Workload

	// TryRemove attempts to remove w from the subtree before it is
	// dequeued. It is best-effort; implementations that cannot
	// support removal (FIFO, LIFO) always return false.
	TryRemove(w *Workload) bool

	// OnWorkerTerminated prunes any per-worker cursor state held for
	// workerID.
	OnWorkerTerminated(workerID int)

	// Initialize sets this qdisc's parent notifier. It may be called
	// at most once; subsequent calls return a *LifecycleError.
	Initialize(parent ParentNotifier) error

	// Complete detaches this qdisc from its parent. After Complete,
	// Enqueue always fails with a *SchedulingError.
	Complete()
}

// ClassfulQdisc is a Qdisc with children and a classifier mapping
// producer-supplied classification state to a child.
type ClassfulQdisc interface {
	Qdisc

	// TryAddChild adds child to this node. It fails with a
	// *SchedulingError if child's handle duplicates an existing
	// child's handle, or if child's handle is the zero value.
	TryAddChild(child Qdisc) error

	// TryRemoveChild removes and returns the child addressed by
	// handle, if present.
	TryRemoveChild(handle Handle) (Qdisc, bool)

	// TryFindChild returns the child addressed by handle, if present.
	TryFindChild(handle Handle) (Qdisc, bool)

	// TryFindRoute constructs the RoutingPath from this node down to
	// the leaf addressed by handle. It only builds the path; the
	// caller gives each classful qdisc on it a chance to pre-update
	// routing-dependent state via WillEnqueueFromRoutingPath, as
	// worker.Factory.ScheduleTo does.
	TryFindRoute(handle Handle) (RoutingPath, error)

	// WillEnqueueFromRoutingPath notifies this node that a workload
	// is about to be routed to node's child along path, before it
	// arrives at the leaf.
	WillEnqueueFromRoutingPath(node RoutingNode, w *Workload) error
}

const (
	nodeUninitialized int32 = iota
	nodeInitialized
	nodeCompleted
)

// parentSlot holds the current ParentNotifier behind an atomic
// pointer; wrapping it in a struct keeps atomic.Pointer's "same
// concrete type on every Store" rule satisfied regardless of which
// concrete ParentNotifier implementation is stored.
type parentSlot struct {
	notifier ParentNotifier
}

// base is embedded by every concrete qdisc. Its zero value already
// represents the uninitialized-sentinel state: no explicit sentinel
// object is needed because Enqueue consults the state flag directly
// and rejects the call with a *SchedulingError before ever touching a
// real parent, so the sentinel behavior stays pure and state-free.
type base struct {
	handle Handle
	state  atomic.Int32
	parent atomic.Pointer[parentSlot]
}

func (b *base) Handle() Handle { return b.handle }

func (b *base) Initialize(parent ParentNotifier) error {
	if !b.state.CompareAndSwap(nodeUninitialized, nodeInitialized) {
		return newLifecycleError("Initialize", errAlreadyInitialized)
	}
	b.parent.Store(&parentSlot{notifier: parent})
	return nil
}

func (b *base) Complete() {
	b.state.Store(nodeCompleted)
}

func (b *base) checkEnqueueable() error {
	switch b.state.Load() {
	case nodeUninitialized:
		return newSchedulingError("Enqueue", errNotInitialized)
	case nodeCompleted:
		return newSchedulingError("Enqueue", errAlreadyCompleted)
	default:
		return nil
	}
}

func (b *base) notifyParent() {
	slot := b.parent.Load()
	if slot != nil && slot.notifier != nil {
		slot.notifier.NotifyWorkScheduled()
	}
}

func newBase(handle Handle) base {
	return base{handle: handle}
}

// validateHandle rejects the reserved zero handle value.
func validateHandle(h Handle) error {
	if h == 0 {
		return newSchedulingError("validateHandle", errZeroHandle)
	}
	return nil
}
