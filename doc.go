// Package qdisc provides a hierarchical, QoS-aware scheduler for
// short-lived units of work ("workloads").
//
// # Overview
//
// qdisc composes a tree of queuing disciplines ("qdiscs"): classful
// (internal) nodes that classify and route, and classless (leaf) nodes
// that store workloads directly. A worker pool of bounded size, whose
// workers are started and retired on demand, cooperatively draws
// workloads from the root of the tree; enqueue and dequeue paths
// are concurrent and lock-free on the hot path wherever feasible.
//
// # Workload lifecycle
//
// A Workload moves through an explicit state machine:
//
//	Created    -> Scheduled
//	Scheduled  -> Running
//	Scheduled  -> CancellationRequested -> Canceled
//	Running    -> RanToCompletion
//	Running    -> Faulted
//	Running    -> Canceled
//
// Transitions are performed with compare-and-swap only; terminal states
// are sticky. Continuations registered on a Workload fire exactly once,
// in registration order, strictly after the terminal result or error is
// published.
//
// # Qdisc tree
//
// Every Qdisc exposes IsEmpty, BestEffortCount, TryDequeue, TryPeek,
// TryRemove and lifecycle hooks (Initialize/Complete/OnWorkerTerminated).
// Classful qdiscs additionally expose child management and handle-based
// routing (TryAddChild, TryFindRoute, ...). Concrete leaves are FIFO,
// LIFO, bounded ring buffers (Constrained FIFO/LIFO) and a fixed-band
// Priority-FIFO-Fast qdisc. Concrete classful disciplines are Fair
// (weighted fair queuing), EarliestDueDate and a transparent Metrics
// wrapper.
//
// # Concurrency model
//
// The core never owns OS threads. A worker.Factory requests work items
// to run on an ambient dispatcher. Workload status, the priority
// qdisc's 56-bit token bitmap and the ring buffers' packed head/tail
// word are updated with atomics. Queue storage sits behind short mutex
// sections: one mutex per FIFO or LIFO leaf, one per priority band,
// and a read/write mutex over the child lists of Fair and
// EarliestDueDate. The bounded ring buffers additionally keep
// producers and consumers apart with a bespoke two-group alpha/beta
// lock (see internal/ablock).
//
// # What this package does not do
//
// qdisc does not persist queue state across restarts, does not preempt
// executing workloads, does not provide real-time deadline guarantees,
// and does not perform distributed scheduling. It consumes a diagnostic
// log sink (see package log) and, optionally, a per-worker service
// provider; it has no opinion on how those are implemented.
package qdisc
