package qdisc_test

import (
	"context"
	"testing"

	"github.com/nodeq/qdisc"
)

func mustFairWithTwoFIFOChildren(t *testing.T) (*qdisc.Fair, *qdisc.FIFO, *qdisc.FIFO) {
	t.Helper()
	f, err := qdisc.NewFair(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Initialize(noopNotifier{}); err != nil {
		t.Fatal(err)
	}
	a, err := qdisc.NewFIFO(2)
	if err != nil {
		t.Fatal(err)
	}
	b, err := qdisc.NewFIFO(3)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.TryAddChild(a); err != nil {
		t.Fatal(err)
	}
	if err := f.TryAddChild(b); err != nil {
		t.Fatal(err)
	}
	return f, a, b
}

func TestFairEqualWeightsDrainsBothChildren(t *testing.T) {
	f, a, b := mustFairWithTwoFIFOChildren(t)

	for i := 0; i < 4; i++ {
		wa := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return nil, nil })
		if err := f.Enqueue(wa, a.Handle()); err != nil {
			t.Fatal(err)
		}
		wb := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return nil, nil })
		if err := f.Enqueue(wb, b.Handle()); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 8; i++ {
		w, execute := f.TryDequeue(0, false)
		if w == nil || !execute {
			t.Fatalf("expected a workload at step %d", i)
		}
		w.Run(context.Background())
	}
	// Eight dequeues over 4+4 enqueued workloads must drain both
	// children; the order between them is not checked here.
	if !a.IsEmpty() || !b.IsEmpty() {
		t.Fatal("expected both children drained after 8 dequeues of 4+4 enqueued workloads")
	}
}

func TestFairBacktrackFallsThroughWhenLastChildEmpty(t *testing.T) {
	f, a, b := mustFairWithTwoFIFOChildren(t)

	wa := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return "a", nil })
	if err := f.Enqueue(wa, a.Handle()); err != nil {
		t.Fatal(err)
	}

	// First dequeue selects a (the only non-empty child) for worker 0.
	got, execute := f.TryDequeue(0, false)
	if !execute || got != wa {
		t.Fatal("expected wa to dequeue first")
	}
	got.Run(context.Background())

	// a is now empty. Enqueue a second workload onto b, then simulate
	// a back-tracked retry for worker 0 (as if the first dequeued
	// workload had turned out stale): the child should fall through to
	// ordinary arbitration and find b, not spuriously re-dequeue from a
	// forever.
	wb := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return "b", nil })
	if err := f.Enqueue(wb, b.Handle()); err != nil {
		t.Fatal(err)
	}

	got, execute = f.TryDequeue(0, true)
	if !execute || got != wb {
		t.Fatalf("expected back-track to fall through to b once a is empty, got %v", got)
	}
}

func TestFairBacktrackSkipsCanceledWorkloadAndAdvancesCursorOnce(t *testing.T) {
	f, err := qdisc.NewFair(1, qdisc.WithPreferredFairness(qdisc.LongTerm))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Initialize(noopNotifier{}); err != nil {
		t.Fatal(err)
	}
	a, err := qdisc.NewFIFO(2)
	if err != nil {
		t.Fatal(err)
	}
	b, err := qdisc.NewFIFO(3)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.TryAddChild(a); err != nil {
		t.Fatal(err)
	}
	if err := f.TryAddChild(b); err != nil {
		t.Fatal(err)
	}

	// Same literal per child so every workload on a side shares a
	// virtual-time accounting key, keeping the LongTerm cursor math
	// below fully deterministic (every uncharged estimate falls back to
	// a fixed 1ms, see Fair.advanceCursor's zero-sample case).
	payloadA := func(ctx context.Context) (any, error) { return "a", nil }
	payloadB := func(ctx context.Context) (any, error) { return "b", nil }

	wa1 := qdisc.NewWorkload(payloadA)
	if err := f.Enqueue(wa1, a.Handle()); err != nil {
		t.Fatal(err)
	}
	wb1 := qdisc.NewWorkload(payloadB)
	if err := f.Enqueue(wb1, b.Handle()); err != nil {
		t.Fatal(err)
	}

	// Cancel wa1 before any worker dequeues it.
	wa1.RequestCancellation()

	// Worker 0 dequeues: child a yields wa1, but it is already canceled
	// so execute is false and the payload must not run.
	got, execute := f.TryDequeue(0, false)
	if got != wa1 || execute {
		t.Fatalf("expected wa1 to dequeue as canceled (execute=false), got %v execute=%v", got, execute)
	}
	if got.Status() != qdisc.Canceled {
		t.Fatalf("expected wa1 to be Canceled, got %v", got.Status())
	}

	// Backtrack: a is now empty, so arbitration must fall through and
	// yield wb1 from b. This is the one real step that should charge
	// b's cursor.
	got, execute = f.TryDequeue(0, true)
	if !execute || got != wb1 {
		t.Fatalf("expected back-track to fall through to wb1, got %v execute=%v", got, execute)
	}
	got.Run(context.Background())

	// Repeat the cancel-before-dequeue step once more on a alone (b
	// stays empty, untouched): if a's cursor were being charged on a
	// canceled dequeue, one such charge would only tie a with b's single
	// 1ms charge (and a tie still goes to a), but two put a at 2ms,
	// behind b, and the distinguishing dequeue below would go the other
	// way.
	wa2 := qdisc.NewWorkload(payloadA)
	if err := f.Enqueue(wa2, a.Handle()); err != nil {
		t.Fatal(err)
	}
	wa2.RequestCancellation()
	got, execute = f.TryDequeue(0, false)
	if got != wa2 || execute {
		t.Fatalf("expected wa2 to dequeue as canceled (execute=false), got %v execute=%v", got, execute)
	}

	// a has now been canceled-dequeued twice and never really executed;
	// b has executed once. a's cursor must still be at its original
	// floor, strictly ahead of b's, so a's child wins the next
	// selection.
	wa3 := qdisc.NewWorkload(payloadA)
	if err := f.Enqueue(wa3, a.Handle()); err != nil {
		t.Fatal(err)
	}
	wb2 := qdisc.NewWorkload(payloadB)
	if err := f.Enqueue(wb2, b.Handle()); err != nil {
		t.Fatal(err)
	}
	got, execute = f.TryDequeue(0, false)
	if !execute || got != wa3 {
		t.Fatalf("expected a's child to win (its cursor was never charged by the canceled dequeues), got %v", got)
	}
}

func TestFairRejectsDuplicateChildHandle(t *testing.T) {
	f, a, _ := mustFairWithTwoFIFOChildren(t)
	dup, err := qdisc.NewFIFO(a.Handle())
	if err != nil {
		t.Fatal(err)
	}
	if err := f.TryAddChild(dup); err == nil {
		t.Fatal("expected duplicate child handle to be rejected")
	}
}
