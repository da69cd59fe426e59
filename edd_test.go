package qdisc_test

import (
	"context"
	"testing"
	"time"

	"github.com/nodeq/qdisc"
)

func mustEDDWithFIFOChild(t *testing.T, childHandle qdisc.Handle) (*qdisc.EarliestDueDate, *qdisc.FIFO) {
	t.Helper()
	e, err := qdisc.NewEarliestDueDate(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Initialize(noopNotifier{}); err != nil {
		t.Fatal(err)
	}
	child, err := qdisc.NewFIFO(childHandle)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.TryAddChild(child); err != nil {
		t.Fatal(err)
	}
	return e, child
}

func TestEarliestDueDateOrdering(t *testing.T) {
	e, child := mustEDDWithFIFOChild(t, 10)

	now := time.Now()
	late := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return "late", nil },
		qdisc.WithDueDate(now.Add(time.Hour)))
	early := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return "early", nil },
		qdisc.WithDueDate(now))

	if err := e.Enqueue(late, child.Handle()); err != nil {
		t.Fatal(err)
	}
	if err := e.Enqueue(early, child.Handle()); err != nil {
		t.Fatal(err)
	}

	got, execute := e.TryDequeue(0, false)
	if !execute || got != early {
		t.Fatal("expected earlier due date to dequeue first")
	}
	got, execute = e.TryDequeue(0, false)
	if !execute || got != late {
		t.Fatal("expected later due date to dequeue second")
	}
}

func TestEarliestDueDateArrivalTiebreak(t *testing.T) {
	e, child := mustEDDWithFIFOChild(t, 10)

	first := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return "first", nil })
	second := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return "second", nil })

	if err := e.Enqueue(first, child.Handle()); err != nil {
		t.Fatal(err)
	}
	if err := e.Enqueue(second, child.Handle()); err != nil {
		t.Fatal(err)
	}

	got, execute := e.TryDequeue(0, false)
	if !execute || got != first {
		t.Fatal("expected arrival order to break the tie between equal (absent) due dates")
	}
}

func TestEarliestDueDateEnqueueUnknownHandleFails(t *testing.T) {
	e, _ := mustEDDWithFIFOChild(t, 10)
	w := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return nil, nil })
	if err := e.Enqueue(w, qdisc.Handle(999)); err == nil {
		t.Fatal("expected enqueue to an unknown child handle to fail")
	}
}

func TestEarliestDueDateClassifierResolvesChild(t *testing.T) {
	e, err := qdisc.NewEarliestDueDate(1, qdisc.WithEDDClassifier(func(state any) (qdisc.Handle, bool) {
		if kind, ok := state.(string); ok && kind == "urgent" {
			return 10, true
		}
		return 0, false
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Initialize(noopNotifier{}); err != nil {
		t.Fatal(err)
	}
	child, err := qdisc.NewFIFO(10)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.TryAddChild(child); err != nil {
		t.Fatal(err)
	}

	w := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return nil, nil })
	if err := e.Enqueue(w, "urgent"); err != nil {
		t.Fatalf("expected classifier to route the enqueue, got %v", err)
	}
	if child.IsEmpty() {
		t.Fatal("expected the classified child to receive the workload")
	}

	// A classification state the Classifier doesn't recognize still
	// fails: the Classifier only supplements the explicit Handle match,
	// it is not a catch-all route.
	other := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return nil, nil })
	if err := e.Enqueue(other, "unknown"); err == nil {
		t.Fatal("expected enqueue with an unrecognized classification state to fail")
	}
}
