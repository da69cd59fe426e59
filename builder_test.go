package qdisc_test

import (
	"context"
	"testing"

	"github.com/nodeq/qdisc"
)

func TestBuilderComposesClassfulTree(t *testing.T) {
	tree := qdisc.Classful(func() (qdisc.ClassfulQdisc, error) {
		return qdisc.NewFair(1)
	}).
		AddChild(qdisc.Leaf(func() (qdisc.Qdisc, error) { return qdisc.NewFIFO(2) })).
		AddChild(qdisc.Leaf(func() (qdisc.Qdisc, error) { return qdisc.NewLIFO(3) }))

	root, err := tree.Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := root.Initialize(noopNotifier{}); err != nil {
		t.Fatal(err)
	}

	cf, ok := root.(qdisc.ClassfulQdisc)
	if !ok {
		t.Fatal("expected built root to be classful")
	}
	if _, ok := cf.TryFindChild(2); !ok {
		t.Fatal("expected child handle 2 to be wired")
	}
	if _, ok := cf.TryFindChild(3); !ok {
		t.Fatal("expected child handle 3 to be wired")
	}

	w := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return nil, nil })
	if err := root.Enqueue(w, qdisc.Handle(2)); err != nil {
		t.Fatal(err)
	}
	if root.IsEmpty() {
		t.Fatal("expected root to report non-empty after routed enqueue")
	}
}

func TestDefaultRootIsFIFOAtDefaultHandle(t *testing.T) {
	root, err := qdisc.NewDefaultRoot()
	if err != nil {
		t.Fatal(err)
	}
	if root.Handle() != qdisc.DefaultRootHandle {
		t.Fatalf("expected handle %d, got %d", qdisc.DefaultRootHandle, root.Handle())
	}
	if _, ok := root.(*qdisc.FIFO); !ok {
		t.Fatalf("expected NewDefaultRoot to produce a *FIFO, got %T", root)
	}
}

func TestBuilderPropagatesChildConstructionError(t *testing.T) {
	tree := qdisc.Classful(func() (qdisc.ClassfulQdisc, error) {
		return qdisc.NewFair(1)
	}).
		AddChild(qdisc.Leaf(func() (qdisc.Qdisc, error) { return qdisc.NewFIFO(0) }))

	if _, err := tree.Build(); err == nil {
		t.Fatal("expected a zero-handle child to fail construction")
	}
}
