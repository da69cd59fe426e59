package qdisc_test

import (
	"context"
	"testing"

	"github.com/nodeq/qdisc"
)

func TestLIFOOrdering(t *testing.T) {
	l, err := qdisc.NewLIFO(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Initialize(noopNotifier{}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		i := i
		w := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return i, nil })
		if err := l.Enqueue(w, nil); err != nil {
			t.Fatal(err)
		}
	}

	expect := []int{2, 1, 0}
	for _, want := range expect {
		w, execute := l.TryDequeue(0, false)
		if w == nil || !execute {
			t.Fatal("expected a workload")
		}
		w.Run(context.Background())
		if got := w.Result().(int); got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
}
