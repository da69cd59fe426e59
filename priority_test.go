package qdisc_test

import (
	"context"
	"testing"

	"github.com/nodeq/qdisc"
)

func TestPriorityFIFOStrictBandOrdering(t *testing.T) {
	p, err := qdisc.NewPriorityFIFO(1, 3, qdisc.WithBandSelector(func(state any) (int, bool) {
		band, ok := state.(int)
		return band, ok
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Initialize(noopNotifier{}); err != nil {
		t.Fatal(err)
	}

	// Interleave enqueues across bands, then drain sequentially: every
	// band-0 workload must come out before any band-1 workload, and
	// every band-1 before any band-2, with FIFO order inside a band.
	bands := []int{2, 0, 2, 1, 0}
	workloads := make([]*qdisc.Workload, len(bands))
	for i, band := range bands {
		workloads[i] = qdisc.NewWorkload(func(ctx context.Context) (any, error) { return nil, nil })
		if err := p.Enqueue(workloads[i], band); err != nil {
			t.Fatal(err)
		}
	}

	wantOrder := []*qdisc.Workload{workloads[1], workloads[4], workloads[3], workloads[0], workloads[2]}
	for i, want := range wantOrder {
		got, execute := p.TryDequeue(0, false)
		if !execute || got != want {
			t.Fatalf("strict band order violated at dequeue %d", i)
		}
	}
	if _, execute := p.TryDequeue(0, false); execute {
		t.Fatal("expected drained qdisc to yield nothing")
	}
}

func TestPriorityFIFODefaultBandIsLowest(t *testing.T) {
	p, err := qdisc.NewPriorityFIFO(1, 2, qdisc.WithBandSelector(func(state any) (int, bool) {
		band, ok := state.(int)
		return band, ok
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Initialize(noopNotifier{}); err != nil {
		t.Fatal(err)
	}

	untagged := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return nil, nil })
	tagged := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return nil, nil })

	if err := p.Enqueue(untagged, nil); err != nil {
		t.Fatal(err)
	}
	if err := p.Enqueue(tagged, 0); err != nil {
		t.Fatal(err)
	}

	got, execute := p.TryDequeue(0, false)
	if !execute || got != tagged {
		t.Fatal("expected explicitly-banded workload to dequeue before untagged default-band workload")
	}
}

func TestPriorityFIFORejectsTooFewBands(t *testing.T) {
	if _, err := qdisc.NewPriorityFIFO(1, 1); err == nil {
		t.Fatal("expected bandCount < 2 to be rejected")
	}
}

func TestPriorityFIFOLockingMatchesOrdering(t *testing.T) {
	p, err := qdisc.NewPriorityFIFOLocking(1, 2, qdisc.WithBandSelector(func(state any) (int, bool) {
		band, ok := state.(int)
		return band, ok
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Initialize(noopNotifier{}); err != nil {
		t.Fatal(err)
	}
	low := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return nil, nil })
	high := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return nil, nil })
	if err := p.Enqueue(low, 1); err != nil {
		t.Fatal(err)
	}
	if err := p.Enqueue(high, 0); err != nil {
		t.Fatal(err)
	}
	got, execute := p.TryDequeue(0, false)
	if !execute || got != high {
		t.Fatal("expected high band to dequeue first")
	}
}
