package qdisc_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nodeq/qdisc"
	corelog "github.com/nodeq/qdisc/log"
)

// capturingSink is a log.Sink fake that records every call for test
// assertions.
type capturingSink struct {
	mu      sync.Mutex
	records []capturedRecord
}

type capturedRecord struct {
	kind    corelog.EventKind
	message string
	attrs   []any
}

func (s *capturingSink) Record(kind corelog.EventKind, message string, attrs ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, capturedRecord{kind: kind, message: message, attrs: attrs})
}

func (s *capturingSink) find(kind corelog.EventKind) (capturedRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.kind == kind {
			return r, true
		}
	}
	return capturedRecord{}, false
}

func TestConstrainedFIFOOverflowDisplacesOldest(t *testing.T) {
	sink := &capturingSink{}
	r, err := qdisc.NewConstrainedFIFO(1, 2, qdisc.MinimizeSchedulingDelay, sink)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Initialize(noopNotifier{}); err != nil {
		t.Fatal(err)
	}

	var workloads []*qdisc.Workload
	for i := 0; i < 3; i++ {
		w := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return nil, nil })
		workloads = append(workloads, w)
		if err := r.Enqueue(w, nil); err != nil {
			t.Fatal(err)
		}
	}

	// Oldest (workloads[0]) was displaced to make room for the third.
	if workloads[0].Status() != qdisc.Canceled {
		t.Fatalf("expected displaced workload to be Canceled, got %v", workloads[0].Status())
	}
	if !errors.Is(workloads[0].Err(), qdisc.ErrOverflowDisplaced) {
		t.Fatalf("expected ErrOverflowDisplaced, got %v", workloads[0].Err())
	}

	if r.BestEffortCount() != 2 {
		t.Fatalf("expected count 2 after overflow, got %d", r.BestEffortCount())
	}

	got, execute := r.TryDequeue(0, false)
	if !execute || got != workloads[1] {
		t.Fatal("expected oldest surviving workload to dequeue first")
	}

	rec, ok := sink.find(corelog.Warning)
	if !ok {
		t.Fatal("expected a Warning to be recorded for the overflow displacement")
	}
	var sawWorkloadID bool
	for i := 0; i+1 < len(rec.attrs); i += 2 {
		if rec.attrs[i] == "workload" && rec.attrs[i+1] == workloads[0].ID {
			sawWorkloadID = true
		}
	}
	if !sawWorkloadID {
		t.Fatalf("expected the displaced workload's ID in the recorded attrs, got %v", rec.attrs)
	}
}

func TestConstrainedLIFODequeuesNewest(t *testing.T) {
	r, err := qdisc.NewConstrainedLIFO(1, 4, qdisc.MinimizeWorkloadCancellation, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Initialize(noopNotifier{}); err != nil {
		t.Fatal(err)
	}

	var last *qdisc.Workload
	for i := 0; i < 3; i++ {
		w := qdisc.NewWorkload(func(ctx context.Context) (any, error) { return nil, nil })
		last = w
		if err := r.Enqueue(w, nil); err != nil {
			t.Fatal(err)
		}
	}

	got, execute := r.TryDequeue(0, false)
	if !execute || got != last {
		t.Fatal("expected most recently enqueued workload to dequeue first")
	}
}

func TestRingCapacityBoundaries(t *testing.T) {
	if _, err := qdisc.NewConstrainedFIFO(1, 0, qdisc.MinimizeSchedulingDelay, nil); err == nil {
		t.Fatal("expected capacity 0 to be rejected")
	}
	if _, err := qdisc.NewConstrainedFIFO(1, qdisc.RingCapacityLimit+1, qdisc.MinimizeSchedulingDelay, nil); err == nil {
		t.Fatal("expected capacity above RingCapacityLimit to be rejected")
	}
	if _, err := qdisc.NewConstrainedFIFO(1, qdisc.RingCapacityLimit, qdisc.MinimizeSchedulingDelay, nil); err != nil {
		t.Fatalf("expected capacity at RingCapacityLimit to be accepted, got %v", err)
	}
	if _, err := qdisc.NewConstrainedFIFO(1, 1, qdisc.MinimizeSchedulingDelay, nil); err != nil {
		t.Fatalf("expected capacity 1 to be accepted, got %v", err)
	}
}
