package qdisc

import (
	"container/list"
	"sync"
)

// FIFO is an unbounded, multi-producer/multi-consumer first-in-first-
// out leaf qdisc.
//
// TryRemove is unsupported and always returns false; backtrack is a
// no-op because FIFO keeps no cursor that could be biased by a
// repeated dequeue step.
type FIFO struct {
	base
	mu    sync.Mutex
	items *list.List
}

// NewFIFO creates a FIFO qdisc addressed by handle.
func NewFIFO(handle Handle) (*FIFO, error) {
	if err := validateHandle(handle); err != nil {
		return nil, err
	}
	return &FIFO{base: newBase(handle), items: list.New()}, nil
}

func (f *FIFO) IsEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items.Len() == 0
}

func (f *FIFO) BestEffortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items.Len()
}

func (f *FIFO) Enqueue(w *Workload, _ any) error {
	if err := f.checkEnqueueable(); err != nil {
		return err
	}
	if !w.TryBind(f) {
		return newSchedulingError("Enqueue", errDisposedWorkload)
	}
	f.mu.Lock()
	f.items.PushBack(w)
	f.mu.Unlock()
	f.notifyParent()
	return nil
}

func (f *FIFO) TryDequeue(_ int, _ bool) (*Workload, bool) {
	f.mu.Lock()
	e := f.items.Front()
	if e == nil {
		f.mu.Unlock()
		return nil, false
	}
	f.items.Remove(e)
	f.mu.Unlock()
	w := e.Value.(*Workload)
	return w, w.beginExecution()
}

func (f *FIFO) TryPeek(_ int) *Workload {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.items.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*Workload)
}

func (f *FIFO) TryRemove(*Workload) bool { return false }

func (f *FIFO) OnWorkerTerminated(int) {}
