package qdisc

import (
	"container/list"
	"sync"
)

// LIFO is an unbounded, multi-producer/multi-consumer last-in-first-
// out leaf qdisc. Its contracts mirror FIFO exactly, except dequeue
// pops the most recently enqueued workload.
type LIFO struct {
	base
	mu    sync.Mutex
	items *list.List
}

// NewLIFO creates a LIFO qdisc addressed by handle.
func NewLIFO(handle Handle) (*LIFO, error) {
	if err := validateHandle(handle); err != nil {
		return nil, err
	}
	return &LIFO{base: newBase(handle), items: list.New()}, nil
}

func (f *LIFO) IsEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items.Len() == 0
}

func (f *LIFO) BestEffortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items.Len()
}

func (f *LIFO) Enqueue(w *Workload, _ any) error {
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

func (f *LIFO) TryDequeue(_ int, _ bool) (*Workload, bool) {
	f.mu.Lock()
	e := f.items.Back()
	if e == nil {
		f.mu.Unlock()
		return nil, false
	}
	f.items.Remove(e)
	f.mu.Unlock()
	w := e.Value.(*Workload)
	return w, w.beginExecution()
}

func (f *LIFO) TryPeek(_ int) *Workload {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.items.Back()
	if e == nil {
		return nil
	}
	return e.Value.(*Workload)
}

func (f *LIFO) TryRemove(*Workload) bool { return false }

func (f *LIFO) OnWorkerTerminated(int) {}
