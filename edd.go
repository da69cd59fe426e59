package qdisc

import (
	"sync"
	"time"
)

// EarliestDueDate is a classful qdisc that, on each dequeue, compares
// the head-of-line workload of every child (via TryPeek, without
// removing anything) and dequeues from the child whose head has the
// smallest due date, ties broken by arrival order. Children are
// otherwise opaque: any Qdisc can be a child. Workloads queued behind a
// child's head are not compared; the child's own discipline decides
// which of its workloads is at its head, so a FIFO child yields its
// workloads in arrival order whatever their due dates.
type EarliestDueDate struct {
	base

	mu       sync.RWMutex
	children []*eddChild
	byHandle map[Handle]*eddChild

	defaultDueDate time.Time
	hasDefault     bool
	classifier     Classifier

	seq uint64 // arrival-order tiebreaker generator
}

type eddChild struct {
	qdisc Qdisc
}

// EDDOption configures an EarliestDueDate qdisc at construction time.
type EDDOption func(*EarliestDueDate)

// WithDefaultDueDate sets the due date inherited by workloads enqueued
// without one. Without this option, an untagged workload keeps a nil
// due date, which ranks ahead of every dated workload — it always
// wins; callers that want untagged workloads to be
// lowest priority should supply a default far in the future instead.
func WithDefaultDueDate(due time.Time) EDDOption {
	return func(e *EarliestDueDate) { e.defaultDueDate, e.hasDefault = due, true }
}

// WithEDDClassifier attaches a Classifier consulted after an explicit
// Handle match on the classification state, the same seam Fair
// exposes via its own WithClassifier.
func WithEDDClassifier(c Classifier) EDDOption {
	return func(e *EarliestDueDate) { e.classifier = c }
}

// NewEarliestDueDate creates an EarliestDueDate qdisc addressed by
// handle.
func NewEarliestDueDate(handle Handle, opts ...EDDOption) (*EarliestDueDate, error) {
	if err := validateHandle(handle); err != nil {
		return nil, err
	}
	e := &EarliestDueDate{
		base:     newBase(handle),
		byHandle: make(map[Handle]*eddChild),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *EarliestDueDate) NotifyWorkScheduled() { e.notifyParent() }

func (e *EarliestDueDate) IsEmpty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range e.children {
		if !c.qdisc.IsEmpty() {
			return false
		}
	}
	return true
}

func (e *EarliestDueDate) BestEffortCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	total := 0
	for _, c := range e.children {
		total += c.qdisc.BestEffortCount()
	}
	return total
}

func (e *EarliestDueDate) resolveChild(state any) (*eddChild, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if h, ok := state.(Handle); ok && h != 0 {
		if c, exists := e.byHandle[h]; exists {
			return c, nil
		}
	}
	if e.classifier != nil {
		if h, ok := e.classifier(state); ok {
			if c, exists := e.byHandle[h]; exists {
				return c, nil
			}
		}
	}
	return nil, newSchedulingError("Enqueue", errRouteNotFound)
}

func (e *EarliestDueDate) Enqueue(w *Workload, state any) error {
	if err := e.checkEnqueueable(); err != nil {
		return err
	}
	c, err := e.resolveChild(state)
	if err != nil {
		return err
	}
	if w.DueDate() == nil && e.hasDefault {
		due := e.defaultDueDate
		w.dueDate = &due
	}
	w.arrivalSeq = e.nextSeq()
	return c.qdisc.Enqueue(w, state)
}

func (e *EarliestDueDate) nextSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return e.seq
}

func (e *EarliestDueDate) TryAddChild(child Qdisc) error {
	if err := validateHandle(child.Handle()); err != nil {
		return err
	}
	e.mu.Lock()
	if _, exists := e.byHandle[child.Handle()]; exists {
		e.mu.Unlock()
		return newSchedulingError("TryAddChild", errDuplicateHandle)
	}
	c := &eddChild{qdisc: child}
	e.children = append(e.children, c)
	e.byHandle[child.Handle()] = c
	e.mu.Unlock()
	return child.Initialize(e)
}

func (e *EarliestDueDate) TryRemoveChild(handle Handle) (Qdisc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, exists := e.byHandle[handle]
	if !exists {
		return nil, false
	}
	delete(e.byHandle, handle)
	for i, ec := range e.children {
		if ec == c {
			e.children = append(e.children[:i], e.children[i+1:]...)
			break
		}
	}
	c.qdisc.Complete()
	return c.qdisc, true
}

func (e *EarliestDueDate) TryFindChild(handle Handle) (Qdisc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, exists := e.byHandle[handle]
	if !exists {
		return nil, false
	}
	return c.qdisc, true
}

func (e *EarliestDueDate) TryFindRoute(handle Handle) (RoutingPath, error) {
	e.mu.RLock()
	children := append([]*eddChild(nil), e.children...)
	e.mu.RUnlock()

	for i, c := range children {
		if c.qdisc.Handle() == handle {
			return RoutingPath{{Qdisc: e, Handle: handle, ChildOffset: i}}, nil
		}
	}
	for i, c := range children {
		if cf, ok := c.qdisc.(ClassfulQdisc); ok {
			sub, err := cf.TryFindRoute(handle)
			if err == nil {
				node := RoutingNode{Qdisc: e, Handle: c.qdisc.Handle(), ChildOffset: i}
				return append(RoutingPath{node}, sub...), nil
			}
		}
	}
	return nil, newSchedulingError("TryFindRoute", errRouteNotFound)
}

// WillEnqueueFromRoutingPath stamps the workload's arrival sequence
// before it reaches a handle-routed leaf, so route-addressed enqueues
// still participate correctly in EDD's arrival-order tiebreak.
func (e *EarliestDueDate) WillEnqueueFromRoutingPath(node RoutingNode, w *Workload) error {
	if w.DueDate() == nil && e.hasDefault {
		due := e.defaultDueDate
		w.dueDate = &due
	}
	w.arrivalSeq = e.nextSeq()
	return nil
}

// selectChild peeks every non-empty child and returns the one whose
// head-of-line workload has the smallest due date, ties broken by
// arrival order.
func (e *EarliestDueDate) selectChild() (*eddChild, *Workload) {
	e.mu.RLock()
	children := append([]*eddChild(nil), e.children...)
	e.mu.RUnlock()

	var best *eddChild
	var bestW *Workload
	for _, c := range children {
		head := c.qdisc.TryPeek(-1)
		if head == nil {
			continue
		}
		if best == nil || lessUrgent(head, bestW) {
			best, bestW = c, head
		}
	}
	return best, bestW
}

func lessUrgent(a, b *Workload) bool {
	ad, bd := a.DueDate(), b.DueDate()
	switch {
	case ad == nil && bd == nil:
		return a.arrivalSeq < b.arrivalSeq
	case ad == nil:
		return true
	case bd == nil:
		return false
	case !ad.Equal(*bd):
		return ad.Before(*bd)
	default:
		return a.arrivalSeq < b.arrivalSeq
	}
}

func (e *EarliestDueDate) TryDequeue(workerID int, backtrack bool) (*Workload, bool) {
	for {
		c, head := e.selectChild()
		if c == nil {
			return nil, false
		}
		// head may differ from w if a concurrent dequeuer won the race
		// for the peeked workload; whatever c actually yields is still
		// a legitimate result for this call.
		_ = head
		w, execute := c.qdisc.TryDequeue(workerID, backtrack)
		if w == nil {
			continue
		}
		return w, execute
	}
}

func (e *EarliestDueDate) TryPeek(workerID int) *Workload {
	_, w := e.selectChild()
	return w
}

func (e *EarliestDueDate) TryRemove(w *Workload) bool {
	e.mu.RLock()
	children := append([]*eddChild(nil), e.children...)
	e.mu.RUnlock()
	for _, c := range children {
		if c.qdisc.TryRemove(w) {
			return true
		}
	}
	return false
}

func (e *EarliestDueDate) OnWorkerTerminated(workerID int) {
	e.mu.RLock()
	children := append([]*eddChild(nil), e.children...)
	e.mu.RUnlock()
	for _, c := range children {
		c.qdisc.OnWorkerTerminated(workerID)
	}
}
