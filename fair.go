package qdisc

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodeq/qdisc/internal/vtime"
)

// FairnessMode selects how Fair derives a child's virtual-time cursor.
type FairnessMode uint8

const (
	// ShortTerm bases a child's cursor on the instant it was last
	// dequeued: selection favors whichever non-empty child has gone
	// longest without being served. Weight is not consulted in this
	// mode — recency, not accumulated cost, is the fairness unit.
	ShortTerm FairnessMode = iota
	// LongTerm accumulates `estimate(execution_time_model) / weight`
	// at every dequeue, the classic WFQ virtual-finish-time formula.
	LongTerm
)

// TimeModel selects which moment of a vtime.Estimate drives a
// decision: the optimistic, mean, or pessimistic observed duration.
type TimeModel uint8

const (
	Average TimeModel = iota
	BestCase
	WorstCase
)

func modelValue(e vtime.Estimate, model TimeModel) time.Duration {
	switch model {
	case BestCase:
		return e.BestCase
	case WorstCase:
		return e.WorstCase
	default:
		return e.Average
	}
}

type fairChild struct {
	qdisc  Qdisc
	weight float64
	vtime  atomicFloat
}

// atomicFloat is a CAS-updatable float64 cursor, stored as the bits of
// an atomic.Uint64.
type atomicFloat struct{ bits atomic.Uint64 }

func (a *atomicFloat) load() float64 {
	return math.Float64frombits(a.bits.Load())
}

func (a *atomicFloat) store(v float64) {
	a.bits.Store(math.Float64bits(v))
}

func (a *atomicFloat) add(delta float64) {
	for {
		old := a.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if a.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Classifier resolves a Fair child by Handle from a producer's
// classification state. It returns ok=false to defer to an explicit
// Handle match on state itself.
type Classifier func(state any) (Handle, bool)

// FairOption configures a Fair qdisc at construction time.
type FairOption func(*Fair)

// WithPreferredFairness selects ShortTerm (default) or LongTerm cursor
// accounting.
func WithPreferredFairness(mode FairnessMode) FairOption {
	return func(f *Fair) { f.fairness = mode }
}

// WithTimeModels selects the vtime.Estimate moments used respectively
// to floor a newly-eligible child's cursor against its siblings
// (scheduler) and to charge a served child's cursor after dequeue
// (execution). Both default to Average.
func WithTimeModels(scheduler, execution TimeModel) FairOption {
	return func(f *Fair) { f.schedulerModel, f.executionModel = scheduler, execution }
}

// WithMeasurementSampleLimit caps the rolling-statistics weighting
// window per payload; -1 (the default) means sample forever, subject
// to the table's own distinct-payload retention bound.
func WithMeasurementSampleLimit(limit int64) FairOption {
	return func(f *Fair) { f.sampleLimit = limit }
}

// WithPreciseMeasurements selects vtime.Precise (nanosecond clock)
// instead of the default vtime.Fast coarse tick clock.
func WithPreciseMeasurements(precise bool) FairOption {
	return func(f *Fair) { f.precise = precise }
}

// WithExpectedDistinctPayloads sizes the virtual-time table's initial
// capacity hint and distinct-payload retention bound. Defaults to 32.
func WithExpectedDistinctPayloads(n int) FairOption {
	return func(f *Fair) { f.expectedDistinct = n }
}

// WithClassifier attaches a Classifier consulted after an explicit
// Handle match on the classification state.
func WithClassifier(c Classifier) FairOption {
	return func(f *Fair) { f.classifier = c }
}

// Fair is a WFQ-like classful qdisc. Each child is weighted and keeps
// a virtual-time cursor; dequeue selects the non-empty child with the
// smallest cursor. Fair maintains its own vtime.Table, fed by a
// measurement continuation it attaches to every workload it dequeues,
// so LongTerm accounting improves from observed executions without
// requiring a separate Metrics wrapper.
type Fair struct {
	base

	mu         sync.RWMutex
	children   []*fairChild
	byHandle   map[Handle]*fairChild
	classifier Classifier

	fairness       FairnessMode
	schedulerModel TimeModel
	executionModel TimeModel

	sampleLimit      int64
	precise          bool
	expectedDistinct int

	table *vtime.Table

	lastMu sync.Mutex
	last   map[int]*fairChild
}

// NewFair creates a Fair qdisc addressed by handle with the builder
// defaults (ShortTerm fairness, Average time models, 32 distinct
// payloads, no sample cap) overridden by opts.
func NewFair(handle Handle, opts ...FairOption) (*Fair, error) {
	if err := validateHandle(handle); err != nil {
		return nil, err
	}
	f := &Fair{
		base:             newBase(handle),
		byHandle:         make(map[Handle]*fairChild),
		fairness:         ShortTerm,
		schedulerModel:   Average,
		executionModel:   Average,
		sampleLimit:      -1,
		expectedDistinct: 32,
		last:             make(map[int]*fairChild),
	}
	for _, opt := range opts {
		opt(f)
	}
	clock := vtime.Fast
	if f.precise {
		clock = vtime.Precise
	}
	f.table = vtime.New(clock, f.expectedDistinct, f.sampleLimit)
	return f, nil
}

func (f *Fair) NotifyWorkScheduled() { f.notifyParent() }

// Complete detaches this qdisc and stops its virtual-time table's
// fast-clock refresh loop.
func (f *Fair) Complete() {
	f.base.Complete()
	f.table.Close()
}

func (f *Fair) IsEmpty() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, fc := range f.children {
		if !fc.qdisc.IsEmpty() {
			return false
		}
	}
	return true
}

func (f *Fair) BestEffortCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	total := 0
	for _, fc := range f.children {
		total += fc.qdisc.BestEffortCount()
	}
	return total
}

func (f *Fair) resolveChild(state any) (*fairChild, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if h, ok := state.(Handle); ok && h != 0 {
		if fc, exists := f.byHandle[h]; exists {
			return fc, nil
		}
	}
	if f.classifier != nil {
		if h, ok := f.classifier(state); ok {
			if fc, exists := f.byHandle[h]; exists {
				return fc, nil
			}
		}
	}
	return nil, newSchedulingError("Enqueue", errRouteNotFound)
}

func (f *Fair) Enqueue(w *Workload, state any) error {
	if err := f.checkEnqueueable(); err != nil {
		return err
	}
	fc, err := f.resolveChild(state)
	if err != nil {
		return err
	}
	wasEmpty := fc.qdisc.IsEmpty()
	if err := fc.qdisc.Enqueue(w, state); err != nil {
		return err
	}
	if wasEmpty {
		f.floorChild(fc, w)
	}
	return nil
}

// floorChild raises a child's cursor to the current sibling floor
// (plus a small scheduler_time_model-derived buffer) the first time it
// goes from empty back to non-empty, so a child that has been idle a
// long time cannot win every subsequent selection until it "catches
// up" to siblings that kept accumulating cost while it had no work.
func (f *Fair) floorChild(fc *fairChild, w *Workload) {
	f.mu.RLock()
	floor, found := 0.0, false
	for _, c := range f.children {
		if c == fc || c.qdisc.IsEmpty() {
			continue
		}
		if v := c.vtime.load(); !found || v < floor {
			floor, found = v, true
		}
	}
	f.mu.RUnlock()
	if !found || fc.vtime.load() >= floor {
		return
	}
	est := f.table.Estimate(w.PayloadKey())
	bump := float64(modelValue(est, f.schedulerModel))
	fc.vtime.store(floor + bump)
}

// currentFloorLocked returns the smallest cursor among non-empty
// children, or 0 if none are non-empty — the starting cursor addChild
// gives a newly added child, so it cannot out-compete siblings that have been waiting by virtue of
// starting at a lower cursor value than everyone else.
func (f *Fair) currentFloorLocked() float64 {
	floor := 0.0
	found := false
	for _, fc := range f.children {
		if fc.qdisc.IsEmpty() {
			continue
		}
		v := fc.vtime.load()
		if !found || v < floor {
			floor, found = v, true
		}
	}
	return floor
}

func (f *Fair) TryAddChild(child Qdisc) error {
	return f.addChild(child, 1.0)
}

// AddWeightedChild adds child with an explicit weight (must be > 0);
// TryAddChild is equivalent to AddWeightedChild(child, 1.0).
func (f *Fair) AddWeightedChild(child Qdisc, weight float64) error {
	if weight <= 0 {
		return newSchedulingError("AddWeightedChild", errBandOutOfRange)
	}
	return f.addChild(child, weight)
}

func (f *Fair) addChild(child Qdisc, weight float64) error {
	if err := validateHandle(child.Handle()); err != nil {
		return err
	}
	f.mu.Lock()
	if _, exists := f.byHandle[child.Handle()]; exists {
		f.mu.Unlock()
		return newSchedulingError("TryAddChild", errDuplicateHandle)
	}
	fc := &fairChild{qdisc: child, weight: weight}
	fc.vtime.store(f.currentFloorLocked())
	f.children = append(f.children, fc)
	f.byHandle[child.Handle()] = fc
	f.mu.Unlock()
	return child.Initialize(f)
}

func (f *Fair) TryRemoveChild(handle Handle) (Qdisc, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc, exists := f.byHandle[handle]
	if !exists {
		return nil, false
	}
	delete(f.byHandle, handle)
	for i, c := range f.children {
		if c == fc {
			f.children = append(f.children[:i], f.children[i+1:]...)
			break
		}
	}
	fc.qdisc.Complete()
	return fc.qdisc, true
}

func (f *Fair) TryFindChild(handle Handle) (Qdisc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fc, exists := f.byHandle[handle]
	if !exists {
		return nil, false
	}
	return fc.qdisc, true
}

func (f *Fair) TryFindRoute(handle Handle) (RoutingPath, error) {
	f.mu.RLock()
	children := append([]*fairChild(nil), f.children...)
	f.mu.RUnlock()

	for i, fc := range children {
		if fc.qdisc.Handle() == handle {
			return RoutingPath{{Qdisc: f, Handle: handle, ChildOffset: i}}, nil
		}
	}
	for i, fc := range children {
		if cf, ok := fc.qdisc.(ClassfulQdisc); ok {
			sub, err := cf.TryFindRoute(handle)
			if err == nil {
				node := RoutingNode{Qdisc: f, Handle: fc.qdisc.Handle(), ChildOffset: i}
				return append(RoutingPath{node}, sub...), nil
			}
		}
	}
	return nil, newSchedulingError("TryFindRoute", errRouteNotFound)
}

// WillEnqueueFromRoutingPath is a no-op for Fair: its cursor floor is
// applied in Enqueue, when a child goes from empty to non-empty, so
// there is no routing-dependent state to pre-update here.
func (f *Fair) WillEnqueueFromRoutingPath(RoutingNode, *Workload) error { return nil }

func (f *Fair) selectChild() *fairChild {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var best *fairChild
	var bestV float64
	for _, fc := range f.children {
		if fc.qdisc.IsEmpty() {
			continue
		}
		v := fc.vtime.load()
		if best == nil || v < bestV {
			best, bestV = fc, v
		}
	}
	return best
}

// setLast and clearLast track, per worker id, which child this worker
// was last routed to. A backtracked call replays that same child
// first instead of re-entering global arbitration, so the child's own
// cursor is not corrupted by a step that never actually executed
// anything; per-worker cursors must survive a back-track without
// corrupting another worker's view.
func (f *Fair) setLast(workerID int, fc *fairChild) {
	f.lastMu.Lock()
	f.last[workerID] = fc
	f.lastMu.Unlock()
}

func (f *Fair) getLast(workerID int) *fairChild {
	f.lastMu.Lock()
	defer f.lastMu.Unlock()
	return f.last[workerID]
}

func (f *Fair) TryDequeue(workerID int, backtrack bool) (*Workload, bool) {
	if backtrack {
		if fc := f.getLast(workerID); fc != nil {
			if w, execute := fc.qdisc.TryDequeue(workerID, true); w != nil {
				// The same child still had more to give. The prior,
				// non-executed step did not charge fc, so this step
				// is the one that does.
				if execute {
					f.advanceCursor(fc, w)
					f.attachMeasurement(w)
				}
				return w, execute
			}
			// fc turned out empty: fall through to ordinary
			// arbitration among the remaining children below.
		}
	}
	for {
		fc := f.selectChild()
		if fc == nil {
			f.setLast(workerID, nil)
			return nil, false
		}
		w, execute := fc.qdisc.TryDequeue(workerID, false)
		if w == nil {
			// Raced a concurrent drain of fc between selection and
			// dequeue; reselect among the current snapshot.
			continue
		}
		f.setLast(workerID, fc)
		if execute {
			// A stale/already-canceled dequeue (execute == false) never
			// actually ran anything on fc: charging its cursor here
			// would advance it twice for the one real step a caller's
			// backtracked re-dequeue eventually collects.
			f.advanceCursor(fc, w)
			f.attachMeasurement(w)
		}
		return w, execute
	}
}

func (f *Fair) advanceCursor(fc *fairChild, w *Workload) {
	switch f.fairness {
	case ShortTerm:
		fc.vtime.store(float64(f.table.Now()))
	default: // LongTerm
		est := f.table.Estimate(w.PayloadKey())
		cost := float64(modelValue(est, f.executionModel))
		if est.SampleCount == 0 {
			cost = float64(time.Millisecond)
		}
		fc.vtime.add(cost / fc.weight)
	}
}

func (f *Fair) attachMeasurement(w *Workload) {
	start := f.table.Now()
	table := f.table
	w.AddContinuation(ContinuationFunc(func(_ context.Context, w *Workload) {
		table.Record(w.PayloadKey(), float64(table.Now()-start))
	}))
}

func (f *Fair) TryPeek(workerID int) *Workload {
	fc := f.selectChild()
	if fc == nil {
		return nil
	}
	return fc.qdisc.TryPeek(workerID)
}

func (f *Fair) TryRemove(w *Workload) bool {
	f.mu.RLock()
	children := append([]*fairChild(nil), f.children...)
	f.mu.RUnlock()
	for _, fc := range children {
		if fc.qdisc.TryRemove(w) {
			return true
		}
	}
	return false
}

func (f *Fair) OnWorkerTerminated(workerID int) {
	f.lastMu.Lock()
	delete(f.last, workerID)
	f.lastMu.Unlock()
	f.mu.RLock()
	children := append([]*fairChild(nil), f.children...)
	f.mu.RUnlock()
	for _, fc := range children {
		fc.qdisc.OnWorkerTerminated(workerID)
	}
}
