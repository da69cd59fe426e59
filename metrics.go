package qdisc

import (
	"context"
	"sync"

	"github.com/nodeq/qdisc/internal/vtime"
)

// Metrics is a classful qdisc with exactly one child. It is
// transparent to the child's own discipline — every operation simply
// forwards — except TryDequeue, which additionally attaches a
// measurement continuation recording (end - start) into a vtime.Table
// entry keyed by payload identity.
type Metrics struct {
	base

	mu    sync.RWMutex
	child Qdisc

	table *vtime.Table
}

// MetricsOption configures a Metrics wrapper at construction time.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	expectedDistinct int
	sampleLimit      int64
	precise          bool
}

// WithMetricsExpectedDistinctPayloads sizes the table's initial
// capacity hint and distinct-payload retention bound. Defaults to 32.
func WithMetricsExpectedDistinctPayloads(n int) MetricsOption {
	return func(c *metricsConfig) { c.expectedDistinct = n }
}

// WithMetricsSampleLimit caps the rolling-statistics weighting window
// per payload; -1 (the default) means sample forever.
func WithMetricsSampleLimit(limit int64) MetricsOption {
	return func(c *metricsConfig) { c.sampleLimit = limit }
}

// WithMetricsPrecise selects vtime.Precise instead of the default
// vtime.Fast coarse tick clock.
func WithMetricsPrecise(precise bool) MetricsOption {
	return func(c *metricsConfig) { c.precise = precise }
}

// NewMetrics creates a Metrics qdisc addressed by handle, wrapping
// child. child must be added via TryAddChild (or the builder) exactly
// once; a second TryAddChild call fails.
func NewMetrics(handle Handle, opts ...MetricsOption) (*Metrics, error) {
	if err := validateHandle(handle); err != nil {
		return nil, err
	}
	cfg := &metricsConfig{expectedDistinct: 32, sampleLimit: -1}
	for _, opt := range opts {
		opt(cfg)
	}
	clock := vtime.Fast
	if cfg.precise {
		clock = vtime.Precise
	}
	m := &Metrics{
		base:  newBase(handle),
		table: vtime.New(clock, cfg.expectedDistinct, cfg.sampleLimit),
	}
	return m, nil
}

// Estimate returns the current rolling execution-time estimate for a
// payload, as observed through this wrapper.
func (m *Metrics) Estimate(payloadKey uintptr) vtime.Estimate {
	return m.table.Estimate(payloadKey)
}

func (m *Metrics) NotifyWorkScheduled() { m.notifyParent() }

// Complete detaches this qdisc and stops its virtual-time table's
// fast-clock refresh loop.
func (m *Metrics) Complete() {
	m.base.Complete()
	m.table.Close()
}

func (m *Metrics) getChild() Qdisc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.child
}

func (m *Metrics) IsEmpty() bool {
	c := m.getChild()
	return c == nil || c.IsEmpty()
}

func (m *Metrics) BestEffortCount() int {
	c := m.getChild()
	if c == nil {
		return 0
	}
	return c.BestEffortCount()
}

func (m *Metrics) Enqueue(w *Workload, state any) error {
	if err := m.checkEnqueueable(); err != nil {
		return err
	}
	c := m.getChild()
	if c == nil {
		return newSchedulingError("Enqueue", errRouteNotFound)
	}
	return c.Enqueue(w, state)
}

func (m *Metrics) TryDequeue(workerID int, backtrack bool) (*Workload, bool) {
	c := m.getChild()
	if c == nil {
		return nil, false
	}
	w, execute := c.TryDequeue(workerID, backtrack)
	if w == nil || !execute {
		return w, execute
	}
	start := m.table.Now()
	table := m.table
	w.AddContinuation(ContinuationFunc(func(_ context.Context, w *Workload) {
		table.Record(w.PayloadKey(), float64(table.Now()-start))
	}))
	return w, execute
}

func (m *Metrics) TryPeek(workerID int) *Workload {
	c := m.getChild()
	if c == nil {
		return nil
	}
	return c.TryPeek(workerID)
}

func (m *Metrics) TryRemove(w *Workload) bool {
	c := m.getChild()
	if c == nil {
		return false
	}
	return c.TryRemove(w)
}

func (m *Metrics) OnWorkerTerminated(workerID int) {
	if c := m.getChild(); c != nil {
		c.OnWorkerTerminated(workerID)
	}
}

func (m *Metrics) TryAddChild(child Qdisc) error {
	if err := validateHandle(child.Handle()); err != nil {
		return err
	}
	m.mu.Lock()
	if m.child != nil {
		m.mu.Unlock()
		return newSchedulingError("TryAddChild", errDuplicateHandle)
	}
	m.child = child
	m.mu.Unlock()
	return child.Initialize(m)
}

func (m *Metrics) TryRemoveChild(handle Handle) (Qdisc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.child == nil || m.child.Handle() != handle {
		return nil, false
	}
	child := m.child
	m.child = nil
	child.Complete()
	return child, true
}

func (m *Metrics) TryFindChild(handle Handle) (Qdisc, bool) {
	c := m.getChild()
	if c == nil || c.Handle() != handle {
		return nil, false
	}
	return c, true
}

func (m *Metrics) TryFindRoute(handle Handle) (RoutingPath, error) {
	c := m.getChild()
	if c == nil {
		return nil, newSchedulingError("TryFindRoute", errRouteNotFound)
	}
	if c.Handle() == handle {
		return RoutingPath{{Qdisc: m, Handle: handle, ChildOffset: 0}}, nil
	}
	if cf, ok := c.(ClassfulQdisc); ok {
		sub, err := cf.TryFindRoute(handle)
		if err == nil {
			node := RoutingNode{Qdisc: m, Handle: c.Handle(), ChildOffset: 0}
			return append(RoutingPath{node}, sub...), nil
		}
	}
	return nil, newSchedulingError("TryFindRoute", errRouteNotFound)
}

// WillEnqueueFromRoutingPath is a no-op: Metrics has no
// routing-dependent state to pre-update.
func (m *Metrics) WillEnqueueFromRoutingPath(RoutingNode, *Workload) error { return nil }
