package qdisc

import (
	"container/list"
	"sync"

	"github.com/nodeq/qdisc/internal/atomicbitmap"
)

// BandSelector resolves a priority band from a producer's
// classification state. It returns ok=false to defer to the qdisc's
// default band.
type BandSelector func(state any) (band int, ok bool)

// PriorityOption configures a PriorityFIFO or PriorityFIFOLocking at
// construction time.
type PriorityOption func(*priorityConfig)

type priorityConfig struct {
	bandHandles []Handle
	selector    BandSelector
	defaultBand int
	hasDefault  bool
}

// WithBandSelector attaches a classification-state band resolver,
// consulted after explicit handle matching and before the default
// band.
func WithBandSelector(sel BandSelector) PriorityOption {
	return func(c *priorityConfig) { c.selector = sel }
}

// WithBandHandles tags each band with a Handle so a producer can
// address it directly by passing that Handle as the classification
// state to Enqueue. A zero Handle in position i leaves band i
// unaddressable this way.
func WithBandHandles(handles ...Handle) PriorityOption {
	return func(c *priorityConfig) { c.bandHandles = handles }
}

// WithDefaultBand overrides the band used when neither an explicit
// handle match nor the selector resolves one. It defaults to the
// lowest-priority (last) band.
func WithDefaultBand(band int) PriorityOption {
	return func(c *priorityConfig) { c.defaultBand, c.hasDefault = band, true }
}

func newPriorityConfig(bandCount int, opts ...PriorityOption) (*priorityConfig, error) {
	if bandCount < 2 {
		return nil, newSchedulingError("NewPriority", errBandOutOfRange)
	}
	if bandCount > atomicbitmap.MaxBits {
		return nil, newSchedulingError("NewPriority", errTooManyBands)
	}
	c := &priorityConfig{defaultBand: bandCount - 1}
	for _, opt := range opts {
		opt(c)
	}
	if !c.hasDefault {
		c.defaultBand = bandCount - 1
	}
	if c.defaultBand < 0 || c.defaultBand >= bandCount {
		return nil, newSchedulingError("NewPriority", errBandOutOfRange)
	}
	return c, nil
}

func (c *priorityConfig) resolveBand(state any) int {
	if h, ok := state.(Handle); ok && h != 0 {
		for i, bh := range c.bandHandles {
			if bh != 0 && bh == h {
				return i
			}
		}
	}
	if c.selector != nil {
		if b, ok := c.selector(state); ok {
			return b
		}
	}
	return c.defaultBand
}

// PriorityFIFO is a fixed-bands priority leaf qdisc: k >= 2 bands, each
// a plain FIFO, plus a concurrent bitmap with one bit per band (bit b
// set iff band b is known non-empty). Dequeue scans bands in ascending
// order (band 0 is highest priority); a set bit whose band turns out
// empty is cleared via atomicbitmap's token-CAS so a concurrent
// enqueuer racing the same bit never loses its signal.
//
// TryRemove is unsupported, as for the plain FIFO bands it is built
// from. Backtrack is a no-op: the bitmap carries no per-worker cursor.
type PriorityFIFO struct {
	base
	priorityConfig
	bands  []*list.List
	mus    []sync.Mutex
	bitmap atomicbitmap.Bitmap
}

// NewPriorityFIFO creates a PriorityFIFO addressed by handle with
// bandCount bands (2 <= bandCount <= atomicbitmap.MaxBits).
func NewPriorityFIFO(handle Handle, bandCount int, opts ...PriorityOption) (*PriorityFIFO, error) {
	if err := validateHandle(handle); err != nil {
		return nil, err
	}
	cfg, err := newPriorityConfig(bandCount, opts...)
	if err != nil {
		return nil, err
	}
	p := &PriorityFIFO{
		base:           newBase(handle),
		priorityConfig: *cfg,
		bands:          make([]*list.List, bandCount),
		mus:            make([]sync.Mutex, bandCount),
	}
	for i := range p.bands {
		p.bands[i] = list.New()
	}
	return p, nil
}

func (p *PriorityFIFO) IsEmpty() bool {
	return p.bitmap.Load().Bits == 0
}

func (p *PriorityFIFO) BestEffortCount() int {
	total := 0
	for i := range p.bands {
		p.mus[i].Lock()
		total += p.bands[i].Len()
		p.mus[i].Unlock()
	}
	return total
}

func (p *PriorityFIFO) Enqueue(w *Workload, state any) error {
	if err := p.checkEnqueueable(); err != nil {
		return err
	}
	band := p.resolveBand(state)
	if band < 0 || band >= len(p.bands) {
		return newSchedulingError("Enqueue", errBandOutOfRange)
	}
	if !w.TryBind(p) {
		return newSchedulingError("Enqueue", errDisposedWorkload)
	}
	p.mus[band].Lock()
	p.bands[band].PushBack(w)
	p.mus[band].Unlock()
	p.bitmap.Set(band)
	p.notifyParent()
	return nil
}

func (p *PriorityFIFO) TryDequeue(_ int, _ bool) (*Workload, bool) {
	for {
		snap := p.bitmap.Load()
		if snap.Bits == 0 {
			return nil, false
		}
		for b := 0; b < len(p.bands); b++ {
			if snap.Bits&(uint64(1)<<uint(b)) == 0 {
				continue
			}
			p.mus[b].Lock()
			e := p.bands[b].Front()
			if e == nil {
				p.mus[b].Unlock()
				p.bitmap.ClearIfToken(b, snap.Token)
				continue
			}
			p.bands[b].Remove(e)
			empty := p.bands[b].Len() == 0
			p.mus[b].Unlock()
			if empty {
				p.bitmap.ClearIfToken(b, snap.Token)
			}
			w := e.Value.(*Workload)
			return w, w.beginExecution()
		}
	}
}

func (p *PriorityFIFO) TryPeek(_ int) *Workload {
	for b := 0; b < len(p.bands); b++ {
		p.mus[b].Lock()
		e := p.bands[b].Front()
		p.mus[b].Unlock()
		if e != nil {
			return e.Value.(*Workload)
		}
	}
	return nil
}

func (p *PriorityFIFO) TryRemove(*Workload) bool { return false }

func (p *PriorityFIFO) OnWorkerTerminated(int) {}

// PriorityFIFOLocking has identical band-resolution and ordering
// semantics to PriorityFIFO but serializes every operation behind one
// coarse mutex instead of the concurrent bitmap. It exists for
// scheduling-correctness comparisons in tests and is not meant for the
// hot path.
type PriorityFIFOLocking struct {
	base
	priorityConfig
	mu    sync.Mutex
	bands []*list.List
}

// NewPriorityFIFOLocking creates the coarse-locking comparison variant
// of PriorityFIFO.
func NewPriorityFIFOLocking(handle Handle, bandCount int, opts ...PriorityOption) (*PriorityFIFOLocking, error) {
	if err := validateHandle(handle); err != nil {
		return nil, err
	}
	cfg, err := newPriorityConfig(bandCount, opts...)
	if err != nil {
		return nil, err
	}
	p := &PriorityFIFOLocking{
		base:           newBase(handle),
		priorityConfig: *cfg,
		bands:          make([]*list.List, bandCount),
	}
	for i := range p.bands {
		p.bands[i] = list.New()
	}
	return p, nil
}

func (p *PriorityFIFOLocking) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, band := range p.bands {
		if band.Len() > 0 {
			return false
		}
	}
	return true
}

func (p *PriorityFIFOLocking) BestEffortCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, band := range p.bands {
		total += band.Len()
	}
	return total
}

func (p *PriorityFIFOLocking) Enqueue(w *Workload, state any) error {
	if err := p.checkEnqueueable(); err != nil {
		return err
	}
	band := p.resolveBand(state)
	if band < 0 || band >= len(p.bands) {
		return newSchedulingError("Enqueue", errBandOutOfRange)
	}
	if !w.TryBind(p) {
		return newSchedulingError("Enqueue", errDisposedWorkload)
	}
	p.mu.Lock()
	p.bands[band].PushBack(w)
	p.mu.Unlock()
	p.notifyParent()
	return nil
}

func (p *PriorityFIFOLocking) TryDequeue(_ int, _ bool) (*Workload, bool) {
	p.mu.Lock()
	var e *list.Element
	for _, band := range p.bands {
		if e = band.Front(); e != nil {
			band.Remove(e)
			break
		}
	}
	p.mu.Unlock()
	if e == nil {
		return nil, false
	}
	w := e.Value.(*Workload)
	return w, w.beginExecution()
}

func (p *PriorityFIFOLocking) TryPeek(_ int) *Workload {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, band := range p.bands {
		if e := band.Front(); e != nil {
			return e.Value.(*Workload)
		}
	}
	return nil
}

func (p *PriorityFIFOLocking) TryRemove(*Workload) bool { return false }

func (p *PriorityFIFOLocking) OnWorkerTerminated(int) {}
