// Package vtime implements the virtual-time table described in the
// scheduling core's design: a concurrent map from payload identity to
// a rolling execution-time estimate, used by the Fair qdisc to derive
// best-/average-/worst-case penalties and by the Metrics wrapper to
// record observed execution times.
package vtime

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nodeq/qdisc/internal/timertask"
)

// ClockKind selects the time source backing Table.Now.
type ClockKind int

const (
	// Precise uses a high-resolution wall-clock timestamp.
	Precise ClockKind = iota
	// Fast uses a coarse tick counter, refreshed periodically instead
	// of on every call, trading precision for overhead.
	Fast
)

// Estimate is a derived view over an Entry's rolling statistics.
type Estimate struct {
	BestCase    time.Duration
	Average     time.Duration
	WorstCase   time.Duration
	SampleCount uint64
}

// entry holds the rolling mean and mean-absolute-deviation of
// execution durations (in nanoseconds) for one payload identity,
// updated through xsync's Compute, which holds the key's bucket lock
// for the duration of the update.
type entry struct {
	count uint64
	mean  float64
	mad   float64
}

func (e entry) estimate() Estimate {
	best := e.mean - e.mad
	if best < 0 {
		best = 0
	}
	return Estimate{
		BestCase:    time.Duration(best),
		Average:     time.Duration(e.mean),
		WorstCase:   time.Duration(e.mean + e.mad),
		SampleCount: e.count,
	}
}

// Table is a concurrent map from payload identity (a pointer-sized
// key) to a rolling execution-time entry. The backing map is an
// xsync.MapOf, and each entry's update is a single Compute call under
// that entry's bucket lock.
type Table struct {
	entries *xsync.MapOf[uintptr, entry]
	clock   ClockKind
	// maxDistinct bounds the number of distinct payload keys retained,
	// even under "sample forever" (sampleLimit < 0): individual
	// entries keep an unbounded sample count, but the number of
	// *tracked payloads* is capped to avoid unbounded table growth.
	maxDistinct int
	sampleLimit int64

	fastTick atomic.Int64
	pump     timertask.Task
	pumping  bool
	closed   atomic.Bool
}

// New creates a Table. expectedDistinctPayloads sizes the initial
// capacity hint and bounds (at 4x) how many distinct payload keys are
// retained. sampleLimit caps how many samples feed the rolling
// statistics before they switch to a fixed-window weighting; -1 means
// unlimited (the statistics keep adapting forever for any single
// payload, while the table still bounds distinct payloads tracked).
func New(clock ClockKind, expectedDistinctPayloads int, sampleLimit int64) *Table {
	if expectedDistinctPayloads <= 0 {
		expectedDistinctPayloads = 32
	}
	t := &Table{
		entries:     xsync.NewMapOf[uintptr, entry](),
		clock:       clock,
		maxDistinct: expectedDistinctPayloads * 4,
		sampleLimit: sampleLimit,
	}
	if clock == Fast {
		// The fast clock is refreshed roughly every 15ms instead of on
		// every Now() call, which is the point of offering a "fast"
		// clock at all. The refresh loop is a timertask so Close can
		// stop it. The tick is seeded synchronously so Now never
		// observes zero before the loop's first pass.
		t.fastTick.Store(time.Now().UnixNano())
		t.pump.Start(context.Background(), func(context.Context) {
			t.fastTick.Store(time.Now().UnixNano())
		}, 15*time.Millisecond)
		t.pumping = true
	}
	return t
}

// Close stops the fast-clock refresh loop, if one was started, and
// waits for it to exit. Close is idempotent; a Precise table has
// nothing to stop. Now and Record remain safe to call after Close (the
// fast tick just stops advancing).
func (t *Table) Close() {
	if !t.pumping || !t.closed.CompareAndSwap(false, true) {
		return
	}
	<-t.pump.Stop()
}

// Now returns a timestamp from the configured clock source, in the
// same units (nanoseconds) for both sources so durations subtract
// cleanly regardless of which one is active.
func (t *Table) Now() int64 {
	if t.clock == Fast {
		return t.fastTick.Load()
	}
	return time.Now().UnixNano()
}

// Record folds one observed duration (in nanoseconds) into the entry
// for key, creating it if absent and evicting the coldest entry first
// if the table is at its distinct-payload cap.
func (t *Table) Record(key uintptr, durationNanos float64) {
	// Evict before entering Compute: Compute holds a bucket lock, so
	// touching the map again from inside its callback could deadlock.
	if _, ok := t.entries.Load(key); !ok && t.entries.Size() >= t.maxDistinct {
		t.evictColdest()
	}
	t.entries.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if !loaded {
			return entry{count: 1, mean: durationNanos, mad: 0}, false
		}
		n := old.count + 1
		weight := n
		if t.sampleLimit > 0 && int64(weight) > t.sampleLimit {
			weight = uint64(t.sampleLimit)
		}
		delta := durationNanos - old.mean
		mean := old.mean + delta/float64(weight)
		mad := old.mad + (absFloat(delta)-old.mad)/float64(weight)
		return entry{count: n, mean: mean, mad: mad}, false
	})
}

func (t *Table) evictColdest() {
	var coldestKey uintptr
	var coldestCount uint64
	found := false
	t.entries.Range(func(key uintptr, value entry) bool {
		if !found || value.count < coldestCount {
			coldestKey, coldestCount, found = key, value.count, true
		}
		return true
	})
	if found {
		t.entries.Delete(coldestKey)
	}
}

// Estimate returns the current rolling estimate for key, or the zero
// Estimate (with SampleCount 0) if key has never been recorded.
func (t *Table) Estimate(key uintptr) Estimate {
	e, ok := t.entries.Load(key)
	if !ok {
		return Estimate{}
	}
	return e.estimate()
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
