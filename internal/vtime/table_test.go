package vtime_test

import (
	"testing"
	"time"

	"github.com/nodeq/qdisc/internal/vtime"
)

func TestEstimateTracksRollingMean(t *testing.T) {
	table := vtime.New(vtime.Precise, 4, -1)
	key := uintptr(1)

	if est := table.Estimate(key); est.SampleCount != 0 {
		t.Fatalf("expected no samples before any Record, got %d", est.SampleCount)
	}

	table.Record(key, float64(10*time.Millisecond))
	table.Record(key, float64(20*time.Millisecond))

	est := table.Estimate(key)
	if est.SampleCount != 2 {
		t.Fatalf("expected 2 samples, got %d", est.SampleCount)
	}
	if est.Average <= 0 {
		t.Fatalf("expected a positive average, got %v", est.Average)
	}
	if est.BestCase > est.Average || est.Average > est.WorstCase {
		t.Fatalf("expected BestCase <= Average <= WorstCase, got %v <= %v <= %v", est.BestCase, est.Average, est.WorstCase)
	}
}

func TestDistinctPayloadsBoundedUnderUnlimitedSampling(t *testing.T) {
	table := vtime.New(vtime.Precise, 2, -1)
	// expectedDistinctPayloads=2 bounds retention at 4x == 8 distinct keys.
	for i := uintptr(0); i < 32; i++ {
		table.Record(i, float64(time.Millisecond))
	}
	tracked := 0
	for i := uintptr(0); i < 32; i++ {
		if table.Estimate(i).SampleCount > 0 {
			tracked++
		}
	}
	if tracked > 8 {
		t.Fatalf("expected at most 8 distinct payloads retained, got %d", tracked)
	}
	if tracked == 0 {
		t.Fatal("expected at least the most recent payloads to remain tracked")
	}
}

func TestCloseStopsFastClockRefresh(t *testing.T) {
	table := vtime.New(vtime.Fast, 4, -1)
	if table.Now() == 0 {
		t.Fatal("expected the fast tick to be seeded at construction")
	}
	table.Close()
	// Close waits for the refresh loop to exit, so the tick can no
	// longer advance.
	frozen := table.Now()
	time.Sleep(30 * time.Millisecond)
	if table.Now() != frozen {
		t.Fatal("expected the fast tick to stop advancing after Close")
	}
	table.Close() // idempotent
}

func TestNowAdvancesUnderPreciseClock(t *testing.T) {
	table := vtime.New(vtime.Precise, 4, -1)
	first := table.Now()
	time.Sleep(time.Microsecond)
	second := table.Now()
	if second <= first {
		t.Fatalf("expected Now() to advance under the precise clock, got %d then %d", first, second)
	}
}
