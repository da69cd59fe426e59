// Package lifecycle provides the strict start-once/stop-once guard
// embedded by long-running components, so every one of them gets the
// same double-start/double-stop and stop-timeout semantics.
package lifecycle

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/nodeq/qdisc/internal/donechan"
)

const (
	stopped = iota
	started
)

var (
	// ErrDoubleStarted is returned when Start is called on a
	// component that has already been started.
	ErrDoubleStarted = errors.New("lifecycle: already started")
	// ErrDoubleStopped is returned when Stop is called on a
	// component that is not currently running.
	ErrDoubleStopped = errors.New("lifecycle: already stopped")
	// ErrStopTimeout is returned when a component fails to shut down
	// within the provided timeout.
	ErrStopTimeout = errors.New("lifecycle: stop timed out")
)

// Base is embedded by components with a strict start-once/stop-once
// lifecycle.
type Base struct {
	state atomic.Int32
}

// TryStart transitions stopped -> started, or reports
// ErrDoubleStarted.
func (b *Base) TryStart() error {
	if !b.state.CompareAndSwap(stopped, started) {
		return ErrDoubleStarted
	}
	return nil
}

// TryStop transitions started -> stopped and waits up to timeout for
// df's returned Chan to close. It reports ErrDoubleStopped if the
// component was not running, or ErrStopTimeout if df does not finish
// in time.
func (b *Base) TryStop(timeout time.Duration, df donechan.Func) error {
	if !b.state.CompareAndSwap(started, stopped) {
		return ErrDoubleStopped
	}
	done := df()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}
