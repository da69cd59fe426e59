// Package donechan provides the small shutdown-signaling primitives
// used to join concurrently stopping components.
package donechan

import "sync"

// Chan is closed exactly once, when whatever it signals has finished.
type Chan chan struct{}

// Func starts an asynchronous stop and returns a Chan that closes when
// it completes.
type Func func() Chan

// WrapWaitGroup returns a Chan that closes once wg.Wait returns.
func WrapWaitGroup(wg *sync.WaitGroup) Chan {
	ret := make(Chan)
	go func() {
		wg.Wait()
		close(ret)
	}()
	return ret
}
