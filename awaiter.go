package qdisc

import "context"

// Awaiter implements a minimal three-hook coroutine/await shape:
// IsReady, OnSuspend(resume), OnResume() -> result. It is
// ready exactly when its Workload is terminal.
//
// Awaiter is a typed continuation adapter: registering a resume
// callback via OnSuspend attaches a Continuation to the underlying
// Workload, so the usual "attach-after-terminal runs inline
// immediately" rule applies.
type Awaiter struct {
	w *Workload
}

// Await returns an Awaiter bound to w.
func Await(w *Workload) *Awaiter {
	return &Awaiter{w: w}
}

// IsReady reports whether the bound workload is already terminal.
func (a *Awaiter) IsReady() bool {
	return Status(a.w.status.Load()).IsTerminal()
}

// OnSuspend registers resume to run once the bound workload becomes
// terminal. If the workload is already terminal, resume runs inline
// before OnSuspend returns.
func (a *Awaiter) OnSuspend(resume func()) {
	a.w.AddContinuation(ContinuationFunc(func(context.Context, *Workload) {
		resume()
	}))
}

// OnResume returns the published result on success, or the stored
// exception on fault/cancellation. It must only be called once the
// Awaiter is ready.
func (a *Awaiter) OnResume() (any, error) {
	return a.w.Result(), a.w.Err()
}
