package qdisc

import "context"

// Dispatcher is the ambient thread pool collaborator consumed by the
// scheduler: one method that runs a work item on some background
// thread. Workers are drawn from a Dispatcher; the scheduler never
// owns OS threads itself.
type Dispatcher interface {
	Dispatch(work func())
}

// SingleThreadedContext is the optional consumed collaborator used by
// context-restoring continuations to post work back onto a UI-thread-
// like single-threaded context.
type SingleThreadedContext interface {
	Post(work func())
}

// Continuation is attached to a Workload and invoked exactly once,
// after the workload becomes terminal and its result/exception fields
// are visible. ctx carries whatever ambient execution context the
// continuation was registered with; it is not the workload's own
// execution context.
type Continuation interface {
	Invoke(ctx context.Context, w *Workload)
}

// ContinuationFunc adapts a plain function to Continuation.
type ContinuationFunc func(ctx context.Context, w *Workload)

func (f ContinuationFunc) Invoke(ctx context.Context, w *Workload) { f(ctx, w) }

// DispatchContinuation wraps inner so it runs on d instead of inline on
// whichever goroutine completes the workload.
func DispatchContinuation(d Dispatcher, inner Continuation) Continuation {
	return ContinuationFunc(func(ctx context.Context, w *Workload) {
		d.Dispatch(func() { inner.Invoke(ctx, w) })
	})
}

// CaptureContext wraps inner so it always observes the ctx that was
// live when the continuation was attached, regardless of what is
// passed to Invoke at fire time. It backs the factory's
// FlowExecutionContext flag.
func CaptureContext(captured context.Context, inner Continuation) Continuation {
	return ContinuationFunc(func(_ context.Context, w *Workload) {
		inner.Invoke(captured, w)
	})
}

// PostToContext wraps inner so it runs via sc.Post instead of inline:
// the continuation is posted onto a user-supplied single-threaded
// context rather than running on whichever worker goroutine completed
// the workload. It backs the factory's ContinueOnCapturedContext flag.
func PostToContext(sc SingleThreadedContext, inner Continuation) Continuation {
	return ContinuationFunc(func(ctx context.Context, w *Workload) {
		sc.Post(func() { inner.Invoke(ctx, w) })
	})
}

// ResultConsumer adapts a function taking the workload's published
// result and error into a Continuation.
func ResultConsumer(f func(ctx context.Context, result any, err error)) Continuation {
	return ContinuationFunc(func(ctx context.Context, w *Workload) {
		f(ctx, w.Result(), w.Err())
	})
}
