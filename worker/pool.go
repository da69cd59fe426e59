// Package worker implements the workload factory and worker pool that
// sit on top of a qdisc tree: the producer-facing Schedule/ScheduleTo
// surface, and the dispatch loop that draws workloads from the root
// and runs them on an ambient thread pool.
//
// There is no separate buffered pool between the tree and the
// workers: Factory dequeues straight from the qdisc tree on each
// worker goroutine, spawning and retiring goroutines on demand
// instead of running a fixed-size pool fed by a channel.
package worker

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodeq/qdisc"
	corelog "github.com/nodeq/qdisc/log"

	"github.com/nodeq/qdisc/internal/donechan"
	"github.com/nodeq/qdisc/internal/lifecycle"
)

// Dispatcher is the ambient thread pool collaborator consumed by
// Factory. It is the same narrow contract qdisc.Dispatcher
// exposes to continuations; Factory reuses it to run worker loops too,
// so a single Dispatcher implementation governs every background
// goroutine this package starts.
type Dispatcher = qdisc.Dispatcher

// GoDispatcher runs each work item on its own goroutine. It is the
// default Dispatcher when a caller supplies none, the natural "ambient
// thread pool" in a language whose runtime already schedules
// goroutines over OS threads.
type GoDispatcher struct{}

// Dispatch runs work on a new goroutine.
func (GoDispatcher) Dispatch(work func()) { go work() }

// ServiceScope is acquired once per dequeued workload and released
// after it completes. Get resolves a service by type; Release returns
// the scope to its provider.
type ServiceScope interface {
	Get(serviceType reflect.Type) (any, bool)
	Release()
}

// ServiceProviderFactory is the optional consumed collaborator that
// lets a caller scope services to the lifetime of a single
// dequeued workload (e.g. a request-scoped database connection).
type ServiceProviderFactory interface {
	AcquireScope() ServiceScope
}

type workerCtxKey struct{}

// CurrentWorkerID reports the id of the worker goroutine driving ctx,
// if ctx was derived from one Factory.Schedule'd onto. Go has no
// per-thread storage a library can hook, so Factory threads the
// current-thread-is-a-worker marker through context instead.
func CurrentWorkerID(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(workerCtxKey{}).(int)
	return id, ok
}

// Config configures a Factory. Zero-value fields take the defaults
// noted per field.
type Config struct {
	// MaxConcurrency bounds the number of worker goroutines active at
	// once. Defaults to 1 if <= 0.
	MaxConcurrency int

	// FlowExecutionContext, when true, makes every continuation
	// attached via Schedule/ScheduleTo's WithContinuation option
	// observe the context live at attachment time regardless of what
	// the dispatch loop passes to Continuation.Invoke.
	FlowExecutionContext bool

	// ContinueOnCapturedContext, when true and a WithSingleThreadedContext
	// option is supplied, posts attached continuations onto that
	// context instead of running them inline on the worker goroutine
	// that completed the workload.
	ContinueOnCapturedContext bool

	// AnonymousWorkloadPooling enables ScheduleAnonymous's workload
	// pooling path (see that method's doc comment).
	AnonymousWorkloadPooling bool

	// ShutdownTimeout bounds how long Stop waits for in-flight workers
	// to drain before returning lifecycle.ErrStopTimeout. Defaults to
	// 30s if <= 0.
	ShutdownTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxConcurrency <= 0 {
		out.MaxConcurrency = 1
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = 30 * time.Second
	}
	return out
}

// ScheduleOption configures one Schedule/ScheduleTo call.
type ScheduleOption func(*scheduleConfig)

type scheduleConfig struct {
	workloadOpts   []qdisc.WorkloadOption
	continuations  []qdisc.Continuation
	singleThreaded qdisc.SingleThreadedContext
}

// WithCancellationToken attaches token to the scheduled workload.
func WithCancellationToken(token qdisc.CancellationToken) ScheduleOption {
	return func(c *scheduleConfig) {
		c.workloadOpts = append(c.workloadOpts, qdisc.WithCancellationToken(token))
	}
}

// WithDueDate tags the scheduled workload with a due date, consulted
// by an EarliestDueDate qdisc on the routed path.
func WithDueDate(due time.Time) ScheduleOption {
	return func(c *scheduleConfig) {
		c.workloadOpts = append(c.workloadOpts, qdisc.WithDueDate(due))
	}
}

// WithContinuation attaches c to the scheduled workload, wrapped
// according to the Factory's FlowExecutionContext and
// ContinueOnCapturedContext flags.
func WithContinuation(c qdisc.Continuation) ScheduleOption {
	return func(cfg *scheduleConfig) { cfg.continuations = append(cfg.continuations, c) }
}

// WithSingleThreadedContext supplies the target for continuations
// attached via WithContinuation when the Factory's
// ContinueOnCapturedContext flag is set. Without it, that flag has no
// effect on this call.
func WithSingleThreadedContext(sc qdisc.SingleThreadedContext) ScheduleOption {
	return func(cfg *scheduleConfig) { cfg.singleThreaded = sc }
}

// Factory is the workload factory and worker pool: it owns the root
// qdisc, a configured maximum concurrency, an
// atomic worker counter, and the context-flow/pooling flags, and it
// is the producer-facing surface for scheduling work.
type Factory struct {
	lifecycle.Base

	root       qdisc.Qdisc
	dispatcher Dispatcher
	log        corelog.Sink
	services   ServiceProviderFactory

	cfg Config

	started        atomic.Bool
	currentWorkers atomic.Int32
	nextWorkerID   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	anonPool sync.Pool
}

// NewFactory creates a Factory bound to root. root must not yet be
// initialized; NewFactory initializes it with the Factory as its
// parent notifier, exactly once. dispatcher defaults to GoDispatcher
// and sink to a no-op log.Sink when nil.
func NewFactory(root qdisc.Qdisc, cfg Config, dispatcher Dispatcher, sink corelog.Sink, services ServiceProviderFactory) (*Factory, error) {
	if dispatcher == nil {
		dispatcher = GoDispatcher{}
	}
	if sink == nil {
		sink = corelog.Nop{}
	}
	f := &Factory{
		root:       root,
		dispatcher: dispatcher,
		log:        sink,
		services:   services,
		cfg:        cfg.withDefaults(),
	}
	f.anonPool.New = func() any { return new(qdisc.Workload) }
	if err := root.Initialize(f); err != nil {
		return nil, err
	}
	return f, nil
}

// NotifyWorkScheduled implements qdisc.ParentNotifier. The root (or
// the notification bubbled up from a leaf through intermediate
// classful qdiscs) calls this whenever a workload becomes available,
// which is the Factory's cue to try spawning a worker.
func (f *Factory) NotifyWorkScheduled() {
	f.trySpawn()
}

// trySpawn implements the enqueue-path spawn race: multiple
// concurrent notifications may all observe currentWorkers < N, but the
// CAS loop ensures at most N workers ever exist. It is a no-op before
// Start: a notification racing ahead of Start must not dispatch a
// worker goroutine that would dereference a Factory context that does
// not exist yet. Start itself checks for already-queued work once it
// flips the started flag, so nothing queued before Start is stranded.
func (f *Factory) trySpawn() {
	if !f.started.Load() {
		return
	}
	for {
		cur := f.currentWorkers.Load()
		if int(cur) >= f.cfg.MaxConcurrency {
			return
		}
		if f.currentWorkers.CompareAndSwap(cur, cur+1) {
			f.spawn()
			return
		}
	}
}

// tryReincrement handles the worker-replacement race:
// a worker that found no work decrements currentWorkers, then — if the
// tree looks non-empty again — tries to reclaim a slot rather than
// exit, so genuinely available work is not left stranded by a
// momentary lull.
func (f *Factory) tryReincrement() bool {
	for {
		cur := f.currentWorkers.Load()
		if int(cur) >= f.cfg.MaxConcurrency {
			return false
		}
		if f.currentWorkers.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (f *Factory) spawn() {
	id := int(f.nextWorkerID.Add(1))
	f.wg.Add(1)
	f.dispatcher.Dispatch(func() { f.runWorker(id) })
}

// Start begins accepting dispatch. It must be called before any
// producer-facing Schedule call can result in a worker actually
// running — workloads enqueued before Start sit in the tree and are
// picked up once Start spawns the first worker(s) for whatever
// NotifyWorkScheduled calls already landed.
func (f *Factory) Start(ctx context.Context) error {
	if err := f.TryStart(); err != nil {
		return err
	}
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.started.Store(true)
	if f.root.BestEffortCount() > 0 {
		f.trySpawn()
	}
	return nil
}

func (f *Factory) doStop() donechan.Chan {
	// Clear started before canceling so a straggling
	// NotifyWorkScheduled cannot wg.Add a new worker while the wait
	// below is draining.
	f.started.Store(false)
	f.cancel()
	return donechan.WrapWaitGroup(&f.wg)
}

// Stop initiates graceful shutdown: no new worker goroutines are
// spawned, and in-flight payloads run to completion (their context is
// canceled, which a cooperative payload should observe). Stop blocks
// until every worker goroutine has exited or ShutdownTimeout elapses.
func (f *Factory) Stop() error {
	return f.TryStop(f.cfg.ShutdownTimeout, f.doStop)
}

// runWorker is the dispatch loop: repeatedly dequeue
// from the root, execute, loop; on an empty tree, decrement the
// worker count and either reclaim a slot (the tree filled back up
// concurrently) or exit.
func (f *Factory) runWorker(workerID int) {
	defer f.wg.Done()
	backtrack := false
	for {
		select {
		case <-f.ctx.Done():
			f.currentWorkers.Add(-1)
			f.root.OnWorkerTerminated(workerID)
			return
		default:
		}
		w, execute := f.root.TryDequeue(workerID, backtrack)
		if w == nil {
			f.currentWorkers.Add(-1)
			if f.root.BestEffortCount() > 0 && f.tryReincrement() {
				backtrack = false
				continue
			}
			f.root.OnWorkerTerminated(workerID)
			return
		}
		if !execute {
			// Dequeued already-canceled; repeat this logical step so
			// the qdisc's cursor does not advance twice.
			backtrack = true
			continue
		}
		backtrack = false
		f.execute(workerID, w)
	}
}

// execute runs w's payload with panic recovery, driving the
// workload's own terminal transition via Workload.Run.
func (f *Factory) execute(workerID int, w *qdisc.Workload) {
	var scope ServiceScope
	if f.services != nil {
		scope = f.services.AcquireScope()
		defer scope.Release()
	}
	ctx := context.WithValue(f.ctx, workerCtxKey{}, workerID)
	defer func() {
		if r := recover(); r != nil {
			f.log.Record(corelog.Exception, "workload payload panicked",
				"workload", w.ID, "worker", workerID, "panic", r)
		}
	}()
	w.Run(ctx)
}

// schedule is the shared implementation behind Schedule and
// ScheduleTo: build the workload, wrap and attach requested
// continuations per the Factory's context-flow flags, and hand the
// result to enqueue.
func (f *Factory) schedule(ctx context.Context, payload qdisc.Payload, opts []ScheduleOption, enqueue func(*qdisc.Workload) error) (*qdisc.Workload, error) {
	cfg := &scheduleConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	w := qdisc.NewWorkload(payload, cfg.workloadOpts...)
	for _, c := range cfg.continuations {
		w.AddContinuation(f.wrapContinuation(ctx, cfg, c))
	}
	if err := enqueue(w); err != nil {
		return nil, err
	}
	return w, nil
}

func (f *Factory) wrapContinuation(ctx context.Context, cfg *scheduleConfig, c qdisc.Continuation) qdisc.Continuation {
	if f.cfg.FlowExecutionContext {
		c = qdisc.CaptureContext(ctx, c)
	}
	if f.cfg.ContinueOnCapturedContext && cfg.singleThreaded != nil {
		c = qdisc.PostToContext(cfg.singleThreaded, c)
	}
	return c
}

// Schedule enqueues payload using state as the classification value
// consulted by classful qdiscs along the path from the root.
func (f *Factory) Schedule(ctx context.Context, payload qdisc.Payload, state any, opts ...ScheduleOption) (*qdisc.Workload, error) {
	return f.schedule(ctx, payload, opts, func(w *qdisc.Workload) error {
		return f.root.Enqueue(w, state)
	})
}

// ScheduleTo enqueues payload directly at the leaf addressed by
// handle, using the tree's routing path instead of classification.
// Every classful qdisc on the path is notified via
// WillEnqueueFromRoutingPath before the workload reaches the leaf.
func (f *Factory) ScheduleTo(ctx context.Context, handle qdisc.Handle, payload qdisc.Payload, opts ...ScheduleOption) (*qdisc.Workload, error) {
	cf, ok := f.root.(qdisc.ClassfulQdisc)
	if !ok {
		return nil, qdisc.NewSchedulingError("ScheduleTo", qdisc.ErrRouteNotFound)
	}
	path, err := cf.TryFindRoute(handle)
	if err != nil {
		return nil, err
	}
	return f.schedule(ctx, payload, opts, func(w *qdisc.Workload) error {
		for _, node := range path {
			if err := node.Qdisc.WillEnqueueFromRoutingPath(node, w); err != nil {
				return err
			}
		}
		last := path[len(path)-1]
		return last.Qdisc.Enqueue(w, last.Handle)
	})
}

// ScheduleAnonymous enqueues a void-returning, fire-and-forget payload
// without ever handing the caller a *qdisc.Workload. Because no
// reference escapes, Factory may safely recycle the backing Workload
// struct from a free list once it terminates, which is what the
// AnonymousWorkloadPooling flag enables. ScheduleAnonymous is a no-op
// allocation-wise when AnonymousWorkloadPooling is false: it still
// works, it just always allocates.
func (f *Factory) ScheduleAnonymous(payload qdisc.Payload, state any) error {
	w := f.acquireAnonymous(payload)
	if f.cfg.AnonymousWorkloadPooling {
		w.AddContinuation(qdisc.ContinuationFunc(func(context.Context, *qdisc.Workload) {
			f.anonPool.Put(w)
		}))
	}
	return f.root.Enqueue(w, state)
}

func (f *Factory) acquireAnonymous(payload qdisc.Payload) *qdisc.Workload {
	if !f.cfg.AnonymousWorkloadPooling {
		return qdisc.NewWorkload(payload)
	}
	w := f.anonPool.Get().(*qdisc.Workload)
	return qdisc.ResetWorkload(w, payload)
}
