package qdisc

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Payload is a unit of deferred work. It may ignore its result (return
// nil, nil), return a value, or perform its own internal asynchronous
// waiting before returning — qdisc has no opinion on how the payload
// gets its work done, only on how its outcome is published.
type Payload func(ctx context.Context) (any, error)

// payloadKeyOf derives the stable virtual-time accounting key for a
// Payload from its function entry address. Closures over
// different captured state but the same underlying function share a
// key, which is the intended behavior: virtual-time statistics are
// kept per *kind* of work, not per invocation.
func payloadKeyOf(p Payload) uintptr {
	return reflect.ValueOf(p).Pointer()
}

// CancellationRegistration identifies a callback registered with a
// CancellationToken, for later Unregister.
type CancellationRegistration struct {
	id uint64
}

// CancellationToken is the consumed collaborator that may
// transition a Workload to CancellationRequested. Implementations must
// be safe to read and register from multiple goroutines.
type CancellationToken interface {
	IsCancelled() bool
	Register(callback func()) CancellationRegistration
	Unregister(reg CancellationRegistration)
}

// CancellationSource is a minimal concrete CancellationToken producers
// can create, hand to a Workload, and later fire with Cancel.
type CancellationSource struct {
	mu        sync.Mutex
	cancelled bool
	next      uint64
	callbacks map[uint64]func()
}

// NewCancellationSource returns a CancellationSource in the
// not-cancelled state.
func NewCancellationSource() *CancellationSource {
	return &CancellationSource{callbacks: make(map[uint64]func())}
}

func (c *CancellationSource) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *CancellationSource) Register(callback func()) CancellationRegistration {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		callback()
		return CancellationRegistration{}
	}
	c.next++
	id := c.next
	c.callbacks[id] = callback
	c.mu.Unlock()
	return CancellationRegistration{id: id}
}

func (c *CancellationSource) Unregister(reg CancellationRegistration) {
	if reg.id == 0 {
		return
	}
	c.mu.Lock()
	delete(c.callbacks, reg.id)
	c.mu.Unlock()
}

// Cancel marks the token cancelled and invokes every registered
// callback exactly once. Cancel is idempotent.
func (c *CancellationSource) Cancel() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	callbacks := c.callbacks
	c.callbacks = nil
	c.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
}

type boundSlot struct {
	leaf Qdisc
}

type errSlot struct {
	err error
}

type resultSlot struct {
	value any
}

// Workload is a unit of deferred work bound to a leaf qdisc and
// carried through qdisc's status state machine.
type Workload struct {
	ID uuid.UUID

	status atomic.Int32
	bound  atomic.Pointer[boundSlot]
	errVal atomic.Pointer[errSlot]
	result atomic.Pointer[resultSlot]

	payload    Payload
	payloadKey uintptr
	token      CancellationToken
	tokenReg   CancellationRegistration

	dueDate    *time.Time
	createdAt  time.Time
	arrivalSeq uint64 // stamped by EarliestDueDate for its tiebreak

	contMu        sync.Mutex
	continuations []Continuation
	contFired     bool
}

// WorkloadOption configures a Workload at construction time.
type WorkloadOption func(*Workload)

// WithCancellationToken attaches a cancellation token observed
// cooperatively by the scheduler between Scheduled and Running. The
// token's callback is wired to the workload's own
// Scheduled -> CancellationRequested transition, so firing token moves
// the workload without the caller ever touching it directly.
func WithCancellationToken(token CancellationToken) WorkloadOption {
	return func(w *Workload) {
		w.token = token
		w.tokenReg = token.Register(func() { w.onCancellationRequested() })
	}
}

// WithDueDate tags the workload with a due date consulted by the
// EarliestDueDate qdisc.
func WithDueDate(due time.Time) WorkloadOption {
	return func(w *Workload) { w.dueDate = &due }
}

// NewWorkload creates a Created-state Workload wrapping payload.
func NewWorkload(payload Payload, opts ...WorkloadOption) *Workload {
	w := &Workload{
		ID:         uuid.New(),
		payload:    payload,
		payloadKey: payloadKeyOf(payload),
		createdAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ResetWorkload reinitializes a pooled *Workload in place for reuse
// with a new payload, returning it in the Created state. It exists
// solely to back worker.Factory's anonymous workload pooling path:
// since a caller on that path never receives the
// Workload pointer, nothing can observe it being recycled. Calling
// ResetWorkload on a Workload that is still reachable by any other
// caller is a bug in that caller, not in ResetWorkload.
func ResetWorkload(w *Workload, payload Payload) *Workload {
	w.ID = uuid.New()
	w.status.Store(int32(Created))
	w.bound.Store(nil)
	w.errVal.Store(nil)
	w.result.Store(nil)
	w.payload = payload
	w.payloadKey = payloadKeyOf(payload)
	w.token = nil
	w.tokenReg = CancellationRegistration{}
	w.dueDate = nil
	w.createdAt = time.Now()
	w.arrivalSeq = 0
	w.contMu.Lock()
	w.continuations = nil
	w.contFired = false
	w.contMu.Unlock()
	return w
}

// Status returns the workload's current externally-visible status.
// The transient asyncSuccess marker is never returned: callers observe
// Running until the terminal state is published.
func (w *Workload) Status() Status {
	s := Status(w.status.Load())
	if s == asyncSuccess {
		return Running
	}
	return s
}

// DueDate returns the workload's due-date annotation, if any.
func (w *Workload) DueDate() *time.Time { return w.dueDate }

// CreatedAt returns the time the workload was constructed.
func (w *Workload) CreatedAt() time.Time { return w.createdAt }

// PayloadKey returns the virtual-time accounting key for this
// workload's payload.
func (w *Workload) PayloadKey() uintptr { return w.payloadKey }

// BoundQdisc returns the leaf currently owning this workload, or nil.
// Per invariant (ii) it is non-nil iff Status is Scheduled or
// CancellationRequested.
func (w *Workload) BoundQdisc() Qdisc {
	slot := w.bound.Load()
	if slot == nil {
		return nil
	}
	return slot.leaf
}

// Result returns the published result. It is only meaningful once
// Status().IsTerminal() and the workload ran to completion.
func (w *Workload) Result() any {
	slot := w.result.Load()
	if slot == nil {
		return nil
	}
	return slot.value
}

// Err returns the stored exception or cancellation error. It is only
// meaningful once Status().IsTerminal().
func (w *Workload) Err() error {
	slot := w.errVal.Load()
	if slot == nil {
		return nil
	}
	return slot.err
}

// TryBind performs the Created -> Scheduled transition, publishing
// leaf as the bound qdisc atomically with the status flip. It fails
// if the workload is already bound or terminal.
func (w *Workload) TryBind(leaf Qdisc) bool {
	if !w.status.CompareAndSwap(int32(Created), int32(Scheduled)) {
		return false
	}
	w.bound.Store(&boundSlot{leaf: leaf})
	return true
}

// RequestCancellation asks the workload to cancel. If it is still
// Scheduled (not yet dequeued), it transitions to
// CancellationRequested so a future dequeue can surface it as already
// canceled without invoking the payload. Regardless of the current
// status, any attached CancellationToken is notified so a Running
// payload can observe the request cooperatively.
func (w *Workload) RequestCancellation() {
	w.onCancellationRequested()
	if src, ok := w.token.(*CancellationSource); ok {
		src.Cancel()
	}
}

// onCancellationRequested performs only the Scheduled ->
// CancellationRequested transition. It is the callback registered
// with an attached CancellationToken (see WithCancellationToken) and
// is also the transition RequestCancellation itself drives.
func (w *Workload) onCancellationRequested() {
	w.status.CompareAndSwap(int32(Scheduled), int32(CancellationRequested))
}

// beginExecution performs the dequeue-time transition: Scheduled ->
// Running (unbinding atomically), or CancellationRequested ->
// Canceled (also unbinding, and firing continuations immediately since
// Canceled is terminal). It reports whether the caller should proceed
// to execute the payload.
func (w *Workload) beginExecution() (execute bool) {
	for {
		s := Status(w.status.Load())
		switch s {
		case Scheduled:
			if w.status.CompareAndSwap(int32(Scheduled), int32(Running)) {
				w.bound.Store(nil)
				return true
			}
		case CancellationRequested:
			if w.status.CompareAndSwap(int32(CancellationRequested), int32(Canceled)) {
				w.bound.Store(nil)
				w.errVal.Store(&errSlot{err: ErrCanceled})
				w.fireContinuations()
				return false
			}
		default:
			return false
		}
	}
}

// forceCancelOverflow transitions a still-Scheduled workload directly
// to Canceled because a constrained ring buffer displaced it to make
// room for a newer enqueue. Unlike RequestCancellation it does not pass
// through CancellationRequested: the workload was never dequeued and
// never will be. It reports whether the transition happened (it may
// lose a race with a concurrent dequeue that already moved the
// workload to Running).
func (w *Workload) forceCancelOverflow() bool {
	if !w.status.CompareAndSwap(int32(Scheduled), int32(Canceled)) {
		return false
	}
	w.bound.Store(nil)
	w.errVal.Store(&errSlot{err: ErrOverflowDisplaced})
	w.fireContinuations()
	return true
}

// publishSuccess performs the Running -> RanToCompletion transition.
// A successful completion always wins over a concurrent cancellation
// request.
func (w *Workload) publishSuccess(result any) {
	w.status.Store(int32(asyncSuccess))
	w.result.Store(&resultSlot{value: result})
	w.status.Store(int32(RanToCompletion))
	w.fireContinuations()
}

// publishFault performs the Running -> Faulted or Running -> Canceled
// transition, depending on whether err indicates a cooperative
// cancellation.
func (w *Workload) publishFault(err error) {
	w.errVal.Store(&errSlot{err: err})
	if err == ErrCanceled {
		w.status.Store(int32(Canceled))
	} else {
		w.status.Store(int32(Faulted))
	}
	w.fireContinuations()
}

// AddContinuation registers c to run after the workload becomes
// terminal, strictly after the result/exception fields are visible, in
// registration order. If the continuations have already fired, c runs
// inline before AddContinuation returns.
//
// Inline execution is gated on contFired alone, never on the status:
// in the window between the terminal status store and the firing pass
// claiming the list, c must be appended so that pass runs it in order
// with everything registered before it — deciding on the status here
// would run c early and leave the earlier registrations stranded
// behind the fired flag.
func (w *Workload) AddContinuation(c Continuation) {
	w.contMu.Lock()
	if w.contFired {
		w.contMu.Unlock()
		c.Invoke(context.Background(), w)
		return
	}
	w.continuations = append(w.continuations, c)
	w.contMu.Unlock()
}

func (w *Workload) fireContinuations() {
	w.contMu.Lock()
	if w.contFired {
		w.contMu.Unlock()
		return
	}
	w.contFired = true
	pending := w.continuations
	w.continuations = nil
	w.contMu.Unlock()
	if w.token != nil {
		w.token.Unregister(w.tokenReg)
	}
	for _, c := range pending {
		c.Invoke(context.Background(), w)
	}
}

// Run executes the payload to completion, driving the workload's
// terminal transition and firing continuations. The caller must have
// already observed beginExecution() == true (i.e. the workload is
// Running) before calling Run; this is normally done by worker.Factory.
// A payload that panics is published as Faulted, with the panic value
// wrapped in its error, and the panic is then re-raised to the caller.
func (w *Workload) Run(ctx context.Context) {
	var result any
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				w.publishFault(fmt.Errorf("qdisc: payload panicked: %v", r))
				panic(r)
			}
		}()
		result, err = w.payload(ctx)
	}()
	if err != nil {
		w.publishFault(err)
		return
	}
	w.publishSuccess(result)
}
