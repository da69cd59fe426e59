package worker

import (
	"time"

	"github.com/nodeq/qdisc"
	corelog "github.com/nodeq/qdisc/log"
)

// FactoryBuilder wires a Factory's concurrency, context-flow and
// pooling flags before composing its root qdisc.
type FactoryBuilder struct {
	cfg        Config
	dispatcher Dispatcher
	log        corelog.Sink
	services   ServiceProviderFactory
	root       qdisc.Qdisc
	tree       qdisc.Builder
}

// NewFactoryBuilder returns a builder with the un-configured defaults:
// concurrency 1, every flag off, GoDispatcher, a no-op log sink, and
// (absent WithRoot/WithTree) NewDefaultRoot's single FIFO tree.
func NewFactoryBuilder() *FactoryBuilder {
	return &FactoryBuilder{}
}

// WithMaxConcurrency sets the worker pool's maximum concurrency N.
func (b *FactoryBuilder) WithMaxConcurrency(n int) *FactoryBuilder {
	b.cfg.MaxConcurrency = n
	return b
}

// WithFlowExecutionContext toggles flow_execution_context.
func (b *FactoryBuilder) WithFlowExecutionContext(v bool) *FactoryBuilder {
	b.cfg.FlowExecutionContext = v
	return b
}

// WithContinueOnCapturedContext toggles continue_on_captured_context.
func (b *FactoryBuilder) WithContinueOnCapturedContext(v bool) *FactoryBuilder {
	b.cfg.ContinueOnCapturedContext = v
	return b
}

// WithAnonymousWorkloadPooling toggles anonymous_workload_pooling.
func (b *FactoryBuilder) WithAnonymousWorkloadPooling(v bool) *FactoryBuilder {
	b.cfg.AnonymousWorkloadPooling = v
	return b
}

// WithShutdownTimeout overrides how long Stop waits for drain.
func (b *FactoryBuilder) WithShutdownTimeout(d time.Duration) *FactoryBuilder {
	b.cfg.ShutdownTimeout = d
	return b
}

// WithDispatcher overrides the ambient thread pool. Defaults to
// GoDispatcher.
func (b *FactoryBuilder) WithDispatcher(d Dispatcher) *FactoryBuilder {
	b.dispatcher = d
	return b
}

// WithLogSink overrides the diagnostic log sink. Defaults to a no-op.
func (b *FactoryBuilder) WithLogSink(sink corelog.Sink) *FactoryBuilder {
	b.log = sink
	return b
}

// WithServiceProviderFactory attaches the optional service scope
// collaborator; a scope is acquired for each executed workload.
func (b *FactoryBuilder) WithServiceProviderFactory(s ServiceProviderFactory) *FactoryBuilder {
	b.services = s
	return b
}

// WithRoot supplies an already-constructed, uninitialized root qdisc
// directly, bypassing the Builder tree composition below. Mutually
// exclusive with WithTree; whichever is called last wins.
func (b *FactoryBuilder) WithRoot(root qdisc.Qdisc) *FactoryBuilder {
	b.root = root
	b.tree = nil
	return b
}

// WithTree supplies a qdisc.Builder whose Build() composes the root
// qdisc tree. Mutually exclusive with WithRoot; whichever is called
// last wins.
func (b *FactoryBuilder) WithTree(tree qdisc.Builder) *FactoryBuilder {
	b.tree = tree
	b.root = nil
	return b
}

// Build composes the root (WithRoot, else WithTree, else
// qdisc.NewDefaultRoot) and returns a Factory bound to it. The
// returned Factory is not started; call Start to begin dispatch.
func (b *FactoryBuilder) Build() (*Factory, error) {
	root := b.root
	if root == nil {
		if b.tree != nil {
			r, err := b.tree.Build()
			if err != nil {
				return nil, err
			}
			root = r
		} else {
			r, err := qdisc.NewDefaultRoot()
			if err != nil {
				return nil, err
			}
			root = r
		}
	}
	return NewFactory(root, b.cfg, b.dispatcher, b.log, b.services)
}
