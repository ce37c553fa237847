package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/polisai/polis-dispatch/pkg/domain"
	"github.com/polisai/polis-dispatch/pkg/engine/runtime"
)

// completionHandler is the handler name reported for the terminal hop.
const completionHandler = "completion"

// carrier holds the per-call state of a chain: the bound context, the
// completion and the parameter names overridden by InvokeWith. Chain nodes
// are shared across calls and never hold any of them.
type carrier[T any] struct {
	context    Context
	completion Completion[T]
	overrides  map[string]struct{}
}

func (c *carrier[T]) complete(ctx context.Context) (T, error) {
	return c.completion(ctx, c.context)
}

// chainNode is one link of an unbound pipeline.
type chainNode[T any] interface {
	invoke(ctx context.Context, c *carrier[T]) (T, error)
	// describe appends the link and everything downstream of it.
	describe(sb *strings.Builder)
}

type node[T any] struct {
	method *MethodNode[T]
	next   chainNode[T]
}

func (n *node[T]) invoke(ctx context.Context, c *carrier[T]) (T, error) {
	return n.method.target(ctx, c.context, n.method.factory(c, n.next))
}

func (n *node[T]) describe(sb *strings.Builder) {
	fmt.Fprintf(sb, "\n  -> %s", n.method.signature)
	n.next.describe(sb)
}

type finalNode[T any] struct{}

func (finalNode[T]) invoke(ctx context.Context, c *carrier[T]) (T, error) {
	return c.complete(ctx)
}

func (finalNode[T]) describe(sb *strings.Builder) {
	sb.WriteString("\n  -> " + completionHandler)
}

// trackedNode wraps every handler call in a tracker scope carrying the
// probed context values and the handler signature.
type trackedNode[T any] struct {
	node[T]
	tracker  runtime.Tracker
	metadata metadataGenerator
}

func (n *trackedNode[T]) invoke(ctx context.Context, c *carrier[T]) (out T, err error) {
	info := n.metadata.generate(c.context)
	info[runtime.MetadataHandler] = n.method.signature

	ctx, scope := n.tracker.Track(ctx, runtime.MeasurementName, info)
	defer func() { scope.End(err) }()

	return n.node.invoke(ctx, c)
}

type trackedFinalNode[T any] struct {
	finalNode[T]
	tracker  runtime.Tracker
	metadata metadataGenerator
}

func (n *trackedFinalNode[T]) invoke(ctx context.Context, c *carrier[T]) (out T, err error) {
	info := n.metadata.generate(c.context)
	info[runtime.MetadataHandler] = completionHandler

	ctx, scope := n.tracker.Track(ctx, runtime.MeasurementName, info)
	defer func() { scope.End(err) }()

	return c.complete(ctx)
}

// UnboundPipeline is the chain built for one fingerprint. It holds no
// per-call state and is shared by every call with that fingerprint.
type UnboundPipeline[T any] struct {
	fingerprint  string
	head         chainNode[T]
	handlers     []string
	instrumented bool
}

// newUnboundPipeline folds nodes right to left onto the terminal node. A nop
// tracker yields the plain variant.
func newUnboundPipeline[T any](fingerprint string, nodes []*MethodNode[T], tracker runtime.Tracker, metadata metadataGenerator) *UnboundPipeline[T] {
	instrumented := !runtime.IsNop(tracker)

	var head chainNode[T]
	if instrumented {
		head = &trackedFinalNode[T]{tracker: tracker, metadata: metadata}
	} else {
		head = finalNode[T]{}
	}

	handlers := make([]string, len(nodes))
	for i := len(nodes) - 1; i >= 0; i-- {
		m := nodes[i]
		handlers[i] = m.signature
		if instrumented {
			head = &trackedNode[T]{node: node[T]{method: m, next: head}, tracker: tracker, metadata: metadata}
		} else {
			head = &node[T]{method: m, next: head}
		}
	}

	return &UnboundPipeline[T]{
		fingerprint:  fingerprint,
		head:         head,
		handlers:     handlers,
		instrumented: instrumented,
	}
}

// Fingerprint is the context fingerprint the chain was built for.
func (p *UnboundPipeline[T]) Fingerprint() string { return p.fingerprint }

// Handlers lists the chained handler signatures in call order.
func (p *UnboundPipeline[T]) Handlers() []string {
	out := make([]string, len(p.handlers))
	copy(out, p.handlers)
	return out
}

// Instrumented reports whether hops are wrapped in tracker scopes.
func (p *UnboundPipeline[T]) Instrumented() bool { return p.instrumented }

// Bind pairs the chain with one context and one completion.
func (p *UnboundPipeline[T]) Bind(pc Context, completion Completion[T]) *CompiledPipeline[T] {
	return &CompiledPipeline[T]{
		pipeline: p,
		carrier:  carrier[T]{context: pc, completion: completion},
	}
}

func (p *UnboundPipeline[T]) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "pipeline %s", p.fingerprint)
	p.head.describe(&sb)
	return sb.String()
}

// CompiledPipeline is an unbound pipeline bound to one context and one
// completion. It runs once.
type CompiledPipeline[T any] struct {
	pipeline *UnboundPipeline[T]
	carrier  carrier[T]
	consumed atomic.Bool
}

// Invoke runs the chain. Calls after the first fail with
// domain.ErrPipelineConsumed.
func (p *CompiledPipeline[T]) Invoke(ctx context.Context) (T, error) {
	var zero T
	if !p.consumed.CompareAndSwap(false, true) {
		return zero, domain.ErrPipelineConsumed
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return p.pipeline.head.invoke(ctx, &p.carrier)
}

// Context returns the bound context.
func (p *CompiledPipeline[T]) Context() Context { return p.carrier.context }

// Pipeline returns the shared chain behind this call.
func (p *CompiledPipeline[T]) Pipeline() *UnboundPipeline[T] { return p.pipeline }

func (p *CompiledPipeline[T]) String() string {
	return p.pipeline.String() + "\n" + describeContext(p.carrier.context)
}
