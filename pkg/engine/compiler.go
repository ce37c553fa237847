package engine

import (
	"context"
	"fmt"
	"reflect"

	"github.com/polisai/polis-dispatch/pkg/domain"
)

// MethodNode is a compiled handler: its axis-grouped filters, invocation
// thunk, continuation factory and diagnostic signature. Immutable once built.
type MethodNode[T any] struct {
	groups    []filterGroup
	target    invoker[T]
	factory   nextFactory[T]
	signature string
}

// Signature describes the compiled handler for diagnostics.
func (n *MethodNode[T]) Signature() string { return n.signature }

// Accepts reports whether every filter axis of the node accepts pc.
func (n *MethodNode[T]) Accepts(ctx context.Context, pc Context) (bool, error) {
	return acceptsAll(ctx, n.groups, pc)
}

func (n *MethodNode[T]) visit(ctx context.Context, pc Context) error {
	for _, g := range n.groups {
		if err := g.visit(ctx, pc); err != nil {
			return err
		}
	}
	return nil
}

// nextFactory builds the continuation a handler receives for one call.
type nextFactory[T any] func(c *carrier[T], downstream chainNode[T]) continuation[T]

// compile turns a handler declaration into a MethodNode. Provider filters are
// merged ahead of the handler's own filters so shared axes form one group.
func compile[T any](provider string, h Handler, providerFilters []Filter) (*MethodNode[T], error) {
	m, ok := h.(*method[T])
	if !ok {
		return nil, &domain.SignatureError{
			Handler: fmt.Sprintf("%s.%s", provider, h.Name()),
			Reason:  fmt.Sprintf("handler does not produce %s", reflect.TypeFor[T]()),
		}
	}
	signature := m.signature(provider)
	if err := validate(m, signature); err != nil {
		return nil, err
	}

	for i, f := range providerFilters {
		if f == nil {
			return nil, &domain.SignatureError{Handler: signature, Reason: fmt.Sprintf("provider filter %d is nil", i)}
		}
	}

	filters := make([]Filter, 0, len(providerFilters)+len(m.filters))
	filters = append(filters, providerFilters...)
	filters = append(filters, m.filters...)

	params := m.Params()
	return &MethodNode[T]{
		groups:    groupFilters(filters),
		target:    m.bindFn(signature, m.fn),
		factory:   newNextFactory[T](params),
		signature: signature,
	}, nil
}

func validate[T any](m *method[T], signature string) error {
	fail := func(format string, args ...any) error {
		return &domain.SignatureError{Handler: signature, Reason: fmt.Sprintf(format, args...)}
	}
	if m.name == "" {
		return fail("handler name is empty")
	}
	if m.isNil || m.bindFn == nil {
		return fail("handler function is nil")
	}
	if len(m.params) != len(m.types) {
		return fail("%d parameter names for %d bound parameters", len(m.params), len(m.types))
	}
	seen := make(map[string]struct{}, len(m.params))
	for i, p := range m.params {
		if p == "" {
			return fail("bound parameter %d has no name", i)
		}
		if _, dup := seen[p]; dup {
			return fail("bound parameter %q declared twice", p)
		}
		seen[p] = struct{}{}
	}
	for i, f := range m.filters {
		if f == nil {
			return fail("filter %d is nil", i)
		}
	}
	return nil
}

func newNextFactory[T any](params []string) nextFactory[T] {
	return func(c *carrier[T], downstream chainNode[T]) continuation[T] {
		return continuation[T]{carrier: c, downstream: downstream, params: params}
	}
}

// continuation is the untyped forwarding call behind every Next variant.
type continuation[T any] struct {
	carrier    *carrier[T]
	downstream chainNode[T]
	params     []string
}

// Invoke runs the downstream chain with the call's context unchanged.
func (c continuation[T]) Invoke(ctx context.Context) (T, error) {
	return c.downstream.invoke(ctx, c.carrier)
}

// invokeWith writes overrides for the bound parameters into the call's
// context, positionally, then runs the downstream chain. Overridden names
// bind from the value bag for the rest of the call.
func (c continuation[T]) invokeWith(ctx context.Context, values ...any) (T, error) {
	if c.carrier.overrides == nil {
		c.carrier.overrides = make(map[string]struct{}, len(values))
	}
	for i, v := range values {
		c.carrier.context.Set(c.params[i], v)
		c.carrier.overrides[c.params[i]] = struct{}{}
	}
	return c.Invoke(ctx)
}

func (c continuation[T]) overridden(name string) bool {
	_, ok := c.carrier.overrides[name]
	return ok
}

type next1[T, A any] struct{ continuation[T] }

func (n next1[T, A]) InvokeWith(ctx context.Context, a A) (T, error) {
	return n.invokeWith(ctx, a)
}

type next2[T, A, B any] struct{ continuation[T] }

func (n next2[T, A, B]) InvokeWith(ctx context.Context, a A, b B) (T, error) {
	return n.invokeWith(ctx, a, b)
}

type next3[T, A, B, C any] struct{ continuation[T] }

func (n next3[T, A, B, C]) InvokeWith(ctx context.Context, a A, b B, c C) (T, error) {
	return n.invokeWith(ctx, a, b, c)
}
