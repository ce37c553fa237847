package engine

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// Handler is one handler method of a Provider, declared with Handle,
// Handle1, Handle2 or Handle3. Its result type selects the graph it joins.
type Handler interface {
	Name() string
	ResultType() reflect.Type
	Filters() []Filter
	// Params lists the bound parameter names in declaration order.
	Params() []string
}

// Completion is the terminal step of a pipeline.
type Completion[T any] func(ctx context.Context, pc Context) (T, error)

// Next forwards control to the next handler, or to the completion when the
// caller is the last handler. Not calling it short-circuits the pipeline.
type Next[T any] interface {
	Invoke(ctx context.Context) (T, error)
}

// Next1 forwards with an override for the handler's bound parameter.
type Next1[T, A any] interface {
	Next[T]
	InvokeWith(ctx context.Context, a A) (T, error)
}

// Next2 forwards with overrides for the handler's two bound parameters.
type Next2[T, A, B any] interface {
	Next[T]
	InvokeWith(ctx context.Context, a A, b B) (T, error)
}

// Next3 forwards with overrides for the handler's three bound parameters.
type Next3[T, A, B, C any] interface {
	Next[T]
	InvokeWith(ctx context.Context, a A, b B, c C) (T, error)
}

// HandlerFunc handles a context without bound parameters.
type HandlerFunc[T any] func(ctx context.Context, pc Context, next Next[T]) (T, error)

// HandlerFunc1 receives one bound parameter.
type HandlerFunc1[T, A any] func(ctx context.Context, a A, pc Context, next Next1[T, A]) (T, error)

// HandlerFunc2 receives two bound parameters.
type HandlerFunc2[T, A, B any] func(ctx context.Context, a A, b B, pc Context, next Next2[T, A, B]) (T, error)

// HandlerFunc3 receives three bound parameters.
type HandlerFunc3[T, A, B, C any] func(ctx context.Context, a A, b B, c C, pc Context, next Next3[T, A, B, C]) (T, error)

// Handle declares a handler reading the context directly.
func Handle[T any](name string, fn HandlerFunc[T], filters ...Filter) Handler {
	return &method[T]{
		name:    name,
		filters: filters,
		fn:      fn,
		isNil:   fn == nil,
		types:   []reflect.Type{},
		bindFn: func(signature string, fn any) invoker[T] {
			f := fn.(HandlerFunc[T])
			return func(ctx context.Context, pc Context, cont continuation[T]) (T, error) {
				return f(ctx, pc, cont)
			}
		},
	}
}

// Handle1 declares a handler with one bound parameter named param.
func Handle1[T, A any](name, param string, fn HandlerFunc1[T, A], filters ...Filter) Handler {
	return &method[T]{
		name:    name,
		params:  []string{param},
		types:   []reflect.Type{reflect.TypeFor[A]()},
		filters: filters,
		fn:      fn,
		isNil:   fn == nil,
		bindFn: func(signature string, fn any) invoker[T] {
			f := fn.(HandlerFunc1[T, A])
			return func(ctx context.Context, pc Context, cont continuation[T]) (T, error) {
				a, err := bindParam[A](signature, param, pc, cont)
				if err != nil {
					var zero T
					return zero, err
				}
				return f(ctx, a, pc, next1[T, A]{cont})
			}
		},
	}
}

// Handle2 declares a handler with two bound parameters.
func Handle2[T, A, B any](name, paramA, paramB string, fn HandlerFunc2[T, A, B], filters ...Filter) Handler {
	return &method[T]{
		name:    name,
		params:  []string{paramA, paramB},
		types:   []reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B]()},
		filters: filters,
		fn:      fn,
		isNil:   fn == nil,
		bindFn: func(signature string, fn any) invoker[T] {
			f := fn.(HandlerFunc2[T, A, B])
			return func(ctx context.Context, pc Context, cont continuation[T]) (T, error) {
				var zero T
				a, err := bindParam[A](signature, paramA, pc, cont)
				if err != nil {
					return zero, err
				}
				b, err := bindParam[B](signature, paramB, pc, cont)
				if err != nil {
					return zero, err
				}
				return f(ctx, a, b, pc, next2[T, A, B]{cont})
			}
		},
	}
}

// Handle3 declares a handler with three bound parameters.
func Handle3[T, A, B, C any](name, paramA, paramB, paramC string, fn HandlerFunc3[T, A, B, C], filters ...Filter) Handler {
	return &method[T]{
		name:    name,
		params:  []string{paramA, paramB, paramC},
		types:   []reflect.Type{reflect.TypeFor[A](), reflect.TypeFor[B](), reflect.TypeFor[C]()},
		filters: filters,
		fn:      fn,
		isNil:   fn == nil,
		bindFn: func(signature string, fn any) invoker[T] {
			f := fn.(HandlerFunc3[T, A, B, C])
			return func(ctx context.Context, pc Context, cont continuation[T]) (T, error) {
				var zero T
				a, err := bindParam[A](signature, paramA, pc, cont)
				if err != nil {
					return zero, err
				}
				b, err := bindParam[B](signature, paramB, pc, cont)
				if err != nil {
					return zero, err
				}
				c, err := bindParam[C](signature, paramC, pc, cont)
				if err != nil {
					return zero, err
				}
				return f(ctx, a, b, c, pc, next3[T, A, B, C]{cont})
			}
		},
	}
}

// invoker is the uniform invocation thunk of a compiled handler.
type invoker[T any] func(ctx context.Context, pc Context, cont continuation[T]) (T, error)

// method is the declaration side of a handler. It is compiled per graph.
type method[T any] struct {
	name    string
	params  []string
	types   []reflect.Type
	filters []Filter
	fn      any
	isNil   bool
	bindFn  func(signature string, fn any) invoker[T]
}

func (m *method[T]) Name() string             { return m.name }
func (m *method[T]) ResultType() reflect.Type { return reflect.TypeFor[T]() }
func (m *method[T]) Filters() []Filter        { return m.filters }

func (m *method[T]) Params() []string {
	out := make([]string, len(m.params))
	copy(out, m.params)
	return out
}

// signature renders provider.name(A a, ..., Context context, Next next).
func (m *method[T]) signature(provider string) string {
	parts := make([]string, 0, len(m.params)+2)
	for i, p := range m.params {
		parts = append(parts, fmt.Sprintf("%s %s", m.types[i], p))
	}
	parts = append(parts, "Context context", fmt.Sprintf("Next[%s] next", reflect.TypeFor[T]()))
	name := m.name
	if provider != "" {
		name = provider + "." + name
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}
