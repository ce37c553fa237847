// Package engine dispatches a mutable request context through an ordered,
// filter-selected chain of handlers.
//
// Architecture:
//
// context.go     - Context value bag (MapContext) and the Properties hook for typed contexts
// registry.go    - Provider ordering by declared dependencies (Order, Registry)
// handler.go     - Handler declarations (Handle, Handle1..3) and continuations (Next, Next1..3)
// binder.go      - Bound parameter resolution and value coercion
// compiler.go    - Compilation of declarations into MethodNodes
// filter.go      - Axis-grouped filter evaluation
// graph.go       - Per result type graph of compiled handlers and its chain cache
// fingerprint.go - Probing of filter reads and context fingerprinting
// chain.go       - Chain of responsibility (plain and tracked variants)
// manager.go     - Facade resolving, caching and binding pipelines (For, Invoke)
//
// A handler calls its continuation to forward, optionally overriding its bound
// parameters, or returns without calling it to short-circuit. Code after the
// continuation returns runs in reverse chain order.
package engine
