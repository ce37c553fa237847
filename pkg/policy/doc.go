// Package policy integrates the Open Policy Agent (OPA) engine with handler
// selection, letting a Rego rule decide whether a handler applies to a
// pipeline context.
//
// Modules are parsed once per Engine and queries are prepared per entrypoint.
// Decisions are cached in a bounded LRU keyed by the entrypoint and the input
// values, so a rule is evaluated once per distinct input.
package policy
