// Package telemetry instruments pipeline hops.
//
// It provides runtime.Tracker implementations backed by OpenTelemetry spans,
// Prometheus collectors and structured logs, the otel meters for hop and
// cache metrics, process-wide tracer provider setup, and redaction of probed
// context values before they are exported.
package telemetry
