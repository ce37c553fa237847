package telemetry

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-dispatch/pkg/domain"
	"github.com/polisai/polis-dispatch/pkg/engine/runtime"
)

// AttributePrefix namespaces hop metadata on spans.
const AttributePrefix = "pipeline."

// SpanTrackerConfig holds the options of a SpanTracker.
type SpanTrackerConfig struct {
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	// Redaction is applied to hop metadata by unprefixed key
	// (e.g. "userId", "handler").
	Redaction *domain.RedactionPolicy
}

// SpanTracker opens one OpenTelemetry span per hop and records hop metrics
// when the span ends. Nested hops become child spans.
type SpanTracker struct {
	tracer    trace.Tracer
	redaction *domain.RedactionPolicy
}

// NewSpanTracker creates a SpanTracker.
func NewSpanTracker(cfg SpanTrackerConfig) *SpanTracker {
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &SpanTracker{
		tracer:    tp.Tracer("dispatch.pipeline"),
		redaction: cfg.Redaction,
	}
}

// Track implements runtime.Tracker.
func (t *SpanTracker) Track(ctx context.Context, name string, metadata map[string]string) (context.Context, runtime.Scope) {
	ctx, span := t.tracer.Start(ctx, name)
	if span.IsRecording() {
		span.SetAttributes(prefixAttributes(RedactAttributes(t.redaction, metadataAttributes(metadata)))...)
	}
	return ctx, &spanScope{
		ctx:         ctx,
		span:        span,
		handler:     metadata[runtime.MetadataHandler],
		contextType: metadata[runtime.MetadataContextType],
		start:       time.Now(),
	}
}

type spanScope struct {
	ctx         context.Context
	span        trace.Span
	handler     string
	contextType string
	start       time.Time
}

func (s *spanScope) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	RecordHop(s.ctx, HopMetrics{
		Handler:     s.handler,
		ContextType: s.contextType,
		Outcome:     OutcomeOf(err),
		Duration:    time.Since(s.start),
	})
	s.span.End()
}

// metadataAttributes converts hop metadata to attributes in key order.
func metadataAttributes(metadata map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, metadata[k]))
	}
	return attrs
}

func prefixAttributes(attrs []attribute.KeyValue) []attribute.KeyValue {
	for i, kv := range attrs {
		attrs[i] = attribute.KeyValue{Key: attribute.Key(AttributePrefix + string(kv.Key)), Value: kv.Value}
	}
	return attrs
}
