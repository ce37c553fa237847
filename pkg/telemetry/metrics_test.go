package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/polis-dispatch/pkg/engine/runtime"
)

func installManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func TestRecordHop(t *testing.T) {
	reader := installManualReader(t)

	RecordHop(context.Background(), HopMetrics{
		Handler:     "auth.Check(Context context, Next[string] next)",
		ContextType: "*engine.MapContext",
		Outcome:     OutcomeError,
		Duration:    150 * time.Millisecond,
	})

	metrics := collect(t, reader)

	exec, ok := metrics["dispatch.hop.executions_total"]
	if !ok {
		t.Fatalf("missing dispatch.hop.executions_total metric")
	}
	execData, ok := exec.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 1 {
		t.Fatalf("expected 1 datapoint, got %d", len(execData.DataPoints))
	}
	if execData.DataPoints[0].Value != 1 {
		t.Fatalf("expected executions count 1, got %d", execData.DataPoints[0].Value)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("pipeline.outcome")); !ok || value.AsString() != "error" {
		t.Fatalf("expected pipeline.outcome attribute to be error, got %v", value)
	}

	errs, ok := metrics["dispatch.hop.errors_total"]
	if !ok {
		t.Fatalf("missing dispatch.hop.errors_total metric")
	}
	if errs.Data.(metricdata.Sum[int64]).DataPoints[0].Value != 1 {
		t.Fatalf("expected error count 1")
	}

	hist, ok := metrics["dispatch.hop.duration_ms"]
	if !ok {
		t.Fatalf("missing dispatch.hop.duration_ms metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", histData.DataPoints[0].Count)
	}
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordCacheLookup(t *testing.T) {
	reader := installManualReader(t)
	ctx := context.Background()

	RecordCacheLookup(ctx, CacheLookup{ResultType: "string", Hit: false})
	RecordCacheLookup(ctx, CacheLookup{ResultType: "string", Hit: true})
	RecordCacheLookup(ctx, CacheLookup{ResultType: "string", Hit: true})

	metrics := collect(t, reader)

	lookups := metrics["dispatch.cache.lookups_total"].Data.(metricdata.Sum[int64])
	if lookups.DataPoints[0].Value != 3 {
		t.Fatalf("expected 3 lookups, got %d", lookups.DataPoints[0].Value)
	}
	misses := metrics["dispatch.cache.misses_total"].Data.(metricdata.Sum[int64])
	if misses.DataPoints[0].Value != 1 {
		t.Fatalf("expected 1 miss, got %d", misses.DataPoints[0].Value)
	}
}

func TestSpanTrackerNestsHopsAndRecordsErrors(t *testing.T) {
	installManualReader(t)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})

	tracker := NewSpanTracker(SpanTrackerConfig{TracerProvider: tp})

	ctx, outer := tracker.Track(context.Background(), runtime.MeasurementName, map[string]string{
		runtime.MetadataHandler:     "first",
		runtime.MetadataContextType: "*engine.MapContext",
		"method":                    "GET",
	})
	_, inner := tracker.Track(ctx, runtime.MeasurementName, map[string]string{
		runtime.MetadataHandler: "second",
	})
	inner.End(errors.New("boom"))
	outer.End(nil)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	innerSpan, outerSpan := spans[0], spans[1]
	if innerSpan.Parent().SpanID() != outerSpan.SpanContext().SpanID() {
		t.Fatalf("expected inner hop to be a child of the outer hop")
	}
	if innerSpan.Status().Code != codes.Error {
		t.Fatalf("expected inner hop status error, got %v", innerSpan.Status().Code)
	}
	if outerSpan.Status().Code == codes.Error {
		t.Fatalf("expected outer hop to succeed")
	}

	attrs := attribute.NewSet(outerSpan.Attributes()...)
	if value, ok := attrs.Value(attribute.Key("pipeline.method")); !ok || value.AsString() != "GET" {
		t.Fatalf("expected pipeline.method attribute GET, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("pipeline.handler")); !ok || value.AsString() != "first" {
		t.Fatalf("expected pipeline.handler attribute first, got %v", value)
	}
}
