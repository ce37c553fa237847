package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome classifies a finished hop.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeError Outcome = "error"
)

// OutcomeOf maps a hop error to its Outcome.
func OutcomeOf(err error) Outcome {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

var (
	metricsOnce         sync.Once
	metricsInitErr      error
	hopExecutionCounter metric.Int64Counter
	hopErrorCounter     metric.Int64Counter
	hopLatencyHistogram metric.Float64Histogram
	cacheLookupCounter  metric.Int64Counter
	cacheMissCounter    metric.Int64Counter
)

// HopMetrics captures the fields needed to record one pipeline hop.
type HopMetrics struct {
	Handler     string
	ContextType string
	Outcome     Outcome
	Duration    time.Duration
}

// RecordHop emits counters and histograms that describe a pipeline hop.
func RecordHop(ctx context.Context, m HopMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("pipeline.handler", m.Handler),
		attribute.String("pipeline.context_type", m.ContextType),
		attribute.String("pipeline.outcome", string(m.Outcome)),
	)

	hopExecutionCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		hopLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	if m.Outcome == OutcomeError {
		hopErrorCounter.Add(ctx, 1, attrs)
	}
}

// CacheLookup describes one pipeline cache lookup.
type CacheLookup struct {
	ResultType string
	Hit        bool
}

// RecordCacheLookup counts pipeline cache lookups and misses per result type.
func RecordCacheLookup(ctx context.Context, l CacheLookup) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("pipeline.result_type", l.ResultType))
	cacheLookupCounter.Add(ctx, 1, attrs)
	if !l.Hit {
		cacheMissCounter.Add(ctx, 1, attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("dispatch.pipeline")

		hopExecutionCounter, metricsInitErr = meter.Int64Counter(
			"dispatch.hop.executions_total",
			metric.WithDescription("Pipeline hops partitioned by handler and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		hopErrorCounter, metricsInitErr = meter.Int64Counter(
			"dispatch.hop.errors_total",
			metric.WithDescription("Pipeline hops that returned an error"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		hopLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"dispatch.hop.duration_ms",
			metric.WithDescription("Observed hop latency including downstream hops"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		cacheLookupCounter, metricsInitErr = meter.Int64Counter(
			"dispatch.cache.lookups_total",
			metric.WithDescription("Pipeline cache lookups by result type"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		cacheMissCounter, metricsInitErr = meter.Int64Counter(
			"dispatch.cache.misses_total",
			metric.WithDescription("Pipeline cache lookups that built a new chain"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}
