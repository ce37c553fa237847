package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/polisai/polis-dispatch/pkg/engine/runtime"
)

// PrometheusTracker counts hops and observes their latency in Prometheus
// vectors labelled by handler and outcome.
type PrometheusTracker struct {
	hopsTotal   *prometheus.CounterVec
	hopDuration *prometheus.HistogramVec
	hopsActive  prometheus.Gauge
}

// NewPrometheusTracker creates the hop collectors and registers them with
// reg. A nil reg skips registration.
func NewPrometheusTracker(reg prometheus.Registerer) (*PrometheusTracker, error) {
	t := &PrometheusTracker{
		hopsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_hops_total",
				Help: "Total number of pipeline hops by handler and outcome",
			},
			[]string{"handler", "outcome"},
		),

		hopDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_hop_duration_seconds",
				Help:    "Pipeline hop latency in seconds, including downstream hops",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler"},
		),

		hopsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_hops_active",
				Help: "Number of pipeline hops currently executing",
			},
		),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{t.hopsTotal, t.hopDuration, t.hopsActive} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

// Track implements runtime.Tracker.
func (t *PrometheusTracker) Track(ctx context.Context, _ string, metadata map[string]string) (context.Context, runtime.Scope) {
	t.hopsActive.Inc()
	return ctx, &promScope{tracker: t, handler: metadata[runtime.MetadataHandler], start: time.Now()}
}

type promScope struct {
	tracker *PrometheusTracker
	handler string
	start   time.Time
}

func (s *promScope) End(err error) {
	s.tracker.hopsActive.Dec()
	s.tracker.hopsTotal.WithLabelValues(s.handler, string(OutcomeOf(err))).Inc()
	s.tracker.hopDuration.WithLabelValues(s.handler).Observe(time.Since(s.start).Seconds())
}
