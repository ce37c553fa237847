package telemetry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dispatch/pkg/engine/runtime"
)

func TestPrometheusTrackerCountsHops(t *testing.T) {
	reg := prometheus.NewRegistry()
	tracker, err := NewPrometheusTracker(reg)
	require.NoError(t, err)

	meta := map[string]string{runtime.MetadataHandler: "auth.Check"}

	_, scope := tracker.Track(context.Background(), runtime.MeasurementName, meta)
	assert.Equal(t, float64(1), testutil.ToFloat64(tracker.hopsActive))
	scope.End(nil)

	_, scope = tracker.Track(context.Background(), runtime.MeasurementName, meta)
	scope.End(errors.New("denied"))

	assert.Equal(t, float64(0), testutil.ToFloat64(tracker.hopsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(tracker.hopsTotal.WithLabelValues("auth.Check", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(tracker.hopsTotal.WithLabelValues("auth.Check", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(tracker.hopDuration))
}

func TestPrometheusTrackerRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusTracker(reg)
	require.NoError(t, err)

	_, err = NewPrometheusTracker(reg)
	require.Error(t, err)
}

func TestLogTrackerWritesOneRecordPerHop(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tracker := NewLogTracker(logger, slog.LevelDebug)

	_, scope := tracker.Track(context.Background(), runtime.MeasurementName, map[string]string{
		runtime.MetadataHandler: "audit.Record",
		"userId":                "7",
	})
	scope.End(nil)

	_, scope = tracker.Track(context.Background(), runtime.MeasurementName, map[string]string{
		runtime.MetadataHandler: "store.Save",
	})
	scope.End(errors.New("disk full"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "level=DEBUG")
	assert.Contains(t, lines[0], "handler=audit.Record")
	assert.Contains(t, lines[0], "userId=7")
	assert.Contains(t, lines[1], "level=WARN")
	assert.Contains(t, lines[1], `error="disk full"`)
}

func TestTrackersAreNotNop(t *testing.T) {
	tracker, err := NewPrometheusTracker(nil)
	require.NoError(t, err)

	assert.False(t, runtime.IsNop(tracker))
	assert.False(t, runtime.IsNop(NewLogTracker(nil, slog.LevelInfo)))
	assert.False(t, runtime.IsNop(NewSpanTracker(SpanTrackerConfig{})))
	assert.True(t, runtime.IsNop(runtime.MultiTracker{runtime.NopTracker{}}))
}
