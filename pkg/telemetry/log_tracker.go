package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/polisai/polis-dispatch/pkg/engine/runtime"
)

// LogTracker writes one structured log record per finished hop. Failed hops
// log at Warn, others at the configured level.
type LogTracker struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogTracker creates a LogTracker. A nil logger selects slog.Default().
func NewLogTracker(logger *slog.Logger, level slog.Level) *LogTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTracker{logger: logger, level: level}
}

// Track implements runtime.Tracker.
func (t *LogTracker) Track(ctx context.Context, name string, metadata map[string]string) (context.Context, runtime.Scope) {
	return ctx, &logScope{tracker: t, ctx: ctx, name: name, metadata: metadata, start: time.Now()}
}

type logScope struct {
	tracker  *LogTracker
	ctx      context.Context
	name     string
	metadata map[string]string
	start    time.Time
}

func (s *logScope) End(err error) {
	level := s.tracker.level
	attrs := []slog.Attr{
		slog.String("measurement", s.name),
		slog.Duration("duration", time.Since(s.start)),
	}
	for _, kv := range metadataAttributes(s.metadata) {
		attrs = append(attrs, slog.String(string(kv.Key), kv.Value.AsString()))
	}
	if err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.Any("error", err))
	}
	s.tracker.logger.LogAttrs(s.ctx, level, "pipeline hop", attrs...)
}
