package engine

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync/atomic"

	"github.com/polisai/polis-dispatch/pkg/engine/runtime"
	"github.com/polisai/polis-dispatch/pkg/telemetry"
)

var (
	errNilContext    = errors.New("engine: nil pipeline context")
	errNilCompletion = errors.New("engine: nil completion")
)

// ManagerConfig holds dependencies for creating a Manager.
type ManagerConfig struct {
	Registry *Registry
	// Tracker instruments every hop. Nil or runtime.NopTracker builds
	// uninstrumented chains.
	Tracker runtime.Tracker
	Logger  *slog.Logger
}

// Manager resolves, caches and binds pipelines over one registry.
type Manager struct {
	graphs  *GraphFactory
	tracker runtime.Tracker
	logger  *slog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Stats are the cache counters of a Manager. Pipelines is the number of
// chains currently cached; misses count every lookup that ran a build.
type Stats struct {
	Graphs         int
	Pipelines      uint64
	PipelineHits   uint64
	PipelineMisses uint64
}

// NewManager creates a pipeline manager with the given configuration.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = runtime.NopTracker{}
	}
	return &Manager{
		graphs:  NewGraphFactory(cfg.Registry, logger),
		tracker: tracker,
		logger:  logger,
	}
}

// Stats returns a snapshot of the cache counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Graphs:         m.graphs.Graphs(),
		Pipelines:      uint64(m.graphs.Pipelines()),
		PipelineHits:   m.hits.Load(),
		PipelineMisses: m.misses.Load(),
	}
}

// Instrumented reports whether the manager builds tracked chains.
func (m *Manager) Instrumented() bool { return !runtime.IsNop(m.tracker) }

// GraphOf returns the graph of handlers producing T.
func GraphOf[T any](m *Manager) (*Graph[T], error) {
	return GraphFor[T](m.graphs)
}

// For returns the pipeline for pc bound to pc and completion. The chain is
// fetched from the graph cache by fingerprint and built from the handlers
// accepting pc on a miss. ctx is passed to filters during the build.
func For[T any](ctx context.Context, m *Manager, pc Context, completion Completion[T]) (*CompiledPipeline[T], error) {
	if pc == nil {
		return nil, errNilContext
	}
	if completion == nil {
		return nil, errNilCompletion
	}

	graph, err := GraphOf[T](m)
	if err != nil {
		return nil, err
	}

	fingerprint := graph.Fingerprint(pc)
	pipeline, hit, err := graph.pipeline(fingerprint, func() (*UnboundPipeline[T], error) {
		nodes, err := graph.Nodes(ctx, pc)
		if err != nil {
			return nil, err
		}
		return newUnboundPipeline(fingerprint, nodes, m.tracker, graph.metadata), nil
	})
	if err != nil {
		return nil, err
	}

	if hit {
		m.hits.Add(1)
	} else {
		m.misses.Add(1)
		m.logger.Debug("pipeline built",
			slog.String("fingerprint", fingerprint),
			slog.Int("handlers", len(pipeline.handlers)),
			slog.Bool("instrumented", pipeline.instrumented))
	}
	telemetry.RecordCacheLookup(ctx, telemetry.CacheLookup{
		ResultType: reflect.TypeFor[T]().String(),
		Hit:        hit,
	})

	return pipeline.Bind(pc, completion), nil
}

// Invoke resolves the pipeline for pc and runs it once.
func Invoke[T any](ctx context.Context, m *Manager, pc Context, completion Completion[T]) (T, error) {
	p, err := For(ctx, m, pc, completion)
	if err != nil {
		var zero T
		return zero, err
	}
	return p.Invoke(ctx)
}
