// Package simulator runs contexts through a registry of string-producing
// handlers and reports how the engine selected, chained and executed them.
package simulator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-dispatch/pkg/domain"
	"github.com/polisai/polis-dispatch/pkg/engine"
	"github.com/polisai/polis-dispatch/pkg/engine/runtime"
	"github.com/polisai/polis-dispatch/pkg/telemetry"
)

// Config holds dependencies for creating a Simulator.
type Config struct {
	Registry *engine.Registry
	// Completion is the terminal step of every simulated pipeline.
	Completion engine.Completion[string]
	// Tracker receives every hop in addition to the simulation trace.
	Tracker runtime.Tracker
	Logger  *slog.Logger
}

// Simulator executes pipelines and traces every hop. Chains are cached
// across runs like in any other manager.
type Simulator struct {
	registry   *engine.Registry
	manager    *engine.Manager
	completion engine.Completion[string]
	logger     *slog.Logger
}

// New creates a new pipeline simulator.
func New(cfg Config) *Simulator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	completion := cfg.Completion
	if completion == nil {
		completion = func(context.Context, engine.Context) (string, error) { return "", nil }
	}

	return &Simulator{
		registry: cfg.Registry,
		manager: engine.NewManager(engine.ManagerConfig{
			Registry: cfg.Registry,
			Tracker:  runtime.MultiTracker{traceTracker{}, cfg.Tracker},
			Logger:   logger,
		}),
		completion: completion,
		logger:     logger,
	}
}

// Manager returns the manager the simulator dispatches through.
func (s *Simulator) Manager() *engine.Manager { return s.manager }

// Registry returns the ordered providers.
func (s *Simulator) Registry() *engine.Registry { return s.registry }

// Explain resolves the pipeline for req.Context without running it.
func (s *Simulator) Explain(ctx context.Context, req domain.SimulationRequest) (*domain.SimulationResponse, error) {
	resp, _, err := s.prepare(ctx, req)
	return resp, err
}

// Simulate resolves and runs the pipeline for req.Context. A handler error
// is reported in the response rather than returned; the trace still covers
// every hop that ran.
func (s *Simulator) Simulate(ctx context.Context, req domain.SimulationRequest) (*domain.SimulationResponse, error) {
	resp, pipeline, err := s.prepare(ctx, req)
	if err != nil {
		return resp, err
	}

	s.logger.Info("starting pipeline simulation",
		slog.String("run_id", resp.RunID),
		slog.String("fingerprint", resp.Fingerprint))

	rec := &recorder{}
	result, runErr := pipeline.Invoke(withRecorder(ctx, rec))

	resp.Result = result
	if runErr != nil {
		resp.Error = runErr.Error()
	}
	resp.FinalContext = engine.Snapshot(pipeline.Context())
	resp.Trace = rec.trace()

	s.logger.Info("pipeline simulation complete",
		slog.String("run_id", resp.RunID),
		slog.Int("trace_length", len(resp.Trace)),
		slog.Bool("failed", runErr != nil))

	return resp, nil
}

func (s *Simulator) prepare(ctx context.Context, req domain.SimulationRequest) (*domain.SimulationResponse, *engine.CompiledPipeline[string], error) {
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	resp := &domain.SimulationResponse{RunID: runID}
	if s.registry != nil {
		resp.Order = s.registry.Names()
	}

	graph, err := engine.GraphOf[string](s.manager)
	if err != nil {
		return resp, nil, err
	}
	resp.Handlers = graph.Signatures()
	resp.ProbedKeys = graph.ProbedKeys()

	pc := engine.FromMap(req.Context)
	resp.Fingerprint = graph.Fingerprint(pc)

	matched, err := graph.Nodes(ctx, pc)
	if err != nil {
		return resp, nil, err
	}
	for _, n := range matched {
		resp.Matched = append(resp.Matched, n.Signature())
	}

	pipeline, err := engine.For(ctx, s.manager, pc, s.completion)
	if err != nil {
		return resp, nil, err
	}
	resp.Chain = pipeline.Pipeline().String()
	return resp, pipeline, nil
}

type recorderKey struct{}

func withRecorder(ctx context.Context, rec *recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, rec)
}

// recorder collects the hops of one run in start order.
type recorder struct {
	mu      sync.Mutex
	entries []domain.TraceEntry
}

func (r *recorder) start(handler string, metadata map[string]string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, domain.TraceEntry{Handler: handler, Metadata: metadata})
	return len(r.entries) - 1
}

func (r *recorder) end(i int, d time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &r.entries[i]
	e.Outcome = string(telemetry.OutcomeOf(err))
	e.Duration = d.String()
	if err != nil {
		e.Error = err.Error()
	}
}

func (r *recorder) trace() []domain.TraceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TraceEntry(nil), r.entries...)
}

// traceTracker records hops into the recorder carried by the call context.
// Calls without a recorder are not traced.
type traceTracker struct{}

func (traceTracker) Track(ctx context.Context, name string, metadata map[string]string) (context.Context, runtime.Scope) {
	rec, ok := ctx.Value(recorderKey{}).(*recorder)
	if !ok {
		return runtime.NopTracker{}.Track(ctx, name, metadata)
	}

	handler := metadata[runtime.MetadataHandler]
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if k != runtime.MetadataHandler {
			meta[k] = v
		}
	}
	return ctx, &traceScope{rec: rec, index: rec.start(handler, meta), started: time.Now()}
}

type traceScope struct {
	rec     *recorder
	index   int
	started time.Time
}

func (s *traceScope) End(err error) {
	s.rec.end(s.index, time.Since(s.started), err)
}
