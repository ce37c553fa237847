package engine

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// Graph is the full set of compiled handlers producing T, in registry order,
// together with the fingerprint and metadata generators derived from probing
// their filters and the cache of chains built per fingerprint.
type Graph[T any] struct {
	nodes         []*MethodNode[T]
	fingerprinter *Fingerprinter
	metadata      metadataGenerator

	mu        sync.RWMutex
	pipelines map[string]*UnboundPipeline[T]
}

// NewGraph compiles the handlers of providers that produce T. Providers are
// taken in the given order; use a Registry to order them by dependency.
func NewGraph[T any](providers []Provider) (*Graph[T], error) {
	resultType := reflect.TypeFor[T]()

	var nodes []*MethodNode[T]
	for _, p := range providers {
		for _, h := range p.Handlers {
			if h == nil || h.ResultType() != resultType {
				continue
			}
			node, err := compile[T](p.Name, h, p.Filters)
			if err != nil {
				return nil, fmt.Errorf("compile provider %q: %w", p.Name, err)
			}
			nodes = append(nodes, node)
		}
	}

	probe := newProbeContext()
	for _, n := range nodes {
		if err := n.visit(context.Background(), probe); err != nil {
			return nil, fmt.Errorf("probe %s: %w", n.signature, err)
		}
	}
	keys := probe.probed()

	return &Graph[T]{
		nodes:         nodes,
		fingerprinter: &Fingerprinter{keys: keys},
		metadata:      metadataGenerator{keys: keys},
		pipelines:     make(map[string]*UnboundPipeline[T]),
	}, nil
}

// Len returns the number of compiled handlers.
func (g *Graph[T]) Len() int { return len(g.nodes) }

// Signatures lists every compiled handler in graph order.
func (g *Graph[T]) Signatures() []string {
	out := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.signature
	}
	return out
}

// ProbedKeys returns the context keys that influence node selection.
func (g *Graph[T]) ProbedKeys() []string { return g.fingerprinter.Keys() }

// Fingerprint identifies the chain pc resolves to.
func (g *Graph[T]) Fingerprint(pc Context) string { return g.fingerprinter.Fingerprint(pc) }

// Metadata projects the probed values of pc for measurements.
func (g *Graph[T]) Metadata(pc Context) map[string]string { return g.metadata.generate(pc) }

// Nodes returns the handlers accepting pc, in graph order. Filter errors
// abort the selection.
func (g *Graph[T]) Nodes(ctx context.Context, pc Context) ([]*MethodNode[T], error) {
	var matched []*MethodNode[T]
	for _, n := range g.nodes {
		ok, err := n.Accepts(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("select %s: %w", n.signature, err)
		}
		if ok {
			matched = append(matched, n)
		}
	}
	return matched, nil
}

// pipeline returns the chain cached for fingerprint, building it on a miss.
// Concurrent misses may build twice; the first stored chain is kept.
func (g *Graph[T]) pipeline(fingerprint string, build func() (*UnboundPipeline[T], error)) (*UnboundPipeline[T], bool, error) {
	g.mu.RLock()
	if p, ok := g.pipelines[fingerprint]; ok {
		g.mu.RUnlock()
		return p, true, nil
	}
	g.mu.RUnlock()

	built, err := build()
	if err != nil {
		return nil, false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Another goroutine may have already built the chain; respect first entry.
	if existing, ok := g.pipelines[fingerprint]; ok {
		return existing, true, nil
	}
	g.pipelines[fingerprint] = built
	return built, false, nil
}

// CachedPipelines returns the number of chains built so far.
func (g *Graph[T]) CachedPipelines() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.pipelines)
}

// GraphFactory builds and memoizes one Graph per result type.
type GraphFactory struct {
	registry *Registry
	logger   *slog.Logger

	mu     sync.RWMutex
	graphs map[reflect.Type]any
}

// NewGraphFactory creates a factory over the providers of registry.
func NewGraphFactory(registry *Registry, logger *slog.Logger) *GraphFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphFactory{
		registry: registry,
		logger:   logger,
		graphs:   make(map[reflect.Type]any),
	}
}

// GraphFor returns the graph for result type T, building it on first use.
// Build failures are returned to every caller and never cached.
func GraphFor[T any](f *GraphFactory) (*Graph[T], error) {
	key := reflect.TypeFor[T]()

	f.mu.RLock()
	if g, ok := f.graphs[key]; ok {
		f.mu.RUnlock()
		return g.(*Graph[T]), nil
	}
	f.mu.RUnlock()

	var providers []Provider
	if f.registry != nil {
		providers = f.registry.providers
	}
	built, err := NewGraph[T](providers)
	if err != nil {
		f.logger.Error("pipeline graph build failed",
			slog.String("result_type", key.String()),
			slog.Any("error", err))
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.graphs[key]; ok {
		return existing.(*Graph[T]), nil
	}
	f.graphs[key] = built

	f.logger.Info("pipeline graph built",
		slog.String("result_type", key.String()),
		slog.Int("handlers", built.Len()),
		slog.Any("probed_keys", built.ProbedKeys()))
	return built, nil
}

// Pipelines returns the number of chains cached across every graph.
func (f *GraphFactory) Pipelines() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	total := 0
	for _, g := range f.graphs {
		if c, ok := g.(interface{ CachedPipelines() int }); ok {
			total += c.CachedPipelines()
		}
	}
	return total
}

// Graphs returns the number of result types with a built graph.
func (f *GraphFactory) Graphs() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.graphs)
}
