package policy

import (
	"context"
	"fmt"

	"github.com/polisai/polis-dispatch/pkg/engine"
)

// DefaultAxis is the filter axis of a RegoFilter unless overridden.
const DefaultAxis = "policy"

// RegoFilter selects handlers by a Rego decision over declared context keys.
// The decision input is an object holding each present key; absent keys are
// left out.
type RegoFilter struct {
	engine *Engine
	axis   string
	entry  string
	keys   []string
}

// FilterOptions configure a RegoFilter.
type FilterOptions struct {
	// Axis groups the filter with others on the same node. Defaults to
	// DefaultAxis.
	Axis string
	// Entrypoint overrides the engine's default decision path.
	Entrypoint string
	// Keys are the context keys exposed to the policy as input.
	Keys []string
}

// NewRegoFilter builds a filter evaluating opts.Entrypoint on e.
func NewRegoFilter(ctx context.Context, e *Engine, opts FilterOptions) (*RegoFilter, error) {
	if e == nil {
		return nil, fmt.Errorf("rego filter: nil engine")
	}
	axis := opts.Axis
	if axis == "" {
		axis = DefaultAxis
	}
	entry := opts.Entrypoint
	if entry == "" {
		entry = e.Entrypoint()
	}
	if _, err := e.prepared(ctx, entry); err != nil {
		return nil, fmt.Errorf("rego filter %q: %w", entry, err)
	}
	return &RegoFilter{
		engine: e,
		axis:   axis,
		entry:  entry,
		keys:   append([]string(nil), opts.Keys...),
	}, nil
}

func (f *RegoFilter) Axis() string { return f.axis }

func (f *RegoFilter) Accepts(ctx context.Context, pc engine.Context) (bool, error) {
	input := make(map[string]any, len(f.keys))
	for _, k := range f.keys {
		if v, ok := pc.TryGet(k); ok {
			input[k] = v
		}
	}
	return f.engine.Allowed(ctx, f.entry, input)
}

func (f *RegoFilter) String() string {
	return fmt.Sprintf("rego %s over %v", f.entry, f.keys)
}
