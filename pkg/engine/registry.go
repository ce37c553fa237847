package engine

import (
	"fmt"
	"sort"

	"github.com/polisai/polis-dispatch/pkg/domain"
)

// Provider is a registrable unit of handlers. Its filters apply to every
// handler it declares; DependsOn names providers that must be ordered before
// it.
type Provider struct {
	Name      string
	DependsOn []string
	Filters   []Filter
	Handlers  []Handler
}

// Registry holds providers in dependency order. The order breaks ties between
// handlers that match the same context.
type Registry struct {
	providers []Provider
}

// NewRegistry orders providers and fails with a
// *domain.DependencyResolutionError when they cannot be ordered.
func NewRegistry(providers ...Provider) (*Registry, error) {
	ordered, err := Order(providers)
	if err != nil {
		return nil, err
	}
	return &Registry{providers: ordered}, nil
}

// Providers returns the ordered providers.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Names returns the ordered provider names.
func (r *Registry) Names() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name
	}
	return names
}

// Order returns providers such that every provider follows all of its direct
// and transitive dependencies. Providers are taken from a queue and emitted
// once their dependencies are emitted, otherwise re-queued; relative order of
// independent providers is the order in which they became eligible.
//
// Unknown dependencies, duplicate names and cycles fail with a
// *domain.DependencyResolutionError and no partial result.
func Order(providers []Provider) ([]Provider, error) {
	known := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		if _, dup := known[p.Name]; dup {
			return nil, &domain.DependencyResolutionError{Err: domain.ErrDuplicateProvider, Provider: p.Name}
		}
		known[p.Name] = struct{}{}
	}

	for _, p := range providers {
		var missing []string
		for _, dep := range p.DependsOn {
			if _, ok := known[dep]; !ok {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			return nil, &domain.DependencyResolutionError{
				Err:      domain.ErrUnknownDependency,
				Provider: p.Name,
				Missing:  missing,
			}
		}
	}

	queue := make([]Provider, len(providers))
	copy(queue, providers)
	emitted := make(map[string]struct{}, len(providers))
	ordered := make([]Provider, 0, len(providers))

	// stalled counts consecutive re-queues; a full pass without progress
	// means the remaining providers depend on each other.
	stalled := 0
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		if satisfied(p, emitted) {
			emitted[p.Name] = struct{}{}
			ordered = append(ordered, p)
			stalled = 0
			continue
		}

		queue = append(queue, p)
		stalled++
		if stalled >= len(queue) {
			return nil, &domain.DependencyResolutionError{
				Err:   domain.ErrDependencyCycle,
				Cycle: pendingNames(queue),
			}
		}
	}
	return ordered, nil
}

func satisfied(p Provider, emitted map[string]struct{}) bool {
	for _, dep := range p.DependsOn {
		if _, ok := emitted[dep]; !ok {
			return false
		}
	}
	return true
}

func pendingNames(queue []Provider) []string {
	names := make([]string, len(queue))
	for i, p := range queue {
		names[i] = p.Name
	}
	sort.Strings(names)
	return names
}

func (p Provider) String() string {
	return fmt.Sprintf("%s(%d handlers)", p.Name, len(p.Handlers))
}
