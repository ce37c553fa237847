package engine_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-dispatch/pkg/domain"
	"github.com/polisai/polis-dispatch/pkg/engine"
)

func names(providers []engine.Provider) []string {
	out := make([]string, len(providers))
	for i, p := range providers {
		out[i] = p.Name
	}
	return out
}

func TestOrderPlacesDependenciesFirst(t *testing.T) {
	ordered, err := engine.Order([]engine.Provider{
		{Name: "Third", DependsOn: []string{"Second"}},
		{Name: "Second", DependsOn: []string{"First"}},
		{Name: "First"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"First", "Second", "Third"}, names(ordered))
}

func TestOrderKeepsIndependentProvidersInRegistrationOrder(t *testing.T) {
	ordered, err := engine.Order([]engine.Provider{
		{Name: "a"},
		{Name: "b"},
		{Name: "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names(ordered))
}

func TestOrderEmpty(t *testing.T) {
	ordered, err := engine.Order(nil)
	require.NoError(t, err)
	assert.Empty(t, ordered)
}

func TestOrderFailures(t *testing.T) {
	tests := []struct {
		name      string
		providers []engine.Provider
		target    error
		check     func(t *testing.T, err *domain.DependencyResolutionError)
	}{
		{
			name: "unknown dependency",
			providers: []engine.Provider{
				{Name: "audit", DependsOn: []string{"auth", "storage"}},
				{Name: "auth"},
			},
			target: domain.ErrUnknownDependency,
			check: func(t *testing.T, err *domain.DependencyResolutionError) {
				assert.Equal(t, "audit", err.Provider)
				assert.Equal(t, []string{"storage"}, err.Missing)
				assert.Contains(t, err.Error(), "missing dependencies")
			},
		},
		{
			name: "cycle",
			providers: []engine.Provider{
				{Name: "root"},
				{Name: "a", DependsOn: []string{"b"}},
				{Name: "b", DependsOn: []string{"a"}},
			},
			target: domain.ErrDependencyCycle,
			check: func(t *testing.T, err *domain.DependencyResolutionError) {
				assert.Equal(t, []string{"a", "b"}, err.Cycle)
			},
		},
		{
			name: "self dependency",
			providers: []engine.Provider{
				{Name: "loop", DependsOn: []string{"loop"}},
			},
			target: domain.ErrDependencyCycle,
		},
		{
			name: "duplicate name",
			providers: []engine.Provider{
				{Name: "auth"},
				{Name: "auth"},
			},
			target: domain.ErrDuplicateProvider,
			check: func(t *testing.T, err *domain.DependencyResolutionError) {
				assert.Equal(t, "auth", err.Provider)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ordered, err := engine.Order(tt.providers)
			require.Error(t, err)
			assert.Nil(t, ordered)
			assert.ErrorIs(t, err, tt.target)

			var resolution *domain.DependencyResolutionError
			require.True(t, errors.As(err, &resolution))
			if tt.check != nil {
				tt.check(t, resolution)
			}

			_, err = engine.NewRegistry(tt.providers...)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

// Every provider follows all of its transitive dependencies for any acyclic
// set. Providers may only depend on lower-numbered ones, then get shuffled.
func TestOrderSatisfiesDependenciesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "n")

		providers := make([]engine.Provider, n)
		for i := range providers {
			providers[i].Name = fmt.Sprintf("p%d", i)
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(t, fmt.Sprintf("dep_%d_%d", i, j)) {
					providers[i].DependsOn = append(providers[i].DependsOn, fmt.Sprintf("p%d", j))
				}
			}
		}
		perm := rapid.Permutation(providers).Draw(t, "registration")

		ordered, err := engine.Order(perm)
		if err != nil {
			t.Fatalf("order failed: %v", err)
		}
		if len(ordered) != n {
			t.Fatalf("expected %d providers, got %d", n, len(ordered))
		}

		position := make(map[string]int, n)
		for i, p := range ordered {
			position[p.Name] = i
		}
		for _, p := range ordered {
			for _, dep := range p.DependsOn {
				if position[dep] >= position[p.Name] {
					t.Fatalf("%s ordered before its dependency %s: %v", p.Name, dep, names(ordered))
				}
			}
		}
	})
}

func TestRegistryNamesAndProviders(t *testing.T) {
	registry, err := engine.NewRegistry(
		engine.Provider{Name: "b", DependsOn: []string{"a"}},
		engine.Provider{Name: "a"},
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, registry.Names())

	providers := registry.Providers()
	providers[0].Name = "mutated"
	assert.Equal(t, []string{"a", "b"}, registry.Names())
}
