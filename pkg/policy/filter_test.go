package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dispatch/pkg/engine"
)

const routingModule = `package pipelines

default allow := false

allow if input.role == "admin"

allow if {
	input.role == "editor"
	input.method == "GET"
}

large if input.size > 1000

label := "not a boolean"
`

func newTestEngine(t *testing.T, cacheEntries int) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), EngineOptions{
		Modules:         map[string]string{"pipelines.rego": routingModule},
		CacheMaxEntries: cacheEntries,
	})
	require.NoError(t, err)
	return e
}

func TestEngineAllowed(t *testing.T) {
	e := newTestEngine(t, 0)
	ctx := context.Background()
	assert.Equal(t, "pipelines/allow", e.Entrypoint())

	tests := []struct {
		name  string
		entry string
		input map[string]any
		want  bool
	}{
		{"admin", "", map[string]any{"role": "admin"}, true},
		{"editor read", "", map[string]any{"role": "editor", "method": "GET"}, true},
		{"editor write", "", map[string]any{"role": "editor", "method": "POST"}, false},
		{"no input", "", map[string]any{}, false},
		{"undefined rule", "pipelines/large", map[string]any{"size": 10}, false},
		{"defined rule", "pipelines/large", map[string]any{"size": 4096}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Allowed(ctx, tt.entry, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEngineRejectsNonBooleanDecisions(t *testing.T) {
	e := newTestEngine(t, 0)
	_, err := e.Allowed(context.Background(), "pipelines/label", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected result type")
}

func TestNewEngineErrors(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{})
	assert.Error(t, err)

	_, err = NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"broken.rego": "package pipelines\n\nallow if {"},
	})
	assert.Error(t, err)
}

func TestDecisionCache(t *testing.T) {
	e := newTestEngine(t, 2)
	ctx := context.Background()

	for _, role := range []string{"admin", "guest", "admin", "editor"} {
		_, err := e.Allowed(ctx, "", map[string]any{"role": role})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, e.cache.Len())

	e.FlushCache()
	assert.Zero(t, e.cache.Len())

	disabled := newTestEngine(t, -1)
	_, err := disabled.Allowed(ctx, "", map[string]any{"role": "admin"})
	require.NoError(t, err)
	assert.Nil(t, disabled.cache)
}

func TestCacheKeyDistinguishesTypes(t *testing.T) {
	assert.NotEqual(t,
		buildCacheKey("p/allow", map[string]any{"id": 1}),
		buildCacheKey("p/allow", map[string]any{"id": "1"}))
	assert.Equal(t,
		buildCacheKey("p/allow", map[string]any{"a": 1, "b": 2}),
		buildCacheKey("p/allow", map[string]any{"b": 2, "a": 1}))
}

func TestRegoFilter(t *testing.T) {
	e := newTestEngine(t, 0)
	ctx := context.Background()

	f, err := NewRegoFilter(ctx, e, FilterOptions{Keys: []string{"role", "method"}})
	require.NoError(t, err)
	assert.Equal(t, DefaultAxis, f.Axis())
	assert.Equal(t, "rego pipelines/allow over [role method]", f.String())

	ok, err := f.Accepts(ctx, engine.NewContext(engine.P("role", "editor"), engine.P("method", "GET"), engine.P("role2", "x")))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Accepts(ctx, engine.NewContext(engine.P("method", "GET")))
	require.NoError(t, err)
	assert.False(t, ok)

	custom, err := NewRegoFilter(ctx, e, FilterOptions{Axis: "size", Entrypoint: "pipelines/large", Keys: []string{"size"}})
	require.NoError(t, err)
	assert.Equal(t, "size", custom.Axis())
	ok, err = custom.Accepts(ctx, engine.NewContext(engine.P("size", 2048)))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = NewRegoFilter(ctx, nil, FilterOptions{})
	assert.Error(t, err)
}

func TestRegoFilterSelectsHandlers(t *testing.T) {
	e := newTestEngine(t, 0)
	ctx := context.Background()

	f, err := NewRegoFilter(ctx, e, FilterOptions{Keys: []string{"role"}})
	require.NoError(t, err)

	registry, err := engine.NewRegistry(engine.Provider{
		Name: "admin",
		Handlers: []engine.Handler{
			engine.Handle[string]("console", func(ctx context.Context, pc engine.Context, next engine.Next[string]) (string, error) {
				return "console", nil
			}, f),
		},
	})
	require.NoError(t, err)
	m := engine.NewManager(engine.ManagerConfig{Registry: registry})
	done := func(context.Context, engine.Context) (string, error) { return "public", nil }

	out, err := engine.Invoke(ctx, m, engine.NewContext(engine.P("role", "admin")), done)
	require.NoError(t, err)
	assert.Equal(t, "console", out)

	out, err = engine.Invoke(ctx, m, engine.NewContext(engine.P("role", "guest")), done)
	require.NoError(t, err)
	assert.Equal(t, "public", out)

	graph, err := engine.GraphOf[string](m)
	require.NoError(t, err)
	assert.Equal(t, []string{"role"}, graph.ProbedKeys())
}
