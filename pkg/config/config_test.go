package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dispatch/pkg/engine"
)

const orderingManifest = `
logging:
  level: debug
completion: done
providers:
  - name: third
    depends_on: [second]
    handlers:
      - name: run
        wrap: "third({next})"
  - name: first
    handlers:
      - name: run
        wrap: "first({next})"
  - name: second
    depends_on: [first]
    filters:
      - type: method
        values: [GET]
    handlers:
      - name: run
        wrap: "second({next})"
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadManifest(t *testing.T) {
	m, err := Load(writeManifest(t, orderingManifest))
	require.NoError(t, err)

	assert.Equal(t, "debug", m.Logging.Level)
	assert.Equal(t, "done", m.Completion)
	require.Len(t, m.Providers, 3)
	assert.Equal(t, []string{"second"}, m.Providers[0].DependsOn)
	assert.True(t, m.Providers[0].Handlers[0].Forwards())
}

func TestParseDefaults(t *testing.T) {
	m, err := Parse([]byte(`providers: []`))
	require.NoError(t, err)

	assert.Equal(t, "info", m.Logging.Level)
	assert.Equal(t, DefaultCompletion, m.Completion)
}

func TestManifestValidation(t *testing.T) {
	tests := []struct {
		name        string
		manifest    string
		expectedErr string
	}{
		{
			name:        "invalid log level",
			manifest:    "logging:\n  level: loud\n",
			expectedErr: "invalid log level",
		},
		{
			name:        "missing provider name",
			manifest:    "providers:\n  - handlers: []\n",
			expectedErr: "provider name is required",
		},
		{
			name:        "duplicate provider",
			manifest:    "providers:\n  - name: a\n  - name: a\n",
			expectedErr: `provider "a" declared twice`,
		},
		{
			name:        "unknown filter type",
			manifest:    "providers:\n  - name: a\n    filters:\n      - type: header\n",
			expectedErr: `unknown filter type "header"`,
		},
		{
			name:        "property filter without pattern",
			manifest:    "providers:\n  - name: a\n    filters:\n      - type: property\n        key: id\n",
			expectedErr: "requires key and pattern",
		},
		{
			name:        "too many params",
			manifest:    "providers:\n  - name: a\n    handlers:\n      - name: h\n        params: [a, b, c, d]\n",
			expectedErr: "at most 3",
		},
		{
			name:        "partial overrides",
			manifest:    "providers:\n  - name: a\n    handlers:\n      - name: h\n        params: [a, b]\n        with: [1]\n",
			expectedErr: "overrides 1 of 2 parameters",
		},
		{
			name:        "overrides without forwarding",
			manifest:    "providers:\n  - name: a\n    handlers:\n      - name: h\n        params: [a]\n        with: [1]\n        forward: false\n",
			expectedErr: "does not forward",
		},
		{
			name:        "rate limit without rate",
			manifest:    "providers:\n  - name: a\n    handlers:\n      - name: h\n        rate_limit:\n          burst: 2\n",
			expectedErr: "positive requests_per_second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.manifest))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedErr)
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PIPELINES_LOG_LEVEL", "WARN")
	t.Setenv("PIPELINES_OTLP_ENDPOINT", "localhost:4317")
	t.Setenv("PIPELINES_OTLP_INSECURE", "true")
	t.Setenv("PIPELINES_METRICS_ADDR", ":9464")

	m, err := Parse([]byte("logging:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "warn", m.Logging.Level)
	assert.Equal(t, "localhost:4317", m.Telemetry.OTLPEndpoint)
	assert.True(t, m.Telemetry.Insecure)
	assert.Equal(t, ":9464", m.Telemetry.MetricsAddr)
}

func TestProvidersRunInDependencyOrder(t *testing.T) {
	m, err := Parse([]byte(orderingManifest))
	require.NoError(t, err)

	providers, err := m.BuildProviders(context.Background())
	require.NoError(t, err)

	registry, err := engine.NewRegistry(providers...)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, registry.Names())

	manager := engine.NewManager(engine.ManagerConfig{Registry: registry})

	get, err := engine.Invoke(context.Background(), manager, engine.NewContext(engine.P("method", "GET")), m.CompletionFunc())
	require.NoError(t, err)
	assert.Equal(t, "first(second(third(done)))", get)

	post, err := engine.Invoke(context.Background(), manager, engine.NewContext(engine.P("method", "POST")), m.CompletionFunc())
	require.NoError(t, err)
	assert.Equal(t, "first(third(done))", post)
}

func TestScriptedHandlers(t *testing.T) {
	m, err := Parse([]byte(`
providers:
  - name: rewrite
    handlers:
      - name: forward
        params: [id, name]
        with: [50, OPPS]
        set:
          touched: true
  - name: target
    depends_on: [rewrite]
    handlers:
      - name: guard
        params: [id]
        filters:
          - type: glob
            key: path
            values: ["/docs/**"]
        forward: false
        result: blocked
`))
	require.NoError(t, err)

	providers, err := m.BuildProviders(context.Background())
	require.NoError(t, err)
	registry, err := engine.NewRegistry(providers...)
	require.NoError(t, err)
	manager := engine.NewManager(engine.ManagerConfig{Registry: registry})

	pc := engine.NewContext(engine.P("id", 42), engine.P("name", "Foo"), engine.P("path", "/docs/a/b"))
	out, err := engine.Invoke(context.Background(), manager, pc, m.CompletionFunc())
	require.NoError(t, err)
	assert.Equal(t, "blocked", out)
	assert.Equal(t, 50, pc.Get("id"))
	assert.Equal(t, "OPPS", pc.Get("name"))
	assert.Equal(t, true, pc.Get("touched"))

	other := engine.NewContext(engine.P("id", 1), engine.P("name", "Bar"), engine.P("path", "/api"))
	out, err = engine.Invoke(context.Background(), manager, other, m.CompletionFunc())
	require.NoError(t, err)
	assert.Equal(t, DefaultCompletion, out)
}

func TestScriptedHandlerError(t *testing.T) {
	m, err := Parse([]byte(`
providers:
  - name: failing
    handlers:
      - name: boom
        error: storage unavailable
`))
	require.NoError(t, err)

	providers, err := m.BuildProviders(context.Background())
	require.NoError(t, err)
	registry, err := engine.NewRegistry(providers...)
	require.NoError(t, err)
	manager := engine.NewManager(engine.ManagerConfig{Registry: registry})

	_, err = engine.Invoke(context.Background(), manager, engine.NewContext(), m.CompletionFunc())
	require.Error(t, err)
	assert.Equal(t, "storage unavailable", err.Error())
}

func TestRateLimitedHandler(t *testing.T) {
	m, err := Parse([]byte(`
completion: stored
providers:
  - name: api
    handlers:
      - name: throttle
        rate_limit:
          requests_per_second: 0.001
          burst: 2
          result: slow down
`))
	require.NoError(t, err)

	providers, err := m.BuildProviders(context.Background())
	require.NoError(t, err)
	registry, err := engine.NewRegistry(providers...)
	require.NoError(t, err)
	manager := engine.NewManager(engine.ManagerConfig{Registry: registry})

	var results []string
	for i := 0; i < 3; i++ {
		out, err := engine.Invoke(context.Background(), manager, engine.NewContext(), m.CompletionFunc())
		require.NoError(t, err)
		results = append(results, out)
	}
	assert.Equal(t, []string{"stored", "stored", "slow down"}, results)
}

func TestRegoFilterFromManifest(t *testing.T) {
	m, err := Parse([]byte(`
policy:
  entrypoint: pipelines/allow
  modules:
    pipelines.rego: |
      package pipelines

      default allow := false

      allow if input.role == "admin"
providers:
  - name: admin
    handlers:
      - name: audit
        filters:
          - type: rego
            keys: [role]
        wrap: "audited({next})"
`))
	require.NoError(t, err)

	providers, err := m.BuildProviders(context.Background())
	require.NoError(t, err)
	registry, err := engine.NewRegistry(providers...)
	require.NoError(t, err)
	manager := engine.NewManager(engine.ManagerConfig{Registry: registry})

	admin, err := engine.Invoke(context.Background(), manager, engine.NewContext(engine.P("role", "admin")), m.CompletionFunc())
	require.NoError(t, err)
	assert.Equal(t, "audited(completed)", admin)

	guest, err := engine.Invoke(context.Background(), manager, engine.NewContext(engine.P("role", "guest")), m.CompletionFunc())
	require.NoError(t, err)
	assert.Equal(t, "completed", guest)
}

func TestRegoFilterRequiresModules(t *testing.T) {
	m, err := Parse([]byte(`
providers:
  - name: admin
    filters:
      - type: rego
        keys: [role]
`))
	require.NoError(t, err)

	_, err = m.BuildProviders(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without policy modules")
}

func TestFileProviderReloadsOnWrite(t *testing.T) {
	path := writeManifest(t, "completion: v1\n")

	p, err := NewFileProvider(FileProviderConfig{Path: path, Debounce: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	updates := p.Subscribe()
	first := <-updates
	assert.Equal(t, "v1", first.Completion)

	require.NoError(t, os.WriteFile(path, []byte("completion: v2\n"), 0o600))

	select {
	case m := <-updates:
		assert.Equal(t, "v2", m.Completion)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for manifest reload")
	}
	assert.Equal(t, "v2", p.Current().Completion)
}

func TestFileProviderRejectsInvalidInitialManifest(t *testing.T) {
	_, err := NewFileProvider(FileProviderConfig{Path: writeManifest(t, "logging:\n  level: loud\n")})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid log level"))
	assert.False(t, errors.Is(err, os.ErrNotExist))
}
