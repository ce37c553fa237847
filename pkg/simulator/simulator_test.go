package simulator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dispatch/pkg/domain"
	"github.com/polisai/polis-dispatch/pkg/engine"
	"github.com/polisai/polis-dispatch/pkg/engine/filters"
)

func newTestSimulator(t *testing.T) *Simulator {
	t.Helper()

	wrap := func(label string) engine.HandlerFunc[string] {
		return func(ctx context.Context, pc engine.Context, next engine.Next[string]) (string, error) {
			out, err := next.Invoke(ctx)
			if err != nil {
				return "", err
			}
			return label + "(" + out + ")", nil
		}
	}

	registry, err := engine.NewRegistry(
		engine.Provider{
			Name:      "audit",
			DependsOn: []string{"auth"},
			Handlers:  []engine.Handler{engine.Handle[string]("record", wrap("audit"))},
		},
		engine.Provider{
			Name:    "auth",
			Filters: []engine.Filter{filters.Method("POST")},
			Handlers: []engine.Handler{
				engine.Handle1[string, string]("check", "user", func(ctx context.Context, user string, pc engine.Context, next engine.Next1[string, string]) (string, error) {
					if user == "" {
						return "", errors.New("anonymous write")
					}
					pc.Set("authorized", true)
					return next.Invoke(ctx)
				}),
			},
		},
	)
	require.NoError(t, err)

	return New(Config{
		Registry: registry,
		Completion: func(context.Context, engine.Context) (string, error) {
			return "stored", nil
		},
	})
}

func TestSimulateTracesEveryHop(t *testing.T) {
	sim := newTestSimulator(t)

	resp, err := sim.Simulate(context.Background(), domain.SimulationRequest{
		RunID:   "run-1",
		Context: map[string]any{"method": "post", "user": "ada"},
	})
	require.NoError(t, err)

	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, []string{"auth", "audit"}, resp.Order)
	assert.Equal(t, []string{"method"}, resp.ProbedKeys)
	assert.Len(t, resp.Matched, 2)
	assert.Equal(t, "audit(stored)", resp.Result)
	assert.Empty(t, resp.Error)
	assert.Equal(t, true, resp.FinalContext["authorized"])

	require.Len(t, resp.Trace, 3)
	assert.Contains(t, resp.Trace[0].Handler, "auth.check")
	assert.Contains(t, resp.Trace[1].Handler, "audit.record")
	assert.Equal(t, "completion", resp.Trace[2].Handler)
	for _, e := range resp.Trace {
		assert.Equal(t, "ok", e.Outcome)
		assert.NotEmpty(t, e.Duration)
		assert.Equal(t, "post", e.Metadata["method"])
	}
}

func TestSimulateReportsHandlerErrors(t *testing.T) {
	sim := newTestSimulator(t)

	resp, err := sim.Simulate(context.Background(), domain.SimulationRequest{
		Context: map[string]any{"method": "POST", "user": ""},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, "anonymous write", resp.Error)
	require.Len(t, resp.Trace, 1)
	assert.Equal(t, "error", resp.Trace[0].Outcome)
	assert.Equal(t, "anonymous write", resp.Trace[0].Error)
}

func TestExplainDoesNotRun(t *testing.T) {
	sim := newTestSimulator(t)

	resp, err := sim.Explain(context.Background(), domain.SimulationRequest{
		Context: map[string]any{"method": "GET"},
	})
	require.NoError(t, err)

	assert.Len(t, resp.Handlers, 2)
	require.Len(t, resp.Matched, 1)
	assert.Contains(t, resp.Matched[0], "audit.record")
	assert.Contains(t, resp.Chain, resp.Fingerprint)
	assert.Empty(t, resp.Trace)
	assert.Nil(t, resp.FinalContext)
}

func TestSimulateReusesChainsAcrossRuns(t *testing.T) {
	sim := newTestSimulator(t)
	ctx := context.Background()

	for _, user := range []string{"ada", "grace", "linus"} {
		_, err := sim.Simulate(ctx, domain.SimulationRequest{
			Context: map[string]any{"method": "POST", "user": user},
		})
		require.NoError(t, err)
	}

	stats := sim.Manager().Stats()
	assert.Equal(t, uint64(1), stats.Pipelines)
	assert.Equal(t, uint64(2), stats.PipelineHits)
}
