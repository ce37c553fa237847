package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-dispatch/pkg/domain"
	"github.com/polisai/polis-dispatch/pkg/engine"
)

func TestMapContextOperations(t *testing.T) {
	pc := engine.NewContext(engine.P("id", 42), engine.P("name", "Foo"))

	assert.Equal(t, 42, pc.Get("id"))
	assert.Nil(t, pc.Get("missing"))

	_, ok := pc.TryGet("missing")
	assert.False(t, ok)

	pc.Set("nil", nil)
	v, ok := pc.TryGet("nil")
	assert.True(t, ok)
	assert.Nil(t, v)

	require.NoError(t, pc.Add("method", "GET"))
	assert.ErrorIs(t, pc.Add("method", "POST"), domain.ErrDuplicateKey)
	assert.Equal(t, "GET", pc.Get("method"))

	pc.Remove("nil")
	assert.Equal(t, []string{"id", "method", "name"}, pc.Keys())
}

func TestMapContextReplaceIsAllOrNothing(t *testing.T) {
	pc := engine.NewContext(engine.P("id", 42), engine.P("name", "Foo"))

	err := pc.Replace(engine.P("id", 50), engine.P("missing", true))
	assert.ErrorIs(t, err, domain.ErrMissingKey)
	assert.Equal(t, 42, pc.Get("id"))

	require.NoError(t, pc.Replace(engine.P("id", 50), engine.P("name", "OPPS")))
	assert.Equal(t, 50, pc.Get("id"))
	assert.Equal(t, "OPPS", pc.Get("name"))
}

func TestZeroMapContextIsUsable(t *testing.T) {
	var pc engine.MapContext
	assert.Empty(t, pc.Keys())
	require.NoError(t, pc.Add("k", 1))
	pc.Set("j", 2)
	assert.Equal(t, map[string]any{"j": 2, "k": 1}, pc.Snapshot())
}

func TestFromMapCopies(t *testing.T) {
	src := map[string]any{"id": 1}
	pc := engine.FromMap(src)
	pc.Set("id", 2)

	assert.Equal(t, 1, src["id"])
	assert.Equal(t, map[string]any{"id": 2}, engine.Snapshot(pc))
}

func TestMapContextString(t *testing.T) {
	pc := engine.NewContext(engine.P("b", 2), engine.P("a", "x"))
	assert.Equal(t, "*engine.MapContext\n  -> a == x\n  -> b == 2", pc.String())
}
