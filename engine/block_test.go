package engine

import (
	"testing"

	experiment "github.com/goliatone/go-experiment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopeVarIdentity(t *testing.T) {
	v := ScopeVar{BlockUUID: "b1", VarName: "model", DataType: experiment.KindModel, Alias: "clf.model"}
	assert.Equal(t, "b1:model", v.Key())
	assert.Equal(t, "clf.model", v.String())
	assert.True(t, v.Same(ScopeVar{BlockUUID: "b1", VarName: "model"}))
	assert.False(t, v.Same(ScopeVar{BlockUUID: "b1", VarName: "other"}))

	parsed, err := ParseScopeVar(v.Key())
	require.NoError(t, err)
	assert.True(t, parsed.Same(v))

	for _, bad := range []string{"", "b1", ":x", "b1:"} {
		_, err := ParseScopeVar(bad)
		assert.Error(t, err, bad)
	}
}

func TestScopeRegistersVarsOnce(t *testing.T) {
	sc := &Scope{Name: RootScope}
	v := ScopeVar{BlockUUID: "b1", VarName: "x"}
	assert.True(t, sc.RegisterVariable(v))
	assert.False(t, sc.RegisterVariable(ScopeVar{BlockUUID: "b1", VarName: "x", Alias: "again"}))
	sc.RegisterVariable(ScopeVar{BlockUUID: "b2", VarName: "y"})

	assert.Equal(t, 1, sc.RemoveVarsFromBlock("b1"))
	_, ok := sc.HasVar(v)
	assert.False(t, ok)
	assert.Len(t, sc.Vars, 1)
}

func TestMetaCellShadowsOutputs(t *testing.T) {
	b := &Block{
		UUID:    "m",
		OutData: map[string]experiment.Value{"item": scalar(0), "results": scalar(9)},
		Meta:    newMetaState(),
	}
	v, ok := b.Value("item")
	require.True(t, ok)
	assert.Equal(t, 0.0, asFloat(t, v))

	b.Meta.Sequence = []Cell{{"item": scalar(1)}, {"item": scalar(2)}}
	b.Meta.Iterator = 1
	v, ok = b.Value("item")
	require.True(t, ok)
	assert.Equal(t, 2.0, asFloat(t, v))
	v, ok = b.Value("results")
	require.True(t, ok)
	assert.Equal(t, 9.0, asFloat(t, v))

	_, ok = b.Value("missing")
	assert.False(t, ok)
}

func TestBlockCloneAndClear(t *testing.T) {
	b := &Block{
		UUID:    "b",
		Params:  map[string]any{"k": []any{"a"}},
		OutData: map[string]experiment.Value{"y": scalar(1)},
		Errors:  []string{"boom"},
		Job:     &JobRef{ID: "j"},
		Meta:    &MetaState{Iterator: 2, Sequence: []Cell{{}}, Collector: []CollectorEntry{{Name: "y"}}},
	}
	c := b.Clone()
	c.Params["k"] = "changed"
	c.OutData["y"] = scalar(5)
	assert.Equal(t, []any{"a"}, b.Params["k"])
	assert.Equal(t, 1.0, asFloat(t, b.OutData["y"]))

	b.ClearExecution()
	assert.Nil(t, b.OutData)
	assert.Nil(t, b.Errors)
	assert.Nil(t, b.Job)
	assert.Equal(t, -1, b.Meta.Iterator)
	assert.Len(t, b.Meta.Collector, 1, "the collector survives a reset")
}
