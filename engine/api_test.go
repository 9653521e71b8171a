package engine

import (
	"encoding/json"
	"testing"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/fsm"
	"github.com/goliatone/go-experiment/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndDeleteExperiment(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.CreateExperimentWithID(h.ctx, "exp-1", "first")
	require.NoError(t, err)
	_, err = h.engine.CreateExperimentWithID(h.ctx, "exp-1", "again")
	assert.True(t, experiment.IsConfiguration(err))

	ids, err := h.engine.Experiments(h.ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, "exp-1")
	assert.Contains(t, ids, h.expID)

	root, err := h.engine.Scope(h.ctx, "exp-1", RootScope)
	require.NoError(t, err)
	assert.True(t, root.IsRoot())

	r := h.add(RootScope, "remote", "r", nil)
	h.run(RootScope, true)
	job, ok := h.runner.Find(r.UUID)
	require.True(t, ok)

	require.NoError(t, h.engine.DeleteExperiment(h.ctx, h.expID))
	assert.True(t, h.runner.Revoked(job.ID))
	_, err = h.engine.Block(h.ctx, h.expID, r.UUID)
	assert.True(t, experiment.IsNotFound(err))
	require.NoError(t, h.runner.Complete(h.ctx, job, tasks.Result{}), "late callbacks for deleted experiments are dropped")
}

func TestAddBlockAssignsAliasAndRegistersOutputs(t *testing.T) {
	h := newHarness(t)
	first := h.add(RootScope, "number", "", nil)
	second := h.add(RootScope, "number", "", nil)
	assert.Equal(t, "number_1", first.Alias)
	assert.Equal(t, "number_2", second.Alias)
	assert.Equal(t, fsm.StateReady, first.State)
	assert.Equal(t, 1.0, first.Params["value"], "defaults are applied")

	root, err := h.engine.Scope(h.ctx, h.expID, RootScope)
	require.NoError(t, err)
	assert.Equal(t, []string{first.UUID, second.UUID}, root.Blocks)
	v, ok := root.HasVar(ScopeVar{BlockUUID: first.UUID, VarName: "value"})
	require.True(t, ok)
	assert.Equal(t, experiment.KindScalar, v.DataType)
	assert.Equal(t, "number_1.value", v.Alias)

	_, err = h.engine.AddBlock(h.ctx, h.expID, BlockSpec{Kind: "number", Alias: "number_1"})
	assert.True(t, experiment.IsConfiguration(err))

	_, err = h.engine.AddBlock(h.ctx, h.expID, BlockSpec{Kind: "nope"})
	assert.True(t, experiment.IsNotFound(err))

	_, err = h.engine.AddBlock(h.ctx, h.expID, BlockSpec{Kind: "number", Scope: "elsewhere"})
	assert.True(t, experiment.IsNotFound(err))

	_, err = h.engine.AddBlock(h.ctx, "no-such-experiment", BlockSpec{Kind: "number"})
	assert.True(t, experiment.IsNotFound(err))
}

func TestAddMetaBlockCreatesSubScope(t *testing.T) {
	h := newHarness(t)
	a := h.add(RootScope, "number", "a", nil)
	loop := h.add(RootScope, "loop", "loop", nil)
	require.Equal(t, SubScopeName(loop.UUID), loop.SubScope)
	require.NotNil(t, loop.Meta)
	assert.Equal(t, -1, loop.Meta.Iterator)

	sub, err := h.engine.Scope(h.ctx, h.expID, loop.SubScope)
	require.NoError(t, err)
	assert.Equal(t, loop.UUID, sub.Owner)
	_, ok := sub.HasVar(ScopeVar{BlockUUID: loop.UUID, VarName: "item"})
	assert.True(t, ok)

	parents, err := h.engine.ParentScopes(h.ctx, h.expID, loop.SubScope)
	require.NoError(t, err)
	assert.Equal(t, []string{RootScope}, parents)

	visible, err := h.engine.VisibleVars(h.ctx, h.expID, loop.SubScope)
	require.NoError(t, err)
	keys := make([]string, 0, len(visible))
	for _, v := range visible {
		keys = append(keys, v.Key())
	}
	assert.Contains(t, keys, loop.UUID+":item")
	assert.Contains(t, keys, a.UUID+":value")

	fromRoot, err := h.engine.VisibleVars(h.ctx, h.expID, RootScope)
	require.NoError(t, err)
	for _, v := range fromRoot {
		assert.NotEqual(t, "item", v.VarName, "inner variables stay inside the sub-scope")
	}

	blocks, err := h.engine.Blocks(h.ctx, h.expID, RootScope)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, a.UUID, blocks[0].UUID)
}

func TestBindInputRejectsBadBindings(t *testing.T) {
	h := newHarness(t)
	loop := h.add(RootScope, "loop", "loop", nil)
	m := h.add(RootScope, "manual", "fetch", nil)
	d := h.add(RootScope, "double", "d", nil)

	_, err := h.engine.BindInput(h.ctx, h.expID, d.UUID, "nope", ScopeVar{BlockUUID: m.UUID, VarName: "data"})
	assert.True(t, experiment.IsPort(err), "unknown port")

	_, err = h.engine.BindInput(h.ctx, h.expID, d.UUID, "x", ScopeVar{BlockUUID: loop.UUID, VarName: "item"})
	assert.True(t, experiment.IsPort(err), "inner variables are not visible outside")

	_, err = h.engine.BindInput(h.ctx, h.expID, d.UUID, "x", ScopeVar{BlockUUID: m.UUID, VarName: "data"})
	assert.True(t, experiment.IsPort(err), "dataset into scalar")

	_, err = h.engine.BindInput(h.ctx, h.expID, d.UUID, "x", ScopeVar{BlockUUID: "ghost", VarName: "y"})
	assert.True(t, experiment.IsPort(err))

	_, err = h.engine.BindInput(h.ctx, h.expID, "ghost", "x", ScopeVar{BlockUUID: m.UUID, VarName: "data"})
	assert.True(t, experiment.IsNotFound(err))

	assert.Equal(t, fsm.StateCreated, h.block(d).State)
}

func TestUnbindInputInvalidatesBlock(t *testing.T) {
	h := newHarness(t)
	a := h.add(RootScope, "number", "a", nil)
	d := h.add(RootScope, "double", "d", nil)
	d = h.bind(d, "x", a, "value")
	require.Equal(t, fsm.StateReady, d.State)
	assert.Equal(t, "a.value", d.BoundInputs["x"].Alias)

	d, err := h.engine.UnbindInput(h.ctx, h.expID, d.UUID, "x")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateCreated, d.State)
	assert.NotEmpty(t, d.Errors)
}

func TestSaveParamsValidatesAgainstSchema(t *testing.T) {
	h := newHarness(t)
	n := h.add(RootScope, "number", "n", map[string]any{"value": "abc"})
	assert.Equal(t, fsm.StateCreated, n.State)
	require.NotEmpty(t, n.Errors)

	split := h.add(RootScope, "split", "cv", map[string]any{"folds": 0})
	assert.Equal(t, fsm.StateCreated, split.State)
	assert.Contains(t, split.Errors[0], "folds >= 1")

	res, err := h.engine.SaveParams(h.ctx, h.expID, n.UUID, map[string]any{"value": 3})
	require.NoError(t, err)
	assert.Equal(t, fsm.StateValidatingParams, res.To)
	got := h.block(n)
	assert.Equal(t, fsm.StateReady, got.State)
	assert.Empty(t, got.Errors)

	_, err = h.engine.ApplyUserAction(h.ctx, h.expID, n.UUID, fsm.ActionSaveParams, json.RawMessage(`{"value": 5, "extra": true}`))
	require.NoError(t, err)
	got = h.block(n)
	assert.Equal(t, fsm.StateCreated, got.State, "unknown parameters are rejected")
	assert.Equal(t, 5.0, got.Params["value"])
}

func TestRemoveBlockClearsConsumers(t *testing.T) {
	h := newHarness(t)
	a := h.add(RootScope, "number", "a", nil)
	b := h.add(RootScope, "number", "b", nil)
	sum := h.add(RootScope, "add", "sum", nil)
	h.bind(sum, "a", a, "value")
	h.bind(sum, "b", b, "value")

	require.NoError(t, h.engine.RemoveBlock(h.ctx, h.expID, a.UUID))

	_, err := h.engine.Block(h.ctx, h.expID, a.UUID)
	assert.True(t, experiment.IsNotFound(err))
	got := h.block(sum)
	assert.NotContains(t, got.BoundInputs, "a")
	assert.Contains(t, got.BoundInputs, "b")
	assert.Equal(t, fsm.StateCreated, got.State)

	root, err := h.engine.Scope(h.ctx, h.expID, RootScope)
	require.NoError(t, err)
	assert.NotContains(t, root.Blocks, a.UUID)
	_, ok := root.HasVar(ScopeVar{BlockUUID: a.UUID, VarName: "value"})
	assert.False(t, ok)
}

func TestRemoveMetaBlockCascades(t *testing.T) {
	h := newHarness(t)
	loop := h.add(RootScope, "loop", "loop", nil)
	child := h.add(loop.SubScope, "double", "dbl", nil)
	h.bind(child, "x", loop, "item")
	r := h.add(loop.SubScope, "remote", "r", nil)

	require.NoError(t, h.engine.RemoveBlock(h.ctx, h.expID, loop.UUID))

	for _, id := range []string{loop.UUID, child.UUID, r.UUID} {
		_, err := h.engine.Block(h.ctx, h.expID, id)
		assert.True(t, experiment.IsNotFound(err))
	}
	_, err := h.engine.Scope(h.ctx, h.expID, loop.SubScope)
	assert.True(t, experiment.IsNotFound(err))
}

func TestRemovingCollectedBlockDropsCollectorEntry(t *testing.T) {
	h := newHarness(t)
	loop := h.add(RootScope, "loop", "loop", nil)
	child := h.add(loop.SubScope, "double", "dbl", nil)
	h.bind(child, "x", loop, "item")
	_, err := h.engine.SetCollector(h.ctx, h.expID, loop.UUID, "y", ScopeVar{BlockUUID: child.UUID, VarName: "y"})
	require.NoError(t, err)

	require.NoError(t, h.engine.RemoveBlock(h.ctx, h.expID, child.UUID))
	got := h.block(loop)
	assert.Empty(t, got.Meta.Collector)
	assert.Equal(t, fsm.StateReady, got.State)
}

func TestSetCollectorRules(t *testing.T) {
	h := newHarness(t)
	a := h.add(RootScope, "number", "a", nil)
	loop := h.add(RootScope, "loop", "loop", nil)
	child := h.add(loop.SubScope, "double", "dbl", nil)
	h.bind(child, "x", loop, "item")
	fetch := h.add(loop.SubScope, "manual", "fetch", nil)
	y := ScopeVar{BlockUUID: child.UUID, VarName: "y"}

	_, err := h.engine.SetCollector(h.ctx, h.expID, loop.UUID, "y", y)
	require.NoError(t, err)

	_, err = h.engine.SetCollector(h.ctx, h.expID, loop.UUID, "y", y)
	assert.True(t, experiment.IsConfiguration(err), "duplicate field names are rejected")

	_, err = h.engine.SetCollector(h.ctx, h.expID, loop.UUID, "outer", ScopeVar{BlockUUID: a.UUID, VarName: "value"})
	assert.True(t, experiment.IsPort(err), "collected vars must come from the sub-scope")

	_, err = h.engine.SetCollector(h.ctx, h.expID, a.UUID, "y", y)
	assert.True(t, experiment.IsConfiguration(err), "only meta-blocks collect")

	got, err := h.engine.SetCollector(h.ctx, h.expID, loop.UUID, "data", ScopeVar{BlockUUID: fetch.UUID, VarName: "data"})
	require.NoError(t, err)
	assert.Equal(t, fsm.StateCreated, got.State, "mixed collector types invalidate the block")
	assert.NotEmpty(t, got.Errors)

	got, err = h.engine.RemoveCollector(h.ctx, h.expID, loop.UUID, "data")
	require.NoError(t, err)
	assert.Equal(t, fsm.StateReady, got.State)
	require.Len(t, got.Meta.Collector, 1)
	assert.Equal(t, "y", got.Meta.Collector[0].Name)
}

func TestApplyUserActionOnlyAcceptsVisibleActions(t *testing.T) {
	h := newHarness(t)
	n := h.add(RootScope, "number", "n", nil)

	actions, err := h.engine.VisibleActions(h.ctx, h.expID, n.UUID)
	require.NoError(t, err)
	names := make([]string, 0, len(actions))
	for _, a := range actions {
		names = append(names, a.Name)
	}
	assert.ElementsMatch(t, []string{fsm.ActionExecute, fsm.ActionSaveParams, fsm.ActionResetExecution}, names)

	_, err = h.engine.ApplyUserAction(h.ctx, h.expID, n.UUID, fsm.ActionSuccess, nil)
	assert.True(t, experiment.IsTransition(err))
	_, err = h.engine.ApplyUserAction(h.ctx, h.expID, n.UUID, "bogus", nil)
	assert.True(t, experiment.IsTransition(err))

	res, err := h.engine.ApplyUserAction(h.ctx, h.expID, n.UUID, fsm.ActionExecute, nil)
	require.NoError(t, err)
	assert.Equal(t, fsm.StateWorking, res.To)
	assert.Equal(t, fsm.StateDone, h.block(n).State)

	_, err = h.engine.ApplyUserAction(h.ctx, h.expID, n.UUID, fsm.ActionExecute, nil)
	assert.True(t, experiment.IsTransition(err), "done blocks must be reset first")
	assert.Equal(t, 1, h.runner.DeferredCount(), "success queued a scope pass")
}

func TestUpdateContextKeepsEngineKeysReserved(t *testing.T) {
	h := newHarness(t)
	h.add(RootScope, "number", "n", nil)

	require.NoError(t, h.engine.UpdateContext(h.ctx, h.expID, map[string]any{"owner": "ada", "seed": 42}))
	var owner string
	ok, err := h.engine.ContextValue(h.ctx, h.expID, "owner", &owner)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ada", owner)

	ok, err = h.engine.ContextValue(h.ctx, h.expID, "missing", &owner)
	require.NoError(t, err)
	assert.False(t, ok)

	err = h.engine.UpdateContext(h.ctx, h.expID, map[string]any{"block::x": 1})
	assert.True(t, experiment.IsConfiguration(err))

	require.NoError(t, h.engine.UpdateContext(h.ctx, h.expID, map[string]any{"seed": nil}))
	ok, err = h.engine.ContextValue(h.ctx, h.expID, "seed", new(int))
	require.NoError(t, err)
	assert.False(t, ok)

	blocks, err := h.engine.Blocks(h.ctx, h.expID, RootScope)
	require.NoError(t, err)
	assert.Len(t, blocks, 1, "user keys do not disturb engine documents")
}

func TestCallbackForRemovedBlockIsDiscarded(t *testing.T) {
	h := newHarness(t)
	r := h.add(RootScope, "remote", "r", nil)
	h.run(RootScope, true)
	job, ok := h.runner.Find(r.UUID)
	require.True(t, ok)

	require.NoError(t, h.engine.RemoveBlock(h.ctx, h.expID, r.UUID))
	assert.True(t, h.runner.Revoked(job.ID))
	assert.NoError(t, h.engine.OnJobComplete(h.ctx, job, tasks.Result{}))
	assert.NoError(t, h.engine.OnJobFailed(h.ctx, job, nil))
}

func TestWiringIsFrozenWhileExecuting(t *testing.T) {
	h := newHarness(t)
	p1 := h.add(RootScope, "number", "p1", nil)
	p2 := h.add(RootScope, "number", "p2", nil)
	r := h.add(RootScope, "remote", "r", nil)
	h.bind(r, "x", p1, "value")

	_, err := h.engine.ApplyUserAction(h.ctx, h.expID, p1.UUID, fsm.ActionExecute, nil)
	require.NoError(t, err)
	require.Equal(t, fsm.StateDone, h.block(p1).State)
	_, err = h.engine.ApplyUserAction(h.ctx, h.expID, r.UUID, fsm.ActionExecute, nil)
	require.NoError(t, err)
	require.Equal(t, fsm.StateWorking, h.block(r).State)

	_, err = h.engine.BindInput(h.ctx, h.expID, r.UUID, "x", ScopeVar{BlockUUID: p2.UUID, VarName: "value"})
	assert.True(t, experiment.IsTransition(err), "rebinding a working block: %v", err)
	_, err = h.engine.UnbindInput(h.ctx, h.expID, r.UUID, "x")
	assert.True(t, experiment.IsTransition(err), "unbinding a working block: %v", err)

	got := h.block(r)
	assert.Equal(t, p1.UUID, got.BoundInputs["x"].BlockUUID)
	assert.Equal(t, fsm.StateWorking, got.State)

	h.drain()
	got = h.bind(r, "x", p2, "value")
	assert.Equal(t, p2.UUID, got.BoundInputs["x"].BlockUUID, "settled blocks can be rewired")
}

func TestCollectorLayoutIsFrozenMidIteration(t *testing.T) {
	h := newHarness(t)
	loop := h.add(RootScope, "loop", "loop", map[string]any{"values": []any{1, 2}})
	r := h.add(loop.SubScope, "remote", "r", nil)
	h.bind(r, "x", loop, "item")
	y := ScopeVar{BlockUUID: r.UUID, VarName: "y"}
	_, err := h.engine.SetCollector(h.ctx, h.expID, loop.UUID, "y", y)
	require.NoError(t, err)

	h.run(RootScope, true)
	require.Equal(t, fsm.StateSubScopeExecuting, h.block(loop).State)

	_, err = h.engine.SetCollector(h.ctx, h.expID, loop.UUID, "again", y)
	assert.True(t, experiment.IsTransition(err))
	_, err = h.engine.RemoveCollector(h.ctx, h.expID, loop.UUID, "y")
	assert.True(t, experiment.IsTransition(err))

	h.drain()
	got := h.block(loop)
	require.Equal(t, fsm.StateDone, got.State)
	require.Len(t, got.Meta.Collector, 1)
	cells := h.results(loop)
	require.Len(t, cells, 2)
	for _, cell := range cells {
		assert.True(t, cell.Complete)
	}
}

func TestAddBlockExposesDefaultedInnerVars(t *testing.T) {
	h := newHarness(t)
	sweep := h.add(RootScope, "axis", "sweep", nil)
	require.Equal(t, "item", sweep.Params["axis"])
	if len(sweep.Errors) == 0 {
		t.Fatalf("axis without its x input should fail validation, got state %s", sweep.State)
	}

	visible, err := h.engine.VisibleVars(h.ctx, h.expID, sweep.SubScope)
	require.NoError(t, err)
	var inner []string
	for _, v := range visible {
		if v.BlockUUID == sweep.UUID {
			inner = append(inner, v.VarName)
		}
	}
	assert.Contains(t, inner, "item", "the defaulted axis names the iteration variable")
}
