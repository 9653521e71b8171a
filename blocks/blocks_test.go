package blocks

import (
	"context"
	"fmt"
	"testing"
	"time"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/engine"
	"github.com/goliatone/go-experiment/fsm"
	"github.com/goliatone/go-experiment/store"
	"github.com/goliatone/go-experiment/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t      *testing.T
	ctx    context.Context
	engine *engine.Engine
	runner *tasks.ManualRunner
	expID  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := NewRegistry()
	require.NoError(t, err)

	runner := tasks.NewManualRunner()
	for kind, fn := range SyntheticJobs() {
		runner.Handle(kind, fn)
	}
	e, err := engine.New(store.NewMemoryStore(), reg,
		engine.WithRunner(runner),
		engine.WithLockTiming(5*time.Second, time.Second),
	)
	require.NoError(t, err)

	ctx := context.Background()
	info, err := e.CreateExperiment(ctx, t.Name())
	require.NoError(t, err)
	return &fixture{t: t, ctx: ctx, engine: e, runner: runner, expID: info.ID}
}

func (f *fixture) add(scope, kind, alias string, params map[string]any) *engine.Block {
	f.t.Helper()
	b, err := f.engine.AddBlock(f.ctx, f.expID, engine.BlockSpec{Scope: scope, Kind: kind, Alias: alias, Params: params})
	require.NoError(f.t, err)
	return b
}

func (f *fixture) bind(consumer *engine.Block, port string, producer *engine.Block, output string) {
	f.t.Helper()
	_, err := f.engine.BindInput(f.ctx, f.expID, consumer.UUID, port,
		engine.ScopeVar{BlockUUID: producer.UUID, VarName: output})
	require.NoError(f.t, err)
}

func (f *fixture) collect(meta *engine.Block, name string, producer *engine.Block, output string) {
	f.t.Helper()
	_, err := f.engine.SetCollector(f.ctx, f.expID, meta.UUID, name,
		engine.ScopeVar{BlockUUID: producer.UUID, VarName: output})
	require.NoError(f.t, err)
}

func (f *fixture) block(b *engine.Block) *engine.Block {
	f.t.Helper()
	fresh, err := f.engine.Block(f.ctx, f.expID, b.UUID)
	require.NoError(f.t, err)
	return fresh
}

func (f *fixture) fetch(b *engine.Block) {
	f.t.Helper()
	_, err := f.engine.ApplyUserAction(f.ctx, f.expID, b.UUID, ActionStartFetch, nil)
	require.NoError(f.t, err)
	require.NoError(f.t, f.runner.Drain(f.ctx))
}

func (f *fixture) results(meta *engine.Block) []engine.ResultCell {
	f.t.Helper()
	v, ok := f.block(meta).OutData[engine.ResultsOutput]
	require.True(f.t, ok, "%s has no results", meta.Alias)
	var cells []engine.ResultCell
	require.NoError(f.t, v.Decode(&cells))
	return cells
}

func decodeFloat(t *testing.T, v experiment.Value) float64 {
	t.Helper()
	var out float64
	if err := v.Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", v.Kind, err)
	}
	return out
}

func TestRegisterValidatesEveryKind(t *testing.T) {
	reg, err := NewRegistry()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		KindFetchDataset, KindPreprocess, KindClassifier, KindAggregate,
		KindCrossValidation, KindMultiFeature, KindUserCells,
	}, reg.Names())

	err = Register(reg)
	require.Error(t, err)
	assert.True(t, experiment.IsConfiguration(err))
}

func TestFetchWaitsForTheUser(t *testing.T) {
	f := newFixture(t)
	fetch := f.add(engine.RootScope, KindFetchDataset, "iris", map[string]any{"source": "iris.csv"})
	prep := f.add(engine.RootScope, KindPreprocess, "prep", nil)
	f.bind(prep, "dataset", fetch, "dataset")

	report, err := f.engine.RunScope(f.ctx, f.expID, engine.RootScope, true)
	require.NoError(t, err)
	assert.Empty(t, report.Dispatched)
	assert.Equal(t, fsm.StateReady, f.block(fetch).State)

	actions, err := f.engine.VisibleActions(f.ctx, f.expID, fetch.UUID)
	require.NoError(t, err)
	names := make([]string, 0, len(actions))
	for _, a := range actions {
		names = append(names, a.Name)
	}
	assert.Contains(t, names, ActionStartFetch)

	f.fetch(fetch)
	assert.Equal(t, fsm.StateDone, f.block(fetch).State)
	assert.Equal(t, "dataset://iris.csv?format=csv", f.block(fetch).OutData["dataset"].Ref)

	got := f.block(prep)
	require.Equal(t, fsm.StateDone, got.State)
	assert.Equal(t, "dataset://iris.csv?format=csv#train", got.OutData["train"].Ref)
}

func TestFetchRequiresASource(t *testing.T) {
	f := newFixture(t)
	fetch := f.add(engine.RootScope, KindFetchDataset, "", nil)
	assert.Equal(t, fsm.StateCreated, fetch.State)
	assert.NotEmpty(t, fetch.Errors)

	_, err := f.engine.SaveParams(f.ctx, f.expID, fetch.UUID, map[string]any{"source": "s3://bucket/x", "format": "xlsx"})
	require.NoError(t, err)
	assert.Equal(t, fsm.StateCreated, f.block(fetch).State)

	_, err = f.engine.SaveParams(f.ctx, f.expID, fetch.UUID, map[string]any{"source": "s3://bucket/x", "format": "parquet"})
	require.NoError(t, err)
	assert.Equal(t, fsm.StateReady, f.block(fetch).State)
}

func TestCrossValidatedClassifierPipeline(t *testing.T) {
	f := newFixture(t)
	fetch := f.add(engine.RootScope, KindFetchDataset, "iris", map[string]any{"source": "iris.csv"})
	prep := f.add(engine.RootScope, KindPreprocess, "prep", nil)
	f.bind(prep, "dataset", fetch, "dataset")

	cv := f.add(engine.RootScope, KindCrossValidation, "cv", map[string]any{"folds": 3})
	f.bind(cv, "dataset", prep, "train")
	clf := f.add(cv.SubScope, KindClassifier, "rf", nil)
	f.bind(clf, "train", cv, "train")
	f.bind(clf, "test", cv, "test")
	f.collect(cv, "accuracy", clf, "accuracy")

	agg := f.add(engine.RootScope, KindAggregate, "mean_acc", map[string]any{"field": "accuracy"})
	f.bind(agg, "results", cv, engine.ResultsOutput)
	require.Equal(t, fsm.StateReady, f.block(agg).State)

	f.fetch(fetch)

	cells := f.results(cv)
	require.Len(t, cells, 3)
	base := "dataset://iris.csv?format=csv#train"
	total := 0.0
	for i, cell := range cells {
		assert.Equal(t, fmt.Sprintf("fold_%d", i+1), cell.Label)
		assert.True(t, cell.Complete)
		want := SyntheticAccuracy(
			fmt.Sprintf("%s#fold=%d/train", base, i+1),
			fmt.Sprintf("%s#fold=%d/test", base, i+1),
			"random_forest", 100)
		got := decodeFloat(t, cell.Fields["accuracy"])
		assert.InDelta(t, want, got, 1e-9)
		total += got
	}

	out := f.block(agg)
	require.Equal(t, fsm.StateDone, out.State)
	assert.InDelta(t, total/3, decodeFloat(t, out.OutData["value"]), 1e-9)

	var rows []AggregateRow
	require.NoError(t, out.OutData["table"].Decode(&rows))
	require.Len(t, rows, 3)
	assert.Equal(t, "fold_3", rows[2].Label)
	assert.Equal(t, fsm.StateDone, f.block(clf).State)
}

func TestCrossValidationRejectsFoldsOutOfRange(t *testing.T) {
	f := newFixture(t)
	cv := f.add(engine.RootScope, KindCrossValidation, "cv", map[string]any{"folds": 1})
	got := f.block(cv)
	assert.Equal(t, fsm.StateCreated, got.State)
	assert.NotEmpty(t, got.Errors)
}

func TestMultiFeatureIteratesFeatures(t *testing.T) {
	f := newFixture(t)
	fetch := f.add(engine.RootScope, KindFetchDataset, "iris", map[string]any{"source": "iris.csv"})
	mf := f.add(engine.RootScope, KindMultiFeature, "features", map[string]any{"features": []any{"petal", "sepal"}})
	f.bind(mf, "dataset", fetch, "dataset")
	clf := f.add(mf.SubScope, KindClassifier, "svm", map[string]any{"model": "svm"})
	f.bind(clf, "train", mf, "feature_data")
	f.collect(mf, "accuracy", clf, "accuracy")

	f.fetch(fetch)

	cells := f.results(mf)
	require.Len(t, cells, 2)
	assert.Equal(t, "petal", cells[0].Label)
	assert.Equal(t, "sepal", cells[1].Label)
	want := SyntheticAccuracy("dataset://iris.csv?format=csv", "", "svm", 100)
	assert.InDelta(t, want, decodeFloat(t, cells[1].Fields["accuracy"]), 1e-9)
}

func TestUserCellsExposeCellKeys(t *testing.T) {
	f := newFixture(t)
	cells := []any{
		map[string]any{"label": "low", "rate": 0.1},
		map[string]any{"label": "high", "rate": 0.9, "depth": 3},
	}
	uc := f.add(engine.RootScope, KindUserCells, "grid", map[string]any{"cells": cells})

	sc, err := f.engine.Scope(f.ctx, f.expID, uc.SubScope)
	require.NoError(t, err)
	var names []string
	for _, v := range sc.Vars {
		names = append(names, v.VarName)
	}
	assert.ElementsMatch(t, []string{"depth", "rate"}, names)

	_, err = f.engine.RunScope(f.ctx, f.expID, engine.RootScope, true)
	require.NoError(t, err)
	require.NoError(t, f.runner.Drain(f.ctx))

	got := f.results(uc)
	require.Len(t, got, 2)
	assert.Equal(t, "low", got[0].Label)
	assert.Equal(t, "high", got[1].Label)
}

func TestReduce(t *testing.T) {
	rows := []AggregateRow{{Label: "a", Value: 2}, {Label: "b", Value: 4}, {Label: "c", Value: 9}}
	cases := map[string]float64{"mean": 5, "sum": 15, "min": 2, "max": 9}
	for reducer, want := range cases {
		got, err := reduce(reducer, rows)
		if err != nil {
			t.Fatalf("%s: %v", reducer, err)
		}
		if got != want {
			t.Fatalf("%s: expected %v, got %v", reducer, want, got)
		}
	}
	if _, err := reduce("median", rows); err == nil {
		t.Fatalf("expected unknown reducer to fail")
	}
}

func TestSyntheticJobsRejectBadInputs(t *testing.T) {
	ctx := context.Background()
	_, err := fetchDataset(ctx, tasks.Job{Params: map[string]any{"source": " "}})
	assert.Error(t, err)

	_, err = preprocessDataset(ctx, tasks.Job{Inputs: map[string]experiment.Value{
		"dataset": experiment.MustInline(experiment.KindScalar, 1.0),
	}})
	assert.Error(t, err)

	res, err := splitFolds(ctx, tasks.Job{
		Params: map[string]any{"folds": 4.0},
		Inputs: map[string]experiment.Value{"dataset": experiment.RefValue(experiment.KindDataset, "dataset://x")},
	})
	require.NoError(t, err)
	assert.Len(t, res.Cells, 4)
	assert.Equal(t, "dataset://x#fold=4/test", res.Cells[3]["test"].Ref)
}
