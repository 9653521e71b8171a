package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/fsm"
	"github.com/goliatone/go-experiment/notify"
	"github.com/goliatone/go-experiment/store"
	"github.com/goliatone/go-experiment/tasks"
	"github.com/stretchr/testify/require"
)

func scalar(v float64) experiment.Value {
	return experiment.MustInline(experiment.KindScalar, v)
}

func asFloat(t *testing.T, v experiment.Value) float64 {
	t.Helper()
	var out float64
	if err := v.Decode(&out); err != nil {
		t.Fatalf("decode %s value: %v", v.Kind, err)
	}
	return out
}

func paramFloat(params map[string]any, name string) (float64, bool) {
	switch n := params[name].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func inputFloat(inputs map[string]experiment.Value, name string) (float64, error) {
	v, ok := inputs[name]
	if !ok {
		return 0, fmt.Errorf("input %s missing", name)
	}
	var out float64
	return out, v.Decode(&out)
}

func plainKind(k *Kind) *Kind {
	k.Table = fsm.StandardTable()
	k.Status = fsm.StandardStatus()
	k.Handlers = StandardHandlers()
	return k
}

func metaKind(k *Kind) *Kind {
	k.SubScope = true
	k.Table = fsm.StandardMetaTable()
	k.Status = fsm.StandardMetaStatus()
	k.Handlers = MetaHandlers()
	return k
}

func scalarPort(name string, required bool) Port {
	return Port{Name: name, DataType: experiment.KindScalar, Required: required}
}

// testKinds registers small arithmetic kinds covering synchronous, async,
// manual and iterating execution.
func testKinds(t *testing.T) *KindRegistry {
	t.Helper()
	reg := NewKindRegistry()
	kinds := []*Kind{
		plainKind(&Kind{
			Name:     "number",
			AutoExec: true,
			Schema: Schema{
				Params:  []Param{{Name: "value", Type: FieldFloat, Default: 1.0}},
				Outputs: []Port{scalarPort("value", false)},
			},
			Run: func(_ context.Context, actx *ActionContext, _ map[string]experiment.Value) (tasks.Result, error) {
				v, _ := paramFloat(actx.Block.Params, "value")
				return tasks.Result{Outputs: map[string]experiment.Value{"value": scalar(v)}}, nil
			},
		}),
		plainKind(&Kind{
			Name:     "add",
			AutoExec: true,
			Schema: Schema{
				Inputs:  []Port{scalarPort("a", true), scalarPort("b", true)},
				Outputs: []Port{scalarPort("sum", false)},
			},
			Run: func(_ context.Context, _ *ActionContext, inputs map[string]experiment.Value) (tasks.Result, error) {
				a, err := inputFloat(inputs, "a")
				if err != nil {
					return tasks.Result{}, err
				}
				b, err := inputFloat(inputs, "b")
				if err != nil {
					return tasks.Result{}, err
				}
				return tasks.Result{Outputs: map[string]experiment.Value{"sum": scalar(a + b)}}, nil
			},
		}),
		plainKind(&Kind{
			Name:     "double",
			AutoExec: true,
			Schema: Schema{
				Params:  []Param{{Name: "fail_on", Type: FieldFloat}},
				Inputs:  []Port{scalarPort("x", true)},
				Outputs: []Port{scalarPort("y", false)},
			},
			Run: func(_ context.Context, actx *ActionContext, inputs map[string]experiment.Value) (tasks.Result, error) {
				x, err := inputFloat(inputs, "x")
				if err != nil {
					return tasks.Result{}, err
				}
				if bad, ok := paramFloat(actx.Block.Params, "fail_on"); ok && bad == x {
					return tasks.Result{}, fmt.Errorf("refusing %v", x)
				}
				return tasks.Result{Outputs: map[string]experiment.Value{"y": scalar(2 * x)}}, nil
			},
		}),
		plainKind(&Kind{
			Name:     "remote",
			AutoExec: true,
			Job:      "remote.run",
			Schema: Schema{
				Inputs:  []Port{scalarPort("x", false)},
				Outputs: []Port{scalarPort("y", false)},
			},
		}),
		plainKind(&Kind{
			Name: "manual",
			Job:  "manual.fetch",
			Schema: Schema{
				Outputs: []Port{{Name: "data", DataType: experiment.KindDataset}},
			},
		}),
		plainKind(&Kind{
			Name: "gate",
			Job:  "gate.run",
			Schema: Schema{
				Outputs: []Port{scalarPort("score", false)},
			},
		}),
		metaKind(&Kind{
			Name:     "loop",
			AutoExec: true,
			Schema: Schema{
				Params:  []Param{{Name: "values", Type: FieldList, Default: []any{}}},
				Inner:   []Port{scalarPort("item", false)},
				Outputs: []Port{{Name: ResultsOutput, DataType: experiment.KindSequence}},
			},
			Run: func(_ context.Context, actx *ActionContext, _ map[string]experiment.Value) (tasks.Result, error) {
				values, _ := actx.Block.Params["values"].([]any)
				var res tasks.Result
				for _, raw := range values {
					n, _ := raw.(float64)
					res.Cells = append(res.Cells, map[string]experiment.Value{"item": scalar(n)})
				}
				return res, nil
			},
		}),
		metaKind(&Kind{
			Name:     "split",
			AutoExec: true,
			Job:      "split.run",
			Schema: Schema{
				Params:  []Param{{Name: "folds", Type: FieldInt, Default: 2, Constraint: "folds >= 1"}},
				Inputs:  []Port{scalarPort("x", false)},
				Inner:   []Port{scalarPort("fold", false)},
				Outputs: []Port{{Name: ResultsOutput, DataType: experiment.KindSequence}},
			},
		}),
		metaKind(&Kind{
			Name:     "axis",
			AutoExec: true,
			Job:      "axis.run",
			Schema: Schema{
				Params:  []Param{{Name: "axis", Type: FieldString, Default: "item"}},
				Inputs:  []Port{scalarPort("x", true)},
				Outputs: []Port{{Name: ResultsOutput, DataType: experiment.KindSequence}},
			},
			InnerVars: func(params map[string]any) []Port {
				name, _ := params["axis"].(string)
				if name == "" {
					return nil
				}
				return []Port{scalarPort(name, false)}
			},
		}),
	}
	for _, k := range kinds {
		require.NoError(t, reg.Register(k))
	}
	return reg
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	runner *tasks.ManualRunner
	bus    *notify.MemoryBus
	store  *store.MemoryStore
	expID  string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		runner: tasks.NewManualRunner(),
		bus:    notify.NewMemoryBus(0),
		store:  store.NewMemoryStore(),
	}
	h.runner.Handle("remote.run", func(_ context.Context, job tasks.Job) (tasks.Result, error) {
		x := 1.0
		if v, ok := job.Inputs["x"]; ok {
			if err := v.Decode(&x); err != nil {
				return tasks.Result{}, err
			}
		}
		if x < 0 {
			return tasks.Result{}, errors.New("negative input")
		}
		return tasks.Result{Outputs: map[string]experiment.Value{"y": scalar(x * 10)}}, nil
	})
	h.runner.Handle("split.run", func(_ context.Context, job tasks.Job) (tasks.Result, error) {
		folds, _ := paramFloat(job.Params, "folds")
		var res tasks.Result
		for i := 0; i < int(folds); i++ {
			res.Cells = append(res.Cells, map[string]experiment.Value{"fold": scalar(float64(i + 1))})
			res.Labels = append(res.Labels, fmt.Sprintf("split_%d", i+1))
		}
		return res, nil
	})

	base := []Option{
		WithRunner(h.runner),
		WithBus(h.bus),
		WithLockTiming(5*time.Second, time.Second),
	}
	e, err := New(h.store, testKinds(t), append(base, opts...)...)
	require.NoError(t, err)
	h.engine = e

	info, err := e.CreateExperiment(h.ctx, t.Name())
	require.NoError(t, err)
	h.expID = info.ID
	return h
}

func (h *harness) add(scope, kind, alias string, params map[string]any) *Block {
	h.t.Helper()
	b, err := h.engine.AddBlock(h.ctx, h.expID, BlockSpec{Scope: scope, Kind: kind, Alias: alias, Params: params})
	if err != nil {
		h.t.Fatalf("add %s %s: %v", kind, alias, err)
	}
	return b
}

func (h *harness) bind(consumer *Block, port string, producer *Block, output string) *Block {
	h.t.Helper()
	b, err := h.engine.BindInput(h.ctx, h.expID, consumer.UUID, port, ScopeVar{BlockUUID: producer.UUID, VarName: output})
	if err != nil {
		h.t.Fatalf("bind %s.%s to %s.%s: %v", consumer.Alias, port, producer.Alias, output, err)
	}
	return b
}

func (h *harness) block(b *Block) *Block {
	h.t.Helper()
	fresh, err := h.engine.Block(h.ctx, h.expID, b.UUID)
	if err != nil {
		h.t.Fatalf("load %s: %v", b.Alias, err)
	}
	return fresh
}

func (h *harness) run(scope string, initPass bool) *RunReport {
	h.t.Helper()
	report, err := h.engine.RunScope(h.ctx, h.expID, scope, initPass)
	if err != nil {
		h.t.Fatalf("run scope %s: %v", scope, err)
	}
	return report
}

func (h *harness) drain() {
	h.t.Helper()
	if err := h.runner.Drain(h.ctx); err != nil {
		h.t.Fatalf("drain: %v", err)
	}
}

func (h *harness) completions() []notify.Notification {
	return h.bus.Filter(func(n notify.Notification) bool {
		return n.ExpID == h.expID && n.Type == notify.TypeAllUpdated && n.Scope == RootScope
	})
}

func (h *harness) results(meta *Block) []ResultCell {
	h.t.Helper()
	v, ok := h.block(meta).OutData[ResultsOutput]
	if !ok {
		h.t.Fatalf("%s has no results", meta.Alias)
	}
	var cells []ResultCell
	if err := v.Decode(&cells); err != nil {
		h.t.Fatalf("decode results: %v", err)
	}
	return cells
}
