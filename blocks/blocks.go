// Package blocks provides the block kinds of a tabular machine-learning
// experiment: dataset fetching and preprocessing, classifier fitting,
// aggregation and the iterating cross-validation, multi-feature and
// user-cell meta-blocks. Heavy work runs as jobs on the task runner.
package blocks

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/engine"
	"github.com/goliatone/go-experiment/fsm"
	"github.com/goliatone/go-experiment/tasks"
)

// Kind names.
const (
	KindFetchDataset    = "fetch_dataset"
	KindPreprocess      = "preprocess"
	KindClassifier      = "classifier"
	KindAggregate       = "aggregate"
	KindCrossValidation = "cross_validation"
	KindMultiFeature    = "multi_feature"
	KindUserCells       = "user_cells"
)

// Job kinds submitted to the task runner.
const (
	JobFetchDataset  = "dataset.fetch"
	JobPreprocess    = "dataset.preprocess"
	JobFitClassifier = "classifier.fit"
	JobSplitFolds    = "cv.split"
)

// Domain actions layered over the standard vocabulary.
const (
	ActionStartFetch      = "start_fetch"
	ActionStartPreprocess = "start_preprocess"
)

// Kinds returns every block kind of this package.
func Kinds() []*engine.Kind {
	return []*engine.Kind{
		FetchDataset(),
		Preprocess(),
		Classifier(),
		Aggregate(),
		CrossValidation(),
		MultiFeature(),
		UserCells(),
	}
}

// Register adds every kind of this package to reg.
func Register(reg *engine.KindRegistry) error {
	var errs []error
	for _, k := range Kinds() {
		if err := reg.Register(k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewRegistry returns a registry holding every kind of this package.
func NewRegistry() (*engine.KindRegistry, error) {
	reg := engine.NewKindRegistry()
	if err := Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func standard() (*fsm.Table, *fsm.ActionRegistry[engine.ActionHandler]) {
	return fsm.StandardTable(), engine.StandardHandlers()
}

// FetchDataset loads a dataset from a source. It is started by the user
// through start_fetch and never by the scheduler.
func FetchDataset() *engine.Kind {
	table, handlers := standard()
	table.MustRegister(fsm.ActionDescriptor{Name: ActionStartFetch, Title: "Fetch dataset", UserVisible: true},
		fsm.StateWorking, fsm.StateReady)
	handlers.Set(ActionStartFetch, engine.Execute)
	handlers.Set(fsm.ActionSuccess, wakeScope(engine.Success))

	return &engine.Kind{
		Name:  KindFetchDataset,
		Title: "Fetch dataset",
		Schema: engine.Schema{
			Params: []engine.Param{
				{Name: "source", Title: "Source", Type: engine.FieldString, Required: true},
				{Name: "format", Title: "Format", Type: engine.FieldString, Default: "csv", Choices: []any{"csv", "json", "parquet"}},
			},
			Outputs: []engine.Port{{Name: "dataset", Title: "Dataset", DataType: experiment.KindDataset}},
		},
		Table:    table,
		Status:   fsm.StandardStatus(),
		Job:      JobFetchDataset,
		Handlers: handlers,
	}
}

// wakeScope runs next and then queues a pass over the block's scope so
// consumers of a manually started block get scheduled.
func wakeScope(next engine.ActionHandler) engine.ActionHandler {
	return func(ctx context.Context, actx *engine.ActionContext) (engine.Outcome, error) {
		out, err := next(ctx, actx)
		if err != nil {
			return out, err
		}
		b := actx.Block
		return out.Then(func(ctx context.Context) error {
			actx.Engine.ScheduleScope(ctx, b.ExpID, b.ScopeName)
			return nil
		}), nil
	}
}

// Preprocess cleans a dataset and splits it into train and test parts.
func Preprocess() *engine.Kind {
	table, handlers := standard()
	table.MustRegister(fsm.ActionDescriptor{Name: ActionStartPreprocess, Title: "Preprocess", UserVisible: true},
		fsm.StateWorking, fsm.StateReady)
	handlers.Set(ActionStartPreprocess, engine.Execute)

	return &engine.Kind{
		Name:     KindPreprocess,
		Title:    "Preprocess",
		AutoExec: true,
		Schema: engine.Schema{
			Params: []engine.Param{
				{Name: "steps", Title: "Steps", Type: engine.FieldList, Default: []any{"drop_na"}},
				{Name: "test_size", Title: "Test size", Type: engine.FieldFloat, Default: 0.2, Constraint: "test_size > 0 && test_size < 1"},
			},
			Inputs: []engine.Port{{Name: "dataset", DataType: experiment.KindDataset, Required: true}},
			Outputs: []engine.Port{
				{Name: "train", DataType: experiment.KindDataset},
				{Name: "test", DataType: experiment.KindDataset},
			},
		},
		Table:    table,
		Status:   fsm.StandardStatus(),
		Job:      JobPreprocess,
		Handlers: handlers,
	}
}

// Classifier fits a model and scores it on the test split.
func Classifier() *engine.Kind {
	table, handlers := standard()
	return &engine.Kind{
		Name:     KindClassifier,
		Title:    "Classifier",
		AutoExec: true,
		Schema: engine.Schema{
			Params: []engine.Param{
				{Name: "model", Type: engine.FieldString, Default: "random_forest", Choices: []any{"random_forest", "svm", "logistic_regression"}},
				{Name: "n_estimators", Type: engine.FieldInt, Default: 100, Constraint: "n_estimators >= 1"},
			},
			Inputs: []engine.Port{
				{Name: "train", DataType: experiment.KindDataset, Required: true},
				{Name: "test", DataType: experiment.KindDataset},
			},
			Outputs: []engine.Port{
				{Name: "model", DataType: experiment.KindModel},
				{Name: "accuracy", DataType: experiment.KindScalar},
			},
		},
		Table:    table,
		Status:   fsm.StandardStatus(),
		Job:      JobFitClassifier,
		Handlers: handlers,
	}
}

// Aggregate reduces one numeric field of a meta-block's results.
func Aggregate() *engine.Kind {
	table, handlers := standard()
	return &engine.Kind{
		Name:     KindAggregate,
		Title:    "Aggregate",
		AutoExec: true,
		Schema: engine.Schema{
			Params: []engine.Param{
				{Name: "field", Type: engine.FieldString, Required: true},
				{Name: "reducer", Type: engine.FieldString, Default: "mean", Choices: []any{"mean", "min", "max", "sum"}},
			},
			Inputs: []engine.Port{{Name: "results", DataType: experiment.KindSequence, Required: true}},
			Outputs: []engine.Port{
				{Name: "value", DataType: experiment.KindScalar},
				{Name: "table", DataType: experiment.KindTable},
			},
		},
		Table:    table,
		Status:   fsm.StandardStatus(),
		Run:      runAggregate,
		Handlers: handlers,
	}
}

// AggregateRow is one row of the aggregate table output.
type AggregateRow struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

func runAggregate(_ context.Context, actx *engine.ActionContext, inputs map[string]experiment.Value) (tasks.Result, error) {
	field, _ := actx.Block.Params["field"].(string)
	reducer, _ := actx.Block.Params["reducer"].(string)

	var cells []engine.ResultCell
	if err := inputs["results"].Decode(&cells); err != nil {
		return tasks.Result{}, fmt.Errorf("decode results: %w", err)
	}
	rows := make([]AggregateRow, 0, len(cells))
	for _, cell := range cells {
		v, ok := cell.Fields[field]
		if !ok {
			return tasks.Result{}, fmt.Errorf("result %s has no field %q", cell.Label, field)
		}
		var n float64
		if err := v.Decode(&n); err != nil {
			return tasks.Result{}, fmt.Errorf("result %s field %q is not numeric: %w", cell.Label, field, err)
		}
		rows = append(rows, AggregateRow{Label: cell.Label, Value: n})
	}
	if len(rows) == 0 {
		return tasks.Result{}, errors.New("no results to aggregate")
	}

	value, err := reduce(reducer, rows)
	if err != nil {
		return tasks.Result{}, err
	}
	table, err := experiment.InlineValue(experiment.KindTable, rows)
	if err != nil {
		return tasks.Result{}, err
	}
	return tasks.Result{Outputs: map[string]experiment.Value{
		"value": experiment.MustInline(experiment.KindScalar, value),
		"table": table,
	}}, nil
}

func reduce(reducer string, rows []AggregateRow) (float64, error) {
	switch reducer {
	case "", "mean", "sum":
		total := 0.0
		for _, r := range rows {
			total += r.Value
		}
		if reducer == "sum" {
			return total, nil
		}
		return total / float64(len(rows)), nil
	case "min":
		out := math.Inf(1)
		for _, r := range rows {
			out = math.Min(out, r.Value)
		}
		return out, nil
	case "max":
		out := math.Inf(-1)
		for _, r := range rows {
			out = math.Max(out, r.Value)
		}
		return out, nil
	}
	return 0, fmt.Errorf("unknown reducer %q", reducer)
}

func meta() (*fsm.Table, fsm.StatusMap, *fsm.ActionRegistry[engine.ActionHandler]) {
	return fsm.StandardMetaTable(), fsm.StandardMetaStatus(), engine.MetaHandlers()
}

// CrossValidation splits a dataset into K folds with a job and runs its
// sub-scope once per fold, collecting one scalar metric per field.
func CrossValidation() *engine.Kind {
	table, status, handlers := meta()
	return &engine.Kind{
		Name:     KindCrossValidation,
		Title:    "Cross validation",
		AutoExec: true,
		SubScope: true,
		Schema: engine.Schema{
			Params: []engine.Param{
				{Name: "folds", Type: engine.FieldInt, Default: 5, Constraint: "folds >= 2 && folds <= 20"},
				{Name: "stratify", Type: engine.FieldBool, Default: false},
				{Name: "seed", Type: engine.FieldInt, Default: 0},
			},
			Inputs: []engine.Port{{Name: "dataset", DataType: experiment.KindDataset, Required: true}},
			Inner: []engine.Port{
				{Name: "train", DataType: experiment.KindDataset},
				{Name: "test", DataType: experiment.KindDataset},
			},
			Outputs:       []engine.Port{{Name: engine.ResultsOutput, DataType: experiment.KindSequence}},
			CollectorType: experiment.KindScalar,
		},
		Table:    table,
		Status:   status,
		Job:      JobSplitFolds,
		Handlers: handlers,
	}
}

// MultiFeature runs its sub-scope once per listed feature, exposing the
// feature name and the input dataset as feature_data to every iteration.
func MultiFeature() *engine.Kind {
	table, status, handlers := meta()
	return &engine.Kind{
		Name:     KindMultiFeature,
		Title:    "Multi feature",
		AutoExec: true,
		SubScope: true,
		Schema: engine.Schema{
			Params: []engine.Param{
				{Name: "features", Type: engine.FieldList, Required: true, Constraint: "len(features) > 0"},
			},
			Inputs: []engine.Port{{Name: "dataset", DataType: experiment.KindDataset, Required: true}},
			Inner: []engine.Port{
				{Name: "feature", DataType: experiment.KindRaw},
				{Name: "feature_data", DataType: experiment.KindDataset},
			},
			Outputs: []engine.Port{{Name: engine.ResultsOutput, DataType: experiment.KindSequence}},
		},
		Table:    table,
		Status:   status,
		Run:      runMultiFeature,
		Handlers: handlers,
	}
}

func runMultiFeature(_ context.Context, actx *engine.ActionContext, inputs map[string]experiment.Value) (tasks.Result, error) {
	features, _ := actx.Block.Params["features"].([]any)
	dataset := inputs["dataset"]
	var res tasks.Result
	for _, f := range features {
		name := fmt.Sprint(f)
		feature, err := experiment.InlineValue(experiment.KindRaw, name)
		if err != nil {
			return tasks.Result{}, err
		}
		res.Cells = append(res.Cells, map[string]experiment.Value{
			"feature":      feature,
			"feature_data": dataset.Clone(),
		})
		res.Labels = append(res.Labels, name)
	}
	return res, nil
}

// UserCells iterates over cells typed in by the user. Its per-iteration
// variables are the keys of the cells, so they follow the parameters.
func UserCells() *engine.Kind {
	table, status, handlers := meta()
	return &engine.Kind{
		Name:     KindUserCells,
		Title:    "User cells",
		AutoExec: true,
		SubScope: true,
		Schema: engine.Schema{
			Params: []engine.Param{
				{Name: "cells", Type: engine.FieldList, Required: true, Constraint: "len(cells) > 0"},
				{Name: "label_field", Type: engine.FieldString, Default: "label"},
			},
			Outputs: []engine.Port{{Name: engine.ResultsOutput, DataType: experiment.KindSequence}},
		},
		Table:     table,
		Status:    status,
		Run:       runUserCells,
		InnerVars: userCellVars,
		Handlers:  handlers,
	}
}

func userCellVars(params map[string]any) []engine.Port {
	label, _ := params["label_field"].(string)
	cells, _ := params["cells"].([]any)
	seen := map[string]bool{}
	for _, raw := range cells {
		cell, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for name := range cell {
			if name != label {
				seen[name] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	ports := make([]engine.Port, 0, len(names))
	for _, name := range names {
		ports = append(ports, engine.Port{Name: name, DataType: experiment.KindRaw})
	}
	return ports
}

func runUserCells(_ context.Context, actx *engine.ActionContext, _ map[string]experiment.Value) (tasks.Result, error) {
	label, _ := actx.Block.Params["label_field"].(string)
	cells, _ := actx.Block.Params["cells"].([]any)
	var res tasks.Result
	for i, raw := range cells {
		cell, ok := raw.(map[string]any)
		if !ok {
			return tasks.Result{}, fmt.Errorf("cell %d is %T, not an object", i+1, raw)
		}
		out := map[string]experiment.Value{}
		name := fmt.Sprintf("cell_%d", i+1)
		for key, v := range cell {
			if key == label {
				name = fmt.Sprint(v)
				continue
			}
			value, err := experiment.InlineValue(experiment.KindRaw, v)
			if err != nil {
				return tasks.Result{}, fmt.Errorf("cell %d field %s: %w", i+1, key, err)
			}
			out[key] = value
		}
		res.Cells = append(res.Cells, out)
		res.Labels = append(res.Labels, name)
	}
	return res, nil
}
