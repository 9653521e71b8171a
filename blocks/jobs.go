package blocks

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"strings"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/tasks"
)

// SyntheticJobs returns deterministic stand-ins for the job kinds of this
// package. They produce references instead of data, so pipelines can be
// exercised without a compute backend.
func SyntheticJobs() map[string]tasks.JobHandler {
	return map[string]tasks.JobHandler{
		JobFetchDataset:  fetchDataset,
		JobPreprocess:    preprocessDataset,
		JobFitClassifier: fitClassifier,
		JobSplitFolds:    splitFolds,
	}
}

// Handler is the subset of a task runner jobs are registered on.
type Handler interface {
	Handle(kind string, h tasks.JobHandler) error
}

// HandleSynthetic registers SyntheticJobs on h.
func HandleSynthetic(h Handler) error {
	var errs []error
	for kind, fn := range SyntheticJobs() {
		if err := h.Handle(kind, fn); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func fetchDataset(ctx context.Context, job tasks.Job) (tasks.Result, error) {
	if err := ctx.Err(); err != nil {
		return tasks.Result{}, err
	}
	source, _ := job.Params["source"].(string)
	format, _ := job.Params["format"].(string)
	if strings.TrimSpace(source) == "" {
		return tasks.Result{}, errors.New("dataset source is empty")
	}
	ref := "dataset://" + url.PathEscape(source)
	if format != "" {
		ref += "?format=" + format
	}
	return outputs("dataset", experiment.RefValue(experiment.KindDataset, ref)), nil
}

func preprocessDataset(ctx context.Context, job tasks.Job) (tasks.Result, error) {
	if err := ctx.Err(); err != nil {
		return tasks.Result{}, err
	}
	in, err := datasetInput(job, "dataset")
	if err != nil {
		return tasks.Result{}, err
	}
	return tasks.Result{Outputs: map[string]experiment.Value{
		"train": experiment.RefValue(experiment.KindDataset, in.Ref+"#train"),
		"test":  experiment.RefValue(experiment.KindDataset, in.Ref+"#test"),
	}}, nil
}

func splitFolds(ctx context.Context, job tasks.Job) (tasks.Result, error) {
	if err := ctx.Err(); err != nil {
		return tasks.Result{}, err
	}
	in, err := datasetInput(job, "dataset")
	if err != nil {
		return tasks.Result{}, err
	}
	folds, ok := intParam(job.Params, "folds")
	if !ok || folds < 1 {
		return tasks.Result{}, fmt.Errorf("invalid folds %v", job.Params["folds"])
	}
	var res tasks.Result
	for i := 1; i <= folds; i++ {
		res.Cells = append(res.Cells, map[string]experiment.Value{
			"train": experiment.RefValue(experiment.KindDataset, fmt.Sprintf("%s#fold=%d/train", in.Ref, i)),
			"test":  experiment.RefValue(experiment.KindDataset, fmt.Sprintf("%s#fold=%d/test", in.Ref, i)),
		})
		res.Labels = append(res.Labels, fmt.Sprintf("fold_%d", i))
	}
	return res, nil
}

func fitClassifier(ctx context.Context, job tasks.Job) (tasks.Result, error) {
	if err := ctx.Err(); err != nil {
		return tasks.Result{}, err
	}
	train, err := datasetInput(job, "train")
	if err != nil {
		return tasks.Result{}, err
	}
	model, _ := job.Params["model"].(string)
	estimators, _ := intParam(job.Params, "n_estimators")
	test := job.Inputs["test"]

	accuracy := SyntheticAccuracy(train.Ref, test.Ref, model, estimators)
	ref := fmt.Sprintf("model://%s/%s", model, job.BlockUUID)
	return tasks.Result{Outputs: map[string]experiment.Value{
		"model":    experiment.RefValue(experiment.KindModel, ref),
		"accuracy": experiment.MustInline(experiment.KindScalar, accuracy),
	}}, nil
}

// SyntheticAccuracy is the score fitClassifier reports: a stable value in
// [0.5, 1) derived from the training inputs.
func SyntheticAccuracy(train, test, model string, estimators int) float64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%d", train, test, model, estimators)
	return 0.5 + float64(h.Sum64()%5000)/10000
}

func datasetInput(job tasks.Job, name string) (experiment.Value, error) {
	v, ok := job.Inputs[name]
	if !ok || v.IsZero() {
		return experiment.Value{}, fmt.Errorf("input %s is missing", name)
	}
	if v.Kind != experiment.KindDataset {
		return experiment.Value{}, fmt.Errorf("input %s is a %s, not a dataset", name, v.Kind)
	}
	return v, nil
}

func intParam(params map[string]any, name string) (int, bool) {
	switch n := params[name].(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func outputs(name string, v experiment.Value) tasks.Result {
	return tasks.Result{Outputs: map[string]experiment.Value{name: v}}
}
