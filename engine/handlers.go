package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/fsm"
	"github.com/goliatone/go-experiment/tasks"
)

// StandardHandlers returns the handlers of the shared action vocabulary.
func StandardHandlers() *fsm.ActionRegistry[ActionHandler] {
	reg := fsm.NewActionRegistry[ActionHandler]()
	reg.Set(fsm.ActionSaveParams, SaveParams)
	reg.Set(fsm.ActionParamsValid, ParamsValid)
	reg.Set(fsm.ActionParamsNotValid, ParamsNotValid)
	reg.Set(fsm.ActionExecute, Execute)
	reg.Set(fsm.ActionSuccess, Success)
	reg.Set(fsm.ActionError, Fail)
	reg.Set(fsm.ActionResetExecution, Reset)
	reg.Set(fsm.ActionCancel, Cancel)
	return reg
}

// SaveParams normalizes and stores parameters, checks bindings and then
// moves the block on through on_params_is_valid or on_params_not_valid.
// Without new parameters the stored ones are re-validated.
func SaveParams(_ context.Context, actx *ActionContext) (Outcome, error) {
	b := actx.Block
	params := b.Params
	switch {
	case actx.Params != nil:
		params = actx.Params
	case len(actx.Payload) > 0:
		params = map[string]any{}
		if err := json.Unmarshal(actx.Payload, &params); err != nil {
			return Outcome{}, experiment.NewError(experiment.ErrConfiguration,
				fmt.Sprintf("parameters payload: %v", err), err, nil)
		}
	}

	normalized, errs := actx.Kind.Schema.NormalizeParams(params)
	b.Params = normalized
	errs = append(errs, validateBindings(actx.Snapshot, actx.Kind, b)...)

	b.ClearExecution()
	next := Request{ExpID: b.ExpID, BlockUUID: b.UUID, Action: fsm.ActionParamsValid}
	if len(errs) > 0 {
		for _, err := range errs {
			b.AddError(err.Error())
		}
		next.Action = fsm.ActionParamsNotValid
		next.Cause = errors.Join(errs...)
	}
	return Outcome{Result: b.Errors}.Then(actx.Engine.followAction(next)), nil
}

// ParamsValid publishes per-iteration variables of meta-blocks, which may
// depend on the parameters just accepted.
func ParamsValid(ctx context.Context, actx *ActionContext) (Outcome, error) {
	if actx.Kind.SubScope {
		if err := actx.Engine.syncInnerVars(ctx, actx.Block, actx.Kind); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{}, nil
}

// ParamsNotValid leaves the validation errors on the block.
func ParamsNotValid(context.Context, *ActionContext) (Outcome, error) {
	return Outcome{}, nil
}

// Execute resolves the bound inputs and either submits the kind's job or
// computes the result in-process and reports it through a followup.
func Execute(ctx context.Context, actx *ActionContext) (Outcome, error) {
	e, b, k := actx.Engine, actx.Block, actx.Kind
	fail := func(cause error) (Outcome, error) {
		return Outcome{}.Then(e.followAction(Request{
			ExpID: b.ExpID, BlockUUID: b.UUID, Action: fsm.ActionError, Cause: cause, Propagate: true,
		})), nil
	}

	inputs, errs := resolveInputs(actx.Snapshot, k, b)
	if len(errs) > 0 {
		return fail(errors.Join(errs...))
	}

	if k.Job != "" {
		job := tasks.Job{
			Kind:      k.Job,
			ExpID:     b.ExpID,
			BlockUUID: b.UUID,
			Params:    cloneParams(b.Params),
			Inputs:    inputs,
			OnSuccess: k.jobSuccessAction(),
			OnError:   fsm.ActionError,
		}
		id, err := e.runner.Submit(ctx, job)
		if err != nil {
			return fail(err)
		}
		b.Job = &JobRef{ID: id, Kind: job.Kind, OnSuccess: job.OnSuccess, OnError: job.OnError, StartedAt: e.now()}
		actx.Logger.Debug("submitted job %s (%s)", id, job.Kind)
		return Outcome{Result: id}, nil
	}

	res, err := k.Run(ctx, actx, inputs)
	if err != nil {
		return fail(experiment.NewError(experiment.ErrAsyncJob,
			fmt.Sprintf("%s failed: %v", k.Name, err), err, map[string]any{"block_uuid": b.UUID}))
	}
	return Outcome{}.Then(e.followAction(Request{
		ExpID: b.ExpID, BlockUUID: b.UUID, Action: k.jobSuccessAction(), Result: &res, Propagate: true,
	})), nil
}

// Success stores the declared outputs of a finished job.
func Success(_ context.Context, actx *ActionContext) (Outcome, error) {
	b := actx.Block
	b.Job = nil
	b.Errors = nil
	if actx.Result == nil {
		return Outcome{}, nil
	}
	for name, v := range actx.Result.Outputs {
		if _, ok := actx.Kind.Schema.Output(name); !ok {
			actx.Logger.Warn("ignoring undeclared output %s", name)
			continue
		}
		if b.OutData == nil {
			b.OutData = map[string]experiment.Value{}
		}
		b.OutData[name] = v.Clone()
	}
	return Outcome{}, nil
}

// Fail records the failure cause on the block.
func Fail(_ context.Context, actx *ActionContext) (Outcome, error) {
	b := actx.Block
	b.Job = nil
	switch {
	case actx.Cause != nil:
		b.AddError(actx.Cause.Error())
	case len(actx.Payload) > 0:
		b.AddError(strings.TrimSpace(string(actx.Payload)))
	default:
		b.AddError("execution failed")
	}
	return Outcome{}, nil
}

// Reset returns the block to a clean ready state, revoking any job.
func Reset(ctx context.Context, actx *ActionContext) (Outcome, error) {
	actx.Engine.revoke(ctx, actx.Block)
	actx.Block.ClearExecution()
	return Outcome{}, nil
}

// Cancel revokes the in-flight job. A meta-block also cancels whatever is
// still working in its sub-scope.
func Cancel(ctx context.Context, actx *ActionContext) (Outcome, error) {
	e, b := actx.Engine, actx.Block
	e.revoke(ctx, b)
	b.ClearExecution()

	var out Outcome
	if b.SubScope == "" {
		return out, nil
	}
	for _, child := range actx.Snapshot.BlocksIn(b.SubScope) {
		k, err := e.kinds.Lookup(child.Kind)
		if err != nil {
			continue
		}
		if k.Classify(child.State) == fsm.StatusWorking && k.Table.IsActionAvailable(child.State, fsm.ActionCancel) {
			out = out.Then(e.followAction(Request{ExpID: child.ExpID, BlockUUID: child.UUID, Action: fsm.ActionCancel}))
		}
	}
	return out, nil
}

func (e *Engine) revoke(ctx context.Context, b *Block) {
	if b.Job == nil {
		return
	}
	if err := e.runner.Revoke(ctx, b.Job.ID); err != nil {
		e.blockLogger(b).Warn("revoke job %s: %v", b.Job.ID, err)
	}
	b.Job = nil
}

// resolveInputs returns the values behind the bound inputs of b.
func resolveInputs(snap *Snapshot, k *Kind, b *Block) (map[string]experiment.Value, []error) {
	inputs := map[string]experiment.Value{}
	var errs []error
	for _, port := range k.Schema.Inputs {
		v, bound := b.BoundInputs[port.Name]
		if !bound || v.IsZero() {
			if port.Required {
				errs = append(errs, portError(fmt.Sprintf("input %q is not bound", port.Name), port.Name))
			}
			continue
		}
		if _, ok := snap.Visible(b.ScopeName, v); !ok {
			errs = append(errs, portError(fmt.Sprintf("input %q is bound to %s which is not visible from scope %s", port.Name, v, b.ScopeName), port.Name))
			continue
		}
		value, ok := snap.Resolve(v)
		if !ok {
			if port.Required {
				errs = append(errs, portError(fmt.Sprintf("input %q has no value from %s", port.Name, v), port.Name))
			}
			continue
		}
		inputs[port.Name] = value.Clone()
	}
	return inputs, errs
}

// validateBindings checks inputs and, for meta-blocks, the collector.
func validateBindings(snap *Snapshot, k *Kind, b *Block) []error {
	var errs []error
	for _, port := range k.Schema.Inputs {
		v, bound := b.BoundInputs[port.Name]
		if !bound || v.IsZero() {
			if port.Required {
				errs = append(errs, portError(fmt.Sprintf("input %q is not bound", port.Name), port.Name))
			}
			continue
		}
		registered, ok := snap.Visible(b.ScopeName, v)
		if !ok {
			errs = append(errs, portError(fmt.Sprintf("input %q is bound to %s which is not visible from scope %s", port.Name, v, b.ScopeName), port.Name))
			continue
		}
		if port.DataType != "" && registered.DataType != "" && port.DataType != registered.DataType {
			errs = append(errs, portError(fmt.Sprintf("input %q expects %s, %s provides %s", port.Name, port.DataType, registered, registered.DataType), port.Name))
		}
	}
	for name := range b.BoundInputs {
		if _, ok := k.Schema.Input(name); !ok {
			errs = append(errs, portError(fmt.Sprintf("unknown input port %q", name), name))
		}
	}
	if k.SubScope && b.Meta != nil {
		errs = append(errs, validateCollector(snap, k, b)...)
	}
	return errs
}

// validateCollector rejects duplicate field names, vars that do not live in
// the sub-scope tree and mixed data types.
func validateCollector(snap *Snapshot, k *Kind, b *Block) []error {
	var errs []error
	names := map[string]bool{}
	scopes := append([]string{b.SubScope}, snap.Descendants(b.SubScope)...)
	want := k.Schema.CollectorType

	for _, entry := range b.Meta.Collector {
		if names[entry.Name] {
			errs = append(errs, configError(fmt.Sprintf("collector field %q is declared more than once", entry.Name), entry.Name))
			continue
		}
		names[entry.Name] = true

		var registered ScopeVar
		found := false
		for _, name := range scopes {
			if sc, ok := snap.Scopes[name]; ok {
				if registered, found = sc.HasVar(entry.Var); found {
					break
				}
			}
		}
		if !found {
			errs = append(errs, portError(fmt.Sprintf("collector field %q reads %s which is not produced inside the sub-scope", entry.Name, entry.Var), entry.Name))
			continue
		}
		if registered.DataType == "" {
			continue
		}
		if want == "" {
			want = registered.DataType
			continue
		}
		if registered.DataType != want {
			errs = append(errs, portError(fmt.Sprintf("collector field %q has type %s, expected %s", entry.Name, registered.DataType, want), entry.Name))
		}
	}
	return errs
}

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}
