package engine

import (
	"context"
	"fmt"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/fsm"
	"github.com/goliatone/go-experiment/store"
)

// ResultsOutput is the output port holding a meta-block's collected results.
const ResultsOutput = "results"

// MetaHandlers returns the handlers of iterating meta-blocks.
func MetaHandlers() *fsm.ActionRegistry[ActionHandler] {
	reg := StandardHandlers()
	reg.Set(fsm.ActionSuccess, MetaSuccess)
	reg.Set(fsm.ActionFoldsGenerated, FoldsGenerated)
	reg.Set(fsm.ActionRunSubScope, RunSubScope)
	reg.Set(fsm.ActionSubScopeDone, SubScopeDone)
	reg.Set(fsm.ActionContinueCollecting, ContinueCollecting)
	return reg
}

// FoldsGenerated stores the iteration sequence and result skeletons and
// starts the first iteration.
func FoldsGenerated(_ context.Context, actx *ActionContext) (Outcome, error) {
	e, b := actx.Engine, actx.Block
	b.Job = nil
	if b.Meta == nil {
		b.Meta = newMetaState()
	}
	b.Meta.Reset()

	if actx.Result != nil {
		for i, cell := range actx.Result.Cells {
			c := Cell{}
			for name, v := range cell {
				c[name] = v.Clone()
			}
			label := fmt.Sprintf("fold_%d", i+1)
			if i < len(actx.Result.Labels) && actx.Result.Labels[i] != "" {
				label = actx.Result.Labels[i]
			}
			b.Meta.Sequence = append(b.Meta.Sequence, c)
			b.Meta.Results = append(b.Meta.Results, ResultCell{Label: label, Fields: map[string]experiment.Value{}})
		}
	}

	if len(b.Meta.Sequence) == 0 {
		actx.Logger.Info("fold generation produced no cells")
		return Outcome{}.Then(e.followAction(Request{
			ExpID: b.ExpID, BlockUUID: b.UUID, Action: fsm.ActionSuccess, Propagate: true,
		})), nil
	}

	b.Meta.Iterator = 0
	return Outcome{Result: len(b.Meta.Sequence)}.Then(e.followAction(Request{
		ExpID: b.ExpID, BlockUUID: b.UUID, Action: fsm.ActionRunSubScope, Expect: AtIteration(0),
	})), nil
}

// RunSubScope resets every block of the sub-scope and runs it for the
// current iteration.
func RunSubScope(_ context.Context, actx *ActionContext) (Outcome, error) {
	e, b := actx.Engine, actx.Block
	var out Outcome
	for _, child := range actx.Snapshot.BlocksIn(b.SubScope) {
		k, err := e.kinds.Lookup(child.Kind)
		if err != nil {
			return Outcome{}, err
		}
		if k.Table.IsActionAvailable(child.State, fsm.ActionResetExecution) {
			out = out.Then(e.followAction(Request{
				ExpID: child.ExpID, BlockUUID: child.UUID, Action: fsm.ActionResetExecution,
			}))
		}
	}
	actx.Logger.Debug("running sub-scope %s iteration %d", b.SubScope, b.Meta.Iterator)
	return out.Then(e.followScope(b.ExpID, b.SubScope, false)), nil
}

// SubScopeDone collects the current iteration's values. It runs under the
// meta-block lease so concurrent convergence signals cannot race on a
// result cell. The iterator only moves once the cell holds every declared
// collector field. A cell still incomplete when no sub-scope block awaits
// a user fails the meta-block.
func SubScopeDone(_ context.Context, actx *ActionContext) (Outcome, error) {
	e, b := actx.Engine, actx.Block
	self := func(action string, expect Expect) Outcome {
		return Outcome{}.Then(e.followAction(Request{
			ExpID: b.ExpID, BlockUUID: b.UUID, Action: action, Expect: expect, Propagate: true,
		}))
	}

	if failed := failedChildren(actx); len(failed) > 0 {
		return Outcome{}.Then(e.followAction(Request{
			ExpID: b.ExpID, BlockUUID: b.UUID, Action: fsm.ActionError, Propagate: true,
			Cause: experiment.NewError(experiment.ErrAsyncJob,
				fmt.Sprintf("iteration %d failed in %v", b.Meta.Iterator+1, failed), nil,
				map[string]any{"iteration": b.Meta.Iterator}),
		})), nil
	}

	m := b.Meta
	if m == nil || m.Iterator < 0 || m.Iterator >= len(m.Results) {
		return Outcome{}, fmt.Errorf("meta-block %s has no active iteration", b.UUID)
	}
	cell := &m.Results[m.Iterator]
	if cell.Fields == nil {
		cell.Fields = map[string]experiment.Value{}
	}
	for _, entry := range m.Collector {
		if _, done := cell.Fields[entry.Name]; done {
			continue
		}
		if v, ok := actx.Snapshot.Resolve(entry.Var); ok {
			cell.Fields[entry.Name] = v.Clone()
		}
	}

	if len(cell.Fields) < len(m.Collector) {
		actx.Logger.Debug("iteration %d collected %d of %d fields", m.Iterator, len(cell.Fields), len(m.Collector))
		if awaitingUser(actx) {
			return self(fsm.ActionContinueCollecting, AtIteration(m.Iterator)), nil
		}
		var missing []string
		for _, entry := range m.Collector {
			if _, ok := cell.Fields[entry.Name]; !ok {
				missing = append(missing, entry.Name)
			}
		}
		return Outcome{}.Then(e.followAction(Request{
			ExpID: b.ExpID, BlockUUID: b.UUID, Action: fsm.ActionError, Propagate: true,
			Cause: experiment.NewError(experiment.ErrConfiguration,
				fmt.Sprintf("iteration %d converged without collector fields %v", m.Iterator+1, missing), nil,
				map[string]any{"iteration": m.Iterator, "missing": missing}),
		})), nil
	}
	cell.Complete = true

	if m.Iterator+1 >= len(m.Sequence) {
		return self(fsm.ActionSuccess, AtIteration(m.Iterator)), nil
	}
	m.Iterator++
	return self(fsm.ActionRunSubScope, AtIteration(m.Iterator)), nil
}

// ContinueCollecting keeps the meta-block waiting for more sub-scope
// completions.
func ContinueCollecting(context.Context, *ActionContext) (Outcome, error) {
	return Outcome{}, nil
}

// MetaSuccess publishes the collected result sequence.
func MetaSuccess(ctx context.Context, actx *ActionContext) (Outcome, error) {
	if _, err := Success(ctx, actx); err != nil {
		return Outcome{}, err
	}
	b := actx.Block
	if _, ok := actx.Kind.Schema.Output(ResultsOutput); !ok || b.Meta == nil {
		return Outcome{}, nil
	}
	results := b.Meta.Results
	if results == nil {
		results = []ResultCell{}
	}
	v, err := experiment.InlineValue(experiment.KindSequence, results)
	if err != nil {
		return Outcome{}, err
	}
	if b.OutData == nil {
		b.OutData = map[string]experiment.Value{}
	}
	b.OutData[ResultsOutput] = v
	return Outcome{Result: len(results)}, nil
}

// awaitingUser reports whether a sub-scope block still waits for a user
// to execute it. Without one a converged iteration cannot produce more
// collector fields.
func awaitingUser(actx *ActionContext) bool {
	for _, child := range actx.Snapshot.BlocksIn(actx.Block.SubScope) {
		k, err := actx.Engine.kinds.Lookup(child.Kind)
		if err != nil || k.AutoExec {
			continue
		}
		if k.Classify(child.State) == fsm.StatusReady {
			return true
		}
	}
	return false
}

func failedChildren(actx *ActionContext) []string {
	var failed []string
	for _, child := range actx.Snapshot.BlocksIn(actx.Block.SubScope) {
		k, err := actx.Engine.kinds.Lookup(child.Kind)
		if err != nil {
			continue
		}
		if k.Classify(child.State) == fsm.StatusError {
			failed = append(failed, child.Alias)
		}
	}
	return failed
}

// syncInnerVars makes the sub-scope expose exactly the kind's per-iteration
// variables for the block's current parameters.
func (e *Engine) syncInnerVars(ctx context.Context, b *Block, k *Kind) error {
	if b.SubScope == "" {
		return nil
	}
	ports := k.Inner(b.Params)
	return e.mutate(ctx, b.ExpID, func(tx *txn) error {
		sc, err := tx.scope(b.SubScope)
		if err != nil {
			return err
		}
		wanted := map[string]bool{}
		for _, p := range ports {
			wanted[p.Name] = true
		}
		changed := false
		kept := sc.Vars[:0]
		for _, v := range sc.Vars {
			if v.BlockUUID == b.UUID && !wanted[v.VarName] {
				changed = true
				continue
			}
			kept = append(kept, v)
		}
		sc.Vars = kept
		for _, p := range ports {
			if sc.RegisterVariable(ScopeVar{BlockUUID: b.UUID, VarName: p.Name, DataType: p.DataType, Alias: b.Alias + "." + p.Name}) {
				changed = true
			}
		}
		if !changed {
			return store.ErrNoChange
		}
		return tx.putScope(sc)
	})
}
