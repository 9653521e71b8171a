package engine

import (
	"context"
	"fmt"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/fsm"
	"github.com/goliatone/go-experiment/graph"
	"github.com/goliatone/go-experiment/notify"
)

// ScopeRunner schedules the blocks of one scope.
type ScopeRunner struct {
	engine *Engine
}

// RunReport describes one scheduling pass.
type RunReport struct {
	ExpID      string   `json:"exp_id"`
	Scope      string   `json:"scope"`
	Order      []string `json:"order"`
	Reset      []string `json:"reset,omitempty"`
	Ready      []string `json:"ready,omitempty"`
	Working    []string `json:"working,omitempty"`
	Dispatched string   `json:"dispatched,omitempty"`
	Converged  bool     `json:"converged"`
}

// BuildGraph derives the dependency graph of scope from current bindings.
// Bindings to producers outside the scope add no edge. A meta-block
// additionally depends on every producer of this scope that any block of
// its sub-scope tree reads, so it never starts before those are done.
func BuildGraph(snap *Snapshot, scope string) (*graph.Graph, error) {
	g := graph.New()
	blocks := snap.BlocksIn(scope)
	for _, b := range blocks {
		g.AddNode(b.UUID)
	}

	link := func(producer, consumer string) error {
		if !g.Has(producer) {
			return nil
		}
		if producer == consumer {
			return experiment.NewError(experiment.ErrCycleDetected,
				fmt.Sprintf("cycle detected involving node '%s'", consumer), nil,
				map[string]any{"node": consumer, "path": []string{consumer, consumer}})
		}
		return g.AddEdge(producer, consumer)
	}

	for _, b := range blocks {
		for _, v := range b.BoundInputs {
			if err := link(v.BlockUUID, b.UUID); err != nil {
				return nil, err
			}
		}
		if b.SubScope == "" {
			continue
		}
		for _, nested := range append([]string{b.SubScope}, snap.Descendants(b.SubScope)...) {
			for _, inner := range snap.BlocksIn(nested) {
				for _, v := range inner.BoundInputs {
					if v.BlockUUID == b.UUID {
						continue
					}
					if err := link(v.BlockUUID, b.UUID); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	return g, nil
}

// Classify splits order into blocks that are ready to execute and blocks
// currently working. Either requires every parent in g to be done.
func Classify(g *graph.Graph, order []string, status func(id string) fsm.ExecStatus) (ready, working []string) {
	for _, id := range order {
		st := status(id)
		if st != fsm.StatusReady && st != fsm.StatusWorking {
			continue
		}
		satisfied := true
		for _, parent := range g.Parents(id) {
			if status(parent) != fsm.StatusDone {
				satisfied = false
				break
			}
		}
		if !satisfied {
			continue
		}
		if st == fsm.StatusReady {
			ready = append(ready, id)
		} else {
			working = append(working, id)
		}
	}
	return ready, working
}

// Execute runs one scheduling pass over scope. With initPass set, finished
// auto-executing blocks are reset first so the scope runs from scratch. At
// most one ready block is dispatched; when nothing is ready or working the
// scope has converged and the owner is signalled.
func (r *ScopeRunner) Execute(ctx context.Context, expID, scope string, initPass bool) (*RunReport, error) {
	e := r.engine
	snap, err := e.load(ctx, expID)
	if err != nil {
		return nil, err
	}
	if _, err := snap.Scope(scope); err != nil {
		return nil, err
	}
	report := &RunReport{ExpID: expID, Scope: scope}

	g, err := BuildGraph(snap, scope)
	if err == nil {
		report.Order, err = g.TopologicalSort()
	}
	if err != nil {
		e.recorder.RecordDispatch("cycle")
		e.publish(ctx, notify.Notification{
			ExpID: expID, Type: notify.TypeScopeUpdated, Mode: notify.ModeError,
			Comment: err.Error(), Scope: scope,
		})
		return report, err
	}

	kindOf := func(id string) *Kind {
		b, ok := snap.Blocks[id]
		if !ok {
			return nil
		}
		k, err := e.kinds.Lookup(b.Kind)
		if err != nil {
			return nil
		}
		return k
	}

	if initPass {
		for _, id := range report.Order {
			b, k := snap.Blocks[id], kindOf(id)
			if k == nil || !k.AutoExec || k.Classify(b.State) != fsm.StatusDone {
				continue
			}
			res, err := e.DoAction(ctx, Request{ExpID: expID, BlockUUID: id, Action: fsm.ActionResetExecution})
			if err != nil {
				return report, err
			}
			snap.Blocks[id] = res.Block
			report.Reset = append(report.Reset, id)
		}
	}

	status := func(id string) fsm.ExecStatus {
		k := kindOf(id)
		if k == nil {
			return fsm.StatusNotReady
		}
		st := k.Classify(snap.Blocks[id].State)
		if st == fsm.StatusReady && !k.AutoExec {
			return fsm.StatusNotReady
		}
		return st
	}
	report.Ready, report.Working = Classify(g, report.Order, status)

	if len(report.Ready) == 0 && len(report.Working) == 0 {
		report.Converged = true
		e.recorder.RecordDispatch("converged")
		return report, r.converged(ctx, snap, scope)
	}
	if len(report.Ready) == 0 {
		e.recorder.RecordDispatch("waiting")
		return report, nil
	}

	target := report.Ready[0]
	res, err := e.DoAction(ctx, Request{ExpID: expID, BlockUUID: target, Action: fsm.ActionExecute, Propagate: true})
	if res == nil && (experiment.IsTransition(err) || experiment.IsStaleCallback(err)) {
		e.recorder.RecordDispatch("raced")
		e.logger.Debug("block %s was taken by a concurrent pass: %v", target, err)
		return report, nil
	}
	if res != nil {
		report.Dispatched = target
		e.recorder.RecordDispatch("dispatched")
	}
	return report, err
}

func (r *ScopeRunner) converged(ctx context.Context, snap *Snapshot, scope string) error {
	e := r.engine
	sc := snap.Scopes[scope]
	if sc.IsRoot() || sc.Owner == "" {
		mode, comment := notify.ModeSuccess, "experiment completed"
		if r.anyFailed(snap, scope) {
			mode, comment = notify.ModeWarn, "experiment completed with errors"
		}
		e.publish(ctx, notify.Notification{
			ExpID: snap.Info.ID, Type: notify.TypeAllUpdated, Mode: mode, Comment: comment, Scope: scope,
		})
		return nil
	}

	owner, err := snap.Block(sc.Owner)
	if err != nil {
		return err
	}
	k, err := e.kinds.Lookup(owner.Kind)
	if err != nil {
		return err
	}
	if !k.Table.IsActionAvailable(owner.State, fsm.ActionSubScopeDone) || owner.Meta == nil {
		e.logger.Debug("scope %s converged while %s is %s", scope, owner.UUID, owner.State)
		return nil
	}
	res, err := e.DoAction(ctx, Request{
		ExpID: owner.ExpID, BlockUUID: owner.UUID, Action: fsm.ActionSubScopeDone,
		Expect: AtIteration(owner.Meta.Iterator),
	})
	if res == nil && (experiment.IsStaleCallback(err) || experiment.IsTransition(err)) {
		e.logger.Debug("dropping stale convergence of %s: %v", scope, err)
		return nil
	}
	return err
}

func (r *ScopeRunner) anyFailed(snap *Snapshot, scope string) bool {
	for _, name := range append([]string{scope}, snap.Descendants(scope)...) {
		for _, b := range snap.BlocksIn(name) {
			if k, err := r.engine.kinds.Lookup(b.Kind); err == nil && k.Classify(b.State) == fsm.StatusError {
				return true
			}
		}
	}
	return false
}
