package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/fsm"
	"github.com/goliatone/go-experiment/notify"
	"github.com/goliatone/go-experiment/tasks"
	"github.com/google/uuid"
)

// CreateExperiment creates an experiment with a fresh id and its root scope.
func (e *Engine) CreateExperiment(ctx context.Context, name string) (ExperimentInfo, error) {
	return e.CreateExperimentWithID(ctx, uuid.NewString(), name)
}

// CreateExperimentWithID creates an experiment under a caller-chosen id.
func (e *Engine) CreateExperimentWithID(ctx context.Context, id, name string) (ExperimentInfo, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return ExperimentInfo{}, experiment.NewError(experiment.ErrConfiguration, "experiment id required", nil, nil)
	}
	info := ExperimentInfo{ID: id, Name: name, CreatedAt: e.now()}
	err := e.mutate(ctx, id, func(tx *txn) error {
		if _, ok := tx.data[keyInfo]; ok {
			return experiment.NewError(experiment.ErrConfiguration,
				fmt.Sprintf("experiment %s already exists", id), nil, map[string]any{"exp_id": id})
		}
		if err := tx.put(keyInfo, info); err != nil {
			return err
		}
		return tx.putScope(&Scope{Name: RootScope, ExpID: id})
	})
	if err != nil {
		return ExperimentInfo{}, err
	}
	e.publish(ctx, notify.Notification{ExpID: id, Type: notify.TypeAllUpdated, Mode: notify.ModeInfo, Silent: true, Comment: "experiment created"})
	return info, nil
}

// DeleteExperiment revokes in-flight jobs and drops the whole context.
func (e *Engine) DeleteExperiment(ctx context.Context, expID string) error {
	snap, err := e.load(ctx, expID)
	if err != nil {
		return err
	}
	for _, b := range snap.Blocks {
		e.revoke(ctx, b)
	}
	if err := e.updater.Delete(ctx, expID); err != nil {
		return err
	}
	e.publish(ctx, notify.Notification{ExpID: expID, Type: notify.TypeAllUpdated, Mode: notify.ModeInfo, Comment: "experiment deleted"})
	return nil
}

// Experiments lists stored experiment ids.
func (e *Engine) Experiments(ctx context.Context) ([]string, error) {
	return e.updater.Store().List(ctx)
}

// Snapshot loads the experiment context.
func (e *Engine) Snapshot(ctx context.Context, expID string) (*Snapshot, error) {
	return e.load(ctx, expID)
}

// BlockSpec describes a block to add.
type BlockSpec struct {
	UUID   string
	Scope  string
	Kind   string
	Alias  string
	Params map[string]any
}

// AddBlock creates a block in a scope, registers its outputs there and, for
// meta-blocks, creates the sub-scope with its per-iteration variables. The
// block is validated straight away.
func (e *Engine) AddBlock(ctx context.Context, expID string, spec BlockSpec) (*Block, error) {
	k, err := e.kinds.Lookup(spec.Kind)
	if err != nil {
		return nil, err
	}
	if spec.Scope == "" {
		spec.Scope = RootScope
	}
	id := spec.UUID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	b := &Block{
		UUID:      id,
		Kind:      k.Name,
		Alias:     spec.Alias,
		ScopeName: spec.Scope,
		ExpID:     expID,
		State:     fsm.StateCreated,
		Params:    cloneParams(spec.Params),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if k.SubScope {
		b.SubScope = SubScopeName(id)
		b.Meta = newMetaState()
	}

	err = e.mutate(ctx, expID, func(tx *txn) error {
		if _, ok := tx.data[keyInfo]; !ok {
			return experiment.NewError(experiment.ErrNotFound,
				fmt.Sprintf("experiment %s not found", expID), nil, map[string]any{"exp_id": expID})
		}
		if _, ok := tx.data[blockKey(id)]; ok {
			return experiment.NewError(experiment.ErrConfiguration,
				fmt.Sprintf("block %s already exists", id), nil, map[string]any{"block_uuid": id})
		}
		sc, err := tx.scope(spec.Scope)
		if err != nil {
			return err
		}
		if err := assignAlias(tx, b, k); err != nil {
			return err
		}
		sc.addBlock(id)
		for _, port := range k.Schema.Outputs {
			sc.RegisterVariable(ScopeVar{BlockUUID: id, VarName: port.Name, DataType: port.DataType, Alias: b.Alias + "." + port.Name})
		}
		if err := tx.putScope(sc); err != nil {
			return err
		}
		if k.SubScope {
			sub := &Scope{Name: b.SubScope, ExpID: expID, Owner: id}
			normalized, _ := k.Schema.NormalizeParams(b.Params)
			for _, port := range k.Inner(normalized) {
				sub.RegisterVariable(ScopeVar{BlockUUID: id, VarName: port.Name, DataType: port.DataType, Alias: b.Alias + "." + port.Name})
			}
			if err := tx.putScope(sub); err != nil {
				return err
			}
		}
		return tx.putBlock(b)
	})
	if err != nil {
		return nil, err
	}
	e.publish(ctx, notify.Notification{ExpID: expID, Type: notify.TypeScopeUpdated, Mode: notify.ModeInfo, Silent: true, Scope: spec.Scope, BlockUUID: id, BlockAlias: b.Alias})

	if err := e.revalidate(ctx, expID, id); err != nil {
		return nil, err
	}
	return e.Block(ctx, expID, id)
}

func assignAlias(tx *txn, b *Block, k *Kind) error {
	taken := map[string]bool{}
	for key := range tx.data {
		if !strings.HasPrefix(key, blockPrefix) {
			continue
		}
		other, err := tx.block(strings.TrimPrefix(key, blockPrefix))
		if err != nil {
			return err
		}
		taken[other.Alias] = true
	}
	if b.Alias != "" {
		if taken[b.Alias] {
			return experiment.NewError(experiment.ErrConfiguration,
				fmt.Sprintf("alias %q is already used", b.Alias), nil, map[string]any{"alias": b.Alias})
		}
		return nil
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d", k.Name, n)
		if !taken[candidate] {
			b.Alias = candidate
			return nil
		}
	}
}

// RemoveBlock deletes a block. Its sub-scope and everything in it go
// first; consumers lose their bindings to it and are re-validated.
func (e *Engine) RemoveBlock(ctx context.Context, expID, blockUUID string) error {
	snap, err := e.load(ctx, expID)
	if err != nil {
		return err
	}
	b, err := snap.Block(blockUUID)
	if err != nil {
		return err
	}
	if b.SubScope != "" {
		for _, child := range snap.BlocksIn(b.SubScope) {
			if err := e.RemoveBlock(ctx, expID, child.UUID); err != nil {
				return err
			}
		}
	}

	lease, err := e.acquire(ctx, expID, blockUUID)
	if err != nil {
		return err
	}
	err = e.mutate(ctx, expID, func(tx *txn) error {
		current, err := tx.block(blockUUID)
		if err != nil {
			return err
		}
		e.revoke(ctx, current)
		if sc, err := tx.scope(current.ScopeName); err == nil {
			sc.removeBlock(blockUUID)
			sc.RemoveVarsFromBlock(blockUUID)
			if err := tx.putScope(sc); err != nil {
				return err
			}
		}
		if current.SubScope != "" {
			tx.deleteScope(current.SubScope)
		}
		tx.deleteBlock(blockUUID)
		return nil
	})
	e.release(ctx, lease)
	if err != nil {
		return err
	}

	for _, other := range snap.Blocks {
		if other.UUID == blockUUID || !referencesBlock(other, blockUUID) {
			continue
		}
		_, err := e.editBlock(ctx, expID, other.UUID, func(c *Block, _ *Snapshot, _ *Kind) error {
			for port, v := range c.BoundInputs {
				if v.BlockUUID == blockUUID {
					delete(c.BoundInputs, port)
				}
			}
			if c.Meta != nil {
				kept := c.Meta.Collector[:0]
				for _, entry := range c.Meta.Collector {
					if entry.Var.BlockUUID != blockUUID {
						kept = append(kept, entry)
					}
				}
				c.Meta.Collector = kept
			}
			return nil
		})
		if experiment.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if err := e.revalidate(ctx, expID, other.UUID); err != nil {
			return err
		}
	}

	e.publish(ctx, notify.Notification{ExpID: expID, Type: notify.TypeScopeUpdated, Mode: notify.ModeInfo, Scope: b.ScopeName, BlockUUID: b.UUID, BlockAlias: b.Alias, Comment: "block removed"})
	return nil
}

func referencesBlock(b *Block, uuid string) bool {
	for _, v := range b.BoundInputs {
		if v.BlockUUID == uuid {
			return true
		}
	}
	if b.Meta != nil {
		for _, entry := range b.Meta.Collector {
			if entry.Var.BlockUUID == uuid {
				return true
			}
		}
	}
	return false
}

// BindInput binds an input port to a var visible from the block's scope and
// re-validates the block.
func (e *Engine) BindInput(ctx context.Context, expID, blockUUID, port string, v ScopeVar) (*Block, error) {
	_, err := e.editBlock(ctx, expID, blockUUID, func(b *Block, snap *Snapshot, k *Kind) error {
		if err := checkEditable(b, k, "bind "+port); err != nil {
			return err
		}
		spec, ok := k.Schema.Input(port)
		if !ok {
			return portError(fmt.Sprintf("block %s has no input %q", b.Alias, port), port)
		}
		registered, ok := snap.Visible(b.ScopeName, v)
		if !ok {
			return portError(fmt.Sprintf("%s is not visible from scope %s", v, b.ScopeName), port)
		}
		if spec.DataType != "" && registered.DataType != "" && spec.DataType != registered.DataType {
			return portError(fmt.Sprintf("input %q expects %s, %s provides %s", port, spec.DataType, registered, registered.DataType), port)
		}
		if b.BoundInputs == nil {
			b.BoundInputs = map[string]ScopeVar{}
		}
		b.BoundInputs[port] = registered
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.afterEdit(ctx, expID, blockUUID)
}

// UnbindInput clears an input binding.
func (e *Engine) UnbindInput(ctx context.Context, expID, blockUUID, port string) (*Block, error) {
	_, err := e.editBlock(ctx, expID, blockUUID, func(b *Block, _ *Snapshot, k *Kind) error {
		if err := checkEditable(b, k, "unbind "+port); err != nil {
			return err
		}
		delete(b.BoundInputs, port)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.afterEdit(ctx, expID, blockUUID)
}

// SetCollector asks a meta-block to collect v under name on every
// iteration. Field names are unique per collector.
func (e *Engine) SetCollector(ctx context.Context, expID, metaUUID, name string, v ScopeVar) (*Block, error) {
	name = strings.TrimSpace(name)
	_, err := e.editBlock(ctx, expID, metaUUID, func(b *Block, snap *Snapshot, k *Kind) error {
		if !k.SubScope || b.Meta == nil {
			return experiment.NewError(experiment.ErrConfiguration,
				fmt.Sprintf("block %s does not collect results", b.Alias), nil, map[string]any{"block_uuid": b.UUID})
		}
		if err := checkEditable(b, k, "collect "+name); err != nil {
			return err
		}
		if name == "" {
			return configError("collector field name required", name)
		}
		if _, exists := b.Meta.Collecting(name); exists {
			return configError(fmt.Sprintf("collector field %q is already declared", name), name)
		}
		var registered ScopeVar
		found := false
		for _, scope := range append([]string{b.SubScope}, snap.Descendants(b.SubScope)...) {
			if sc, ok := snap.Scopes[scope]; ok {
				if registered, found = sc.HasVar(v); found {
					break
				}
			}
		}
		if !found {
			return portError(fmt.Sprintf("%s is not produced inside the sub-scope of %s", v, b.Alias), name)
		}
		b.Meta.Collector = append(b.Meta.Collector, CollectorEntry{Name: name, Var: registered})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.afterEdit(ctx, expID, metaUUID)
}

// RemoveCollector drops a collector field.
func (e *Engine) RemoveCollector(ctx context.Context, expID, metaUUID, name string) (*Block, error) {
	_, err := e.editBlock(ctx, expID, metaUUID, func(b *Block, _ *Snapshot, k *Kind) error {
		if b.Meta == nil {
			return nil
		}
		if err := checkEditable(b, k, "drop collector "+name); err != nil {
			return err
		}
		kept := b.Meta.Collector[:0]
		for _, entry := range b.Meta.Collector {
			if entry.Name != name {
				kept = append(kept, entry)
			}
		}
		b.Meta.Collector = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.afterEdit(ctx, expID, metaUUID)
}

// SaveParams validates and stores block parameters.
func (e *Engine) SaveParams(ctx context.Context, expID, blockUUID string, params map[string]any) (*ActionResult, error) {
	if params == nil {
		params = map[string]any{}
	}
	return e.DoAction(ctx, Request{ExpID: expID, BlockUUID: blockUUID, Action: fsm.ActionSaveParams, Params: params})
}

// ApplyUserAction applies a user-visible action with an optional JSON
// payload.
func (e *Engine) ApplyUserAction(ctx context.Context, expID, blockUUID, action string, payload json.RawMessage) (*ActionResult, error) {
	b, err := e.Block(ctx, expID, blockUUID)
	if err != nil {
		return nil, err
	}
	k, err := e.kinds.Lookup(b.Kind)
	if err != nil {
		return nil, err
	}
	desc, ok := k.Table.Descriptor(action)
	if !ok || !desc.UserVisible {
		return nil, experiment.NewError(experiment.ErrTransition,
			fmt.Sprintf("action %s is not available to users on %s", action, k.Name), nil,
			map[string]any{"action": action, "kind": k.Name, "state": b.State})
	}
	if !k.Table.IsActionAvailable(b.State, action) {
		_, err := k.Table.NextState(b.State, action)
		return nil, err
	}
	return e.DoAction(ctx, Request{ExpID: expID, BlockUUID: blockUUID, Action: action, Payload: payload, Propagate: true})
}

// VisibleActions lists the user-visible actions available to a block now.
func (e *Engine) VisibleActions(ctx context.Context, expID, blockUUID string) ([]fsm.ActionDescriptor, error) {
	b, err := e.Block(ctx, expID, blockUUID)
	if err != nil {
		return nil, err
	}
	k, err := e.kinds.Lookup(b.Kind)
	if err != nil {
		return nil, err
	}
	return k.Table.VisibleActions(b.State), nil
}

// Block loads one block.
func (e *Engine) Block(ctx context.Context, expID, blockUUID string) (*Block, error) {
	snap, err := e.load(ctx, expID)
	if err != nil {
		return nil, err
	}
	return snap.Block(blockUUID)
}

// Blocks loads the blocks of a scope in insertion order.
func (e *Engine) Blocks(ctx context.Context, expID, scope string) ([]*Block, error) {
	snap, err := e.load(ctx, expID)
	if err != nil {
		return nil, err
	}
	if _, err := snap.Scope(scope); err != nil {
		return nil, err
	}
	return snap.BlocksIn(scope), nil
}

// Scope loads one scope.
func (e *Engine) Scope(ctx context.Context, expID, name string) (*Scope, error) {
	snap, err := e.load(ctx, expID)
	if err != nil {
		return nil, err
	}
	return snap.Scope(name)
}

// ParentScopes returns the ancestors of scope, nearest first.
func (e *Engine) ParentScopes(ctx context.Context, expID, scope string) ([]string, error) {
	snap, err := e.load(ctx, expID)
	if err != nil {
		return nil, err
	}
	return snap.ParentScopes(scope)
}

// VisibleVars returns what blocks in scope may bind to.
func (e *Engine) VisibleVars(ctx context.Context, expID, scope string) ([]ScopeVar, error) {
	snap, err := e.load(ctx, expID)
	if err != nil {
		return nil, err
	}
	return snap.VisibleVars(scope)
}

// Status classifies the block's current state.
func (e *Engine) Status(b *Block) fsm.ExecStatus {
	k, err := e.kinds.Lookup(b.Kind)
	if err != nil {
		return fsm.StatusNotReady
	}
	return k.Classify(b.State)
}

// RunScope runs one scheduling pass over scope.
func (e *Engine) RunScope(ctx context.Context, expID, scope string, initPass bool) (*RunReport, error) {
	return e.scopes.Execute(ctx, expID, scope, initPass)
}

// UpdateContext merges user keys into the experiment context. Engine key
// namespaces are reserved.
func (e *Engine) UpdateContext(ctx context.Context, expID string, delta map[string]any) error {
	raw := make(map[string]json.RawMessage, len(delta))
	for k, v := range delta {
		if k == keyInfo || strings.HasPrefix(k, scopePrefix) || strings.HasPrefix(k, blockPrefix) {
			return configError(fmt.Sprintf("context key %q is reserved", k), k)
		}
		if v == nil {
			raw[k] = nil
			continue
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode context key %s: %w", k, err)
		}
		raw[k] = encoded
	}
	_, err := e.updater.Update(ctx, expID, raw)
	return err
}

// ContextValue decodes a user key into out and reports whether it exists.
func (e *Engine) ContextValue(ctx context.Context, expID, key string, out any) (bool, error) {
	rec, err := e.updater.Load(ctx, expID)
	if err != nil {
		return false, err
	}
	raw, ok := rec.Data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

// OnJobComplete maps a finished job onto its success action. Callbacks the
// block no longer expects are discarded.
func (e *Engine) OnJobComplete(ctx context.Context, job tasks.Job, res tasks.Result) error {
	action := job.OnSuccess
	if action == "" {
		action = fsm.ActionSuccess
	}
	out, err := e.DoAction(ctx, Request{
		ExpID: job.ExpID, BlockUUID: job.BlockUUID, Action: action,
		Result: &res, Expect: Expect{JobID: job.ID}, Propagate: true,
	})
	return e.callbackError(job, out, err)
}

// OnJobFailed maps a failed job onto its error action.
func (e *Engine) OnJobFailed(ctx context.Context, job tasks.Job, cause error) error {
	action := job.OnError
	if action == "" {
		action = fsm.ActionError
	}
	if cause == nil {
		cause = experiment.NewError(experiment.ErrAsyncJob, fmt.Sprintf("job %s failed", job.ID), nil, nil)
	}
	out, err := e.DoAction(ctx, Request{
		ExpID: job.ExpID, BlockUUID: job.BlockUUID, Action: action,
		Cause: cause, Expect: Expect{JobID: job.ID}, Propagate: true,
	})
	return e.callbackError(job, out, err)
}

func (e *Engine) callbackError(job tasks.Job, out *ActionResult, err error) error {
	if err == nil || out != nil {
		return err
	}
	if experiment.IsStaleCallback(err) || experiment.IsTransition(err) || experiment.IsNotFound(err) {
		e.logger.Info("discarding callback for job %s on %s: %v", job.ID, job.BlockUUID, err)
		return nil
	}
	return err
}

// checkEditable rejects wiring changes while the block is executing.
// Bindings and the collector layout stay fixed until it settles or is
// cancelled.
func checkEditable(b *Block, k *Kind, edit string) error {
	if k.Classify(b.State) != fsm.StatusWorking {
		return nil
	}
	return experiment.NewError(experiment.ErrTransition,
		fmt.Sprintf("cannot %s on block %s while it is %s", edit, b.Alias, b.State), nil,
		map[string]any{"block_uuid": b.UUID, "state": b.State})
}

// editBlock applies fn to a block under its lease and persists it.
func (e *Engine) editBlock(ctx context.Context, expID, blockUUID string, fn func(b *Block, snap *Snapshot, k *Kind) error) (*Block, error) {
	lease, err := e.acquire(ctx, expID, blockUUID)
	if err != nil {
		return nil, err
	}
	defer e.release(ctx, lease)

	snap, err := e.load(ctx, expID)
	if err != nil {
		return nil, err
	}
	b, err := snap.Block(blockUUID)
	if err != nil {
		return nil, err
	}
	k, err := e.kinds.Lookup(b.Kind)
	if err != nil {
		return nil, err
	}
	if err := fn(b, snap, k); err != nil {
		return nil, err
	}
	if err := e.saveBlock(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (e *Engine) afterEdit(ctx context.Context, expID, blockUUID string) (*Block, error) {
	if err := e.revalidate(ctx, expID, blockUUID); err != nil {
		return nil, err
	}
	b, err := e.Block(ctx, expID, blockUUID)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, e.blockNotification(b, notify.ModeInfo, true, ""))
	return b, nil
}

// revalidate re-runs save_params when the block's state allows it.
func (e *Engine) revalidate(ctx context.Context, expID, blockUUID string) error {
	b, err := e.Block(ctx, expID, blockUUID)
	if err != nil {
		return err
	}
	k, err := e.kinds.Lookup(b.Kind)
	if err != nil {
		return err
	}
	if !k.Table.IsActionAvailable(b.State, fsm.ActionSaveParams) {
		return nil
	}
	_, err = e.DoAction(ctx, Request{ExpID: expID, BlockUUID: blockUUID, Action: fsm.ActionSaveParams})
	return err
}
