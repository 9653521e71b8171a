package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/fsm"
	"github.com/goliatone/go-experiment/notify"
	"github.com/goliatone/go-experiment/tasks"
)

// Expect guards callbacks that only make sense against a specific job or
// iteration. A mismatch means the signal is stale.
type Expect struct {
	JobID     string
	Iteration *int
}

// AtIteration builds an Expect for meta-block iteration i.
func AtIteration(i int) Expect {
	return Expect{Iteration: &i}
}

func (x Expect) stale(b *Block) (string, bool) {
	if x.JobID != "" {
		if b.Job == nil || b.Job.ID != x.JobID {
			return fmt.Sprintf("block is not waiting for job %s", x.JobID), true
		}
	}
	if x.Iteration != nil {
		current := -1
		if b.Meta != nil {
			current = b.Meta.Iterator
		}
		if current != *x.Iteration {
			return fmt.Sprintf("block is at iteration %d, signal was for %d", current, *x.Iteration), true
		}
	}
	return "", false
}

// Request is one action applied to one block.
type Request struct {
	ExpID     string
	BlockUUID string
	Action    string

	Params  map[string]any
	Payload json.RawMessage
	Result  *tasks.Result
	Cause   error

	Expect Expect
	// Propagate re-runs the owning scope when the block becomes done.
	Propagate bool
}

// ActionResult reports an applied action.
type ActionResult struct {
	Block  *Block
	From   string
	To     string
	Result any
}

type applied struct {
	result    *ActionResult
	kind      *Kind
	desc      fsm.ActionDescriptor
	followups []Followup
}

// DoAction applies req under the block lease: it validates the transition,
// persists the new state, runs the action handler and persists its
// mutations. Notifications, scope propagation and handler followups happen
// after the lease is released.
func (e *Engine) DoAction(ctx context.Context, req Request) (*ActionResult, error) {
	start := time.Now()
	lease, err := e.acquire(ctx, req.ExpID, req.BlockUUID)
	if err != nil {
		return nil, err
	}
	done, err := e.applyLocked(ctx, req)
	e.release(ctx, lease)

	kindName := ""
	if done != nil {
		kindName = done.kind.Name
	}
	if err != nil {
		e.recorder.RecordAction(kindName, req.Action, outcomeLabel(err), time.Since(start))
		return nil, err
	}
	e.recorder.RecordAction(kindName, req.Action, "ok", time.Since(start))

	block := done.result.Block
	before, after := done.kind.Classify(done.result.From), done.kind.Classify(done.result.To)
	becameDone := before != fsm.StatusDone && after == fsm.StatusDone
	becameFailed := before != fsm.StatusError && after == fsm.StatusError
	if becameDone && done.kind.AutoExec {
		e.publish(ctx, e.blockNotification(block, notify.ModeInfo, true, ""))
	}
	if done.desc.ReloadBlock {
		mode := notify.ModeInfo
		comment := ""
		switch req.Action {
		case fsm.ActionSuccess:
			mode = notify.ModeSuccess
		case fsm.ActionError, fsm.ActionParamsNotValid:
			mode = notify.ModeError
			if len(block.Errors) > 0 {
				comment = block.Errors[len(block.Errors)-1]
			}
		}
		e.publish(ctx, e.blockNotification(block, mode, false, comment))
	}
	// Failures settle the scope too, so owners still see it converge.
	if (becameDone || becameFailed) && req.Propagate && done.kind.AutoExec {
		e.ScheduleScope(ctx, block.ExpID, block.ScopeName)
	}

	var errs []error
	for _, f := range done.followups {
		if err := f(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return done.result, fmt.Errorf("followups of %s on %s: %w", req.Action, req.BlockUUID, errors.Join(errs...))
	}
	return done.result, nil
}

func (e *Engine) applyLocked(ctx context.Context, req Request) (*applied, error) {
	snap, err := e.load(ctx, req.ExpID)
	if err != nil {
		return nil, err
	}
	block, err := snap.Block(req.BlockUUID)
	if err != nil {
		return nil, err
	}
	kind, err := e.kinds.Lookup(block.Kind)
	if err != nil {
		return nil, err
	}
	if reason, stale := req.Expect.stale(block); stale {
		return &applied{kind: kind}, experiment.NewError(experiment.ErrStaleCallback,
			fmt.Sprintf("stale %s for block %s: %s", req.Action, block.UUID, reason), nil,
			map[string]any{"exp_id": block.ExpID, "block_uuid": block.UUID, "action": req.Action})
	}

	from := block.State
	to, err := kind.Table.NextState(from, req.Action)
	if err != nil {
		return &applied{kind: kind}, err
	}
	handler, ok := kind.Handlers.Lookup(req.Action)
	if !ok {
		return &applied{kind: kind}, experiment.NewError(experiment.ErrConfiguration,
			fmt.Sprintf("kind %s has no handler for %s", kind.Name, req.Action), nil,
			map[string]any{"kind": kind.Name, "action": req.Action})
	}
	desc, _ := kind.Table.Descriptor(req.Action)

	block.State = to
	if err := e.saveBlock(ctx, block); err != nil {
		return &applied{kind: kind}, err
	}

	actx := &ActionContext{
		Engine:   e,
		Kind:     kind,
		Block:    block,
		Snapshot: snap,
		Action:   req.Action,
		From:     from,
		To:       to,
		Params:   req.Params,
		Payload:  req.Payload,
		Result:   req.Result,
		Cause:    req.Cause,
		Logger:   e.blockLogger(block),
	}
	outcome, herr := e.runHandler(ctx, handler, actx)
	if herr != nil {
		block.AddError(herr.Error())
		if err := e.saveBlock(ctx, block); err != nil {
			herr = errors.Join(herr, err)
		}
		return &applied{kind: kind}, fmt.Errorf("%s on block %s: %w", req.Action, block.UUID, herr)
	}
	if err := e.saveBlock(ctx, block); err != nil {
		return &applied{kind: kind}, err
	}

	return &applied{
		result:    &ActionResult{Block: block, From: from, To: to, Result: outcome.Result},
		kind:      kind,
		desc:      desc,
		followups: outcome.Followups,
	}, nil
}

func (e *Engine) runHandler(ctx context.Context, handler ActionHandler, actx *ActionContext) (out Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = experiment.RecoverError(rec)
			actx.Logger.Error("action %s panicked: %v", actx.Action, rec)
		}
	}()
	return handler(ctx, actx)
}

// followAction returns a followup applying req. Stale signals are dropped.
func (e *Engine) followAction(req Request) Followup {
	return func(ctx context.Context) error {
		_, err := e.DoAction(ctx, req)
		if experiment.IsStaleCallback(err) {
			e.logger.Debug("dropping stale followup: %v", err)
			return nil
		}
		return err
	}
}

// followScope returns a followup running scope once.
func (e *Engine) followScope(expID, scope string, initPass bool) Followup {
	return func(ctx context.Context) error {
		_, err := e.scopes.Execute(ctx, expID, scope, initPass)
		return err
	}
}

// ScheduleScope queues a pass over scope on the task runner. Kinds that
// do not auto-execute use it to wake their consumers.
func (e *Engine) ScheduleScope(ctx context.Context, expID, scope string) {
	e.runner.Defer(ctx, "scope:"+expID+":"+scope, func(ctx context.Context) error {
		_, err := e.scopes.Execute(ctx, expID, scope, false)
		if experiment.IsNotFound(err) {
			return nil
		}
		return err
	})
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case experiment.IsTransition(err):
		return "invalid_transition"
	case experiment.IsStaleCallback(err):
		return "stale"
	case experiment.IsLockTimeout(err):
		return "lock_timeout"
	case experiment.IsConcurrencyExceeded(err):
		return "concurrency_exceeded"
	case experiment.IsNotFound(err):
		return "not_found"
	default:
		return "error"
	}
}
