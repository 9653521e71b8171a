package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/fsm"
	"github.com/goliatone/go-experiment/tasks"
)

// ActionHandler is the behaviour bound to one action of one kind. It runs
// under the block lease after the new state has been persisted and may
// mutate actx.Block, which is persisted again afterwards.
type ActionHandler func(ctx context.Context, actx *ActionContext) (Outcome, error)

// Followup runs after the block lease is released.
type Followup func(ctx context.Context) error

// Outcome is what a handler hands back to the action pipeline.
type Outcome struct {
	Result    any
	Followups []Followup
}

// Then appends followups to o.
func (o Outcome) Then(f ...Followup) Outcome {
	o.Followups = append(o.Followups, f...)
	return o
}

// ActionContext carries everything a handler may need.
type ActionContext struct {
	Engine   *Engine
	Kind     *Kind
	Block    *Block
	Snapshot *Snapshot
	Action   string
	From     string
	To       string

	Params  map[string]any
	Payload json.RawMessage
	Result  *tasks.Result
	Cause   error
	Logger  experiment.Logger
}

// Runner computes a block result in-process.
type Runner func(ctx context.Context, actx *ActionContext, inputs map[string]experiment.Value) (tasks.Result, error)

// Kind is the strategy object describing one block type.
type Kind struct {
	Name   string
	Title  string
	Schema Schema
	Table  *fsm.Table
	Status fsm.StatusMap
	// AutoExec lets the scope runner dispatch the block and re-run the
	// scope when it finishes.
	AutoExec bool
	// SubScope marks meta-blocks that own and iterate a nested scope.
	SubScope bool
	// Job is the task kind submitted on execute. When empty Run computes
	// the result synchronously.
	Job string
	Run Runner
	// InnerVars overrides Schema.Inner for kinds whose per-iteration
	// variables depend on parameters.
	InnerVars func(params map[string]any) []Port
	Handlers  *fsm.ActionRegistry[ActionHandler]
}

// Validate checks the kind is internally consistent: every action in the
// table has a handler, the schema is well formed and execution has a
// strategy.
func (k *Kind) Validate() error {
	if k == nil {
		return experiment.NewError(experiment.ErrConfiguration, "nil block kind", nil, nil)
	}
	var errs []error
	if k.Name == "" {
		errs = append(errs, errors.New("kind name is required"))
	}
	if k.Table == nil {
		errs = append(errs, fmt.Errorf("kind %s has no transition table", k.Name))
	}
	if k.Handlers == nil {
		errs = append(errs, fmt.Errorf("kind %s has no action handlers", k.Name))
	}
	if k.Table != nil && k.Handlers != nil {
		if err := k.Handlers.ValidateAgainst(k.Table); err != nil {
			errs = append(errs, fmt.Errorf("kind %s: %w", k.Name, err))
		}
	}
	if err := k.Schema.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kind %s schema: %w", k.Name, err))
	}
	if k.Table != nil && k.Table.IsActionAvailable(fsm.StateReady, fsm.ActionExecute) && k.Job == "" && k.Run == nil {
		errs = append(errs, fmt.Errorf("kind %s can execute but has neither a job nor a runner", k.Name))
	}
	if k.SubScope && k.Table != nil && !k.Table.HasState(fsm.StateSubScopeExecuting) {
		errs = append(errs, fmt.Errorf("kind %s owns a sub-scope but lacks the iteration states", k.Name))
	}
	if len(errs) == 0 {
		return nil
	}
	return experiment.NewError(experiment.ErrConfiguration,
		fmt.Sprintf("invalid block kind %s", k.Name), errors.Join(errs...),
		map[string]any{"kind": k.Name})
}

// Classify returns the execution status of state for this kind.
func (k *Kind) Classify(state string) fsm.ExecStatus {
	return k.Status.Classify(state)
}

// Inner returns the per-iteration variables for params.
func (k *Kind) Inner(params map[string]any) []Port {
	if k.InnerVars != nil {
		return k.InnerVars(params)
	}
	return k.Schema.Inner
}

// jobSuccessAction is the action a finished execute job maps to.
func (k *Kind) jobSuccessAction() string {
	if k.SubScope {
		return fsm.ActionFoldsGenerated
	}
	return fsm.ActionSuccess
}

// KindRegistry holds validated block kinds.
type KindRegistry struct {
	mu    sync.RWMutex
	kinds map[string]*Kind
}

func NewKindRegistry() *KindRegistry {
	return &KindRegistry{kinds: make(map[string]*Kind)}
}

// Register validates k and adds it. Duplicate names are rejected.
func (r *KindRegistry) Register(k *Kind) error {
	if err := k.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[k.Name]; ok {
		return experiment.NewError(experiment.ErrConfiguration,
			fmt.Sprintf("block kind %s already registered", k.Name), nil,
			map[string]any{"kind": k.Name})
	}
	r.kinds[k.Name] = k
	return nil
}

func (r *KindRegistry) MustRegister(k *Kind) {
	if err := r.Register(k); err != nil {
		panic(err)
	}
}

// Lookup returns the kind registered under name.
func (r *KindRegistry) Lookup(name string) (*Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	if !ok {
		return nil, experiment.NewError(experiment.ErrNotFound,
			fmt.Sprintf("unknown block kind %s", name), nil, map[string]any{"kind": name})
	}
	return k, nil
}

// Names returns the registered kind names, sorted.
func (r *KindRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
