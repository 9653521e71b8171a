package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/engine"
)

// Applied maps the aliases of a definition to the blocks created for them.
type Applied struct {
	ExpID  string
	Blocks map[string]*engine.Block
	// Starts lists the aliases that declared a start action, in
	// definition order.
	Starts []string
	def    *Definition
	action map[string]string
}

// Check verifies a definition against the kinds of reg without touching
// an engine: kinds exist, aliases are unique, every reference names a
// declared block and nested blocks only sit under meta-blocks.
func Check(def *Definition, reg *engine.KindRegistry) error {
	var errs []error
	seen := map[string]*BlockDef{}
	_ = def.Walk(func(b, parent *BlockDef) error {
		k, err := reg.Lookup(b.Kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: block %s: %w", b.Range, b.Alias, err))
		} else if len(b.Blocks) > 0 && !k.SubScope {
			errs = append(errs, fmt.Errorf("%s: block %s: kind %s cannot hold nested blocks", b.Range, b.Alias, b.Kind))
		}
		if len(b.Collect) > 0 && k != nil && !k.SubScope {
			errs = append(errs, fmt.Errorf("%s: block %s: only meta-blocks collect", b.Range, b.Alias))
		}
		if _, dup := seen[b.Alias]; dup {
			errs = append(errs, fmt.Errorf("%s: alias %s is declared twice", b.Range, b.Alias))
		}
		seen[b.Alias] = b
		return nil
	})
	_ = def.Walk(func(b, _ *BlockDef) error {
		for _, port := range sortedKeys(b.Inputs) {
			if ref := b.Inputs[port]; seen[ref.Alias] == nil {
				errs = append(errs, fmt.Errorf("%s: input %s.%s references unknown block %s", ref.Range, b.Alias, port, ref.Alias))
			}
		}
		for _, name := range sortedKeys(b.Collect) {
			if ref := b.Collect[name]; seen[ref.Alias] == nil {
				errs = append(errs, fmt.Errorf("%s: collector %s.%s references unknown block %s", ref.Range, b.Alias, name, ref.Alias))
			}
		}
		return nil
	})
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return experiment.NewError(experiment.ErrConfiguration,
		fmt.Sprintf("pipeline %s: %s", def.Name, strings.Join(msgs, "; ")), errors.Join(errs...),
		map[string]any{"file": def.File})
}

// Apply builds def inside experiment expID. Blocks are added first, in
// definition order, then inputs are bound and collectors set, so
// references may point forwards.
func Apply(ctx context.Context, e *engine.Engine, expID string, def *Definition) (*Applied, error) {
	if err := Check(def, e.Kinds()); err != nil {
		return nil, err
	}
	out := &Applied{ExpID: expID, Blocks: map[string]*engine.Block{}, def: def, action: map[string]string{}}

	err := def.Walk(func(b, parent *BlockDef) error {
		scope := engine.RootScope
		if parent != nil {
			scope = out.Blocks[parent.Alias].SubScope
		}
		created, err := e.AddBlock(ctx, expID, engine.BlockSpec{
			Scope: scope, Kind: b.Kind, Alias: b.Alias, Params: b.Params,
		})
		if err != nil {
			return fmt.Errorf("%s: add %s: %w", b.Range, b.Alias, err)
		}
		out.Blocks[b.Alias] = created
		if b.Start != "" {
			out.Starts = append(out.Starts, b.Alias)
			out.action[b.Alias] = b.Start
		}
		return nil
	})
	if err != nil {
		return out, err
	}

	err = def.Walk(func(b, _ *BlockDef) error {
		self := out.Blocks[b.Alias]
		for _, port := range sortedKeys(b.Inputs) {
			ref := b.Inputs[port]
			updated, err := e.BindInput(ctx, expID, self.UUID, port, out.varOf(ref))
			if err != nil {
				return fmt.Errorf("%s: bind %s.%s to %s: %w", ref.Range, b.Alias, port, ref, err)
			}
			out.Blocks[b.Alias] = updated
		}
		for _, name := range sortedKeys(b.Collect) {
			ref := b.Collect[name]
			updated, err := e.SetCollector(ctx, expID, self.UUID, name, out.varOf(ref))
			if err != nil {
				return fmt.Errorf("%s: collect %s.%s from %s: %w", ref.Range, b.Alias, name, ref, err)
			}
			out.Blocks[b.Alias] = updated
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, out.Refresh(ctx, e)
}

func (a *Applied) varOf(ref Ref) engine.ScopeVar {
	return engine.ScopeVar{BlockUUID: a.Blocks[ref.Alias].UUID, VarName: ref.Port}
}

// Refresh reloads every block.
func (a *Applied) Refresh(ctx context.Context, e *engine.Engine) error {
	for alias, b := range a.Blocks {
		fresh, err := e.Block(ctx, a.ExpID, b.UUID)
		if err != nil {
			return err
		}
		a.Blocks[alias] = fresh
	}
	return nil
}

// Invalid lists the aliases of blocks that did not pass validation.
func (a *Applied) Invalid() []string {
	var out []string
	_ = a.def.Walk(func(b, _ *BlockDef) error {
		if blk := a.Blocks[b.Alias]; blk != nil && len(blk.Errors) > 0 {
			out = append(out, b.Alias)
		}
		return nil
	})
	return out
}

// Start applies the declared start action of every block that has one.
func (a *Applied) Start(ctx context.Context, e *engine.Engine) error {
	for _, alias := range a.Starts {
		action := a.action[alias]
		if _, err := e.ApplyUserAction(ctx, a.ExpID, a.Blocks[alias].UUID, action, nil); err != nil {
			return fmt.Errorf("start %s with %s: %w", alias, action, err)
		}
	}
	return nil
}

// Run starts a pass over the root scope and applies the start actions.
func (a *Applied) Run(ctx context.Context, e *engine.Engine) error {
	if _, err := e.RunScope(ctx, a.ExpID, engine.RootScope, true); err != nil {
		return err
	}
	return a.Start(ctx, e)
}
