package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	experiment "github.com/goliatone/go-experiment"
	"github.com/goliatone/go-experiment/store"
)

// Context record key layout.
const (
	keyInfo     = "exp::info"
	scopePrefix = "scope::"
	blockPrefix = "block::"
)

func scopeKey(name string) string { return store.Key("scope", name) }
func blockKey(uuid string) string { return store.Key("block", uuid) }

// ExperimentInfo is the experiment header stored under exp::info.
type ExperimentInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is a decoded view of one experiment context at a version.
type Snapshot struct {
	Version int
	Info    ExperimentInfo
	Scopes  map[string]*Scope
	Blocks  map[string]*Block
}

func decodeSnapshot(rec *store.ContextRecord) (*Snapshot, error) {
	raw, ok := rec.Data[keyInfo]
	if !ok {
		return nil, experiment.NewError(experiment.ErrNotFound,
			fmt.Sprintf("experiment %s not found", rec.ExpID), nil, map[string]any{"exp_id": rec.ExpID})
	}
	snap := &Snapshot{
		Version: rec.Version,
		Scopes:  make(map[string]*Scope),
		Blocks:  make(map[string]*Block),
	}
	if err := json.Unmarshal(raw, &snap.Info); err != nil {
		return nil, fmt.Errorf("decode experiment info: %w", err)
	}
	for key, raw := range rec.Data {
		switch {
		case strings.HasPrefix(key, scopePrefix):
			sc := &Scope{}
			if err := json.Unmarshal(raw, sc); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			snap.Scopes[sc.Name] = sc
		case strings.HasPrefix(key, blockPrefix):
			b := &Block{}
			if err := json.Unmarshal(raw, b); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			snap.Blocks[b.UUID] = b
		}
	}
	return snap, nil
}

// Block returns the block with uuid.
func (s *Snapshot) Block(uuid string) (*Block, error) {
	b, ok := s.Blocks[uuid]
	if !ok {
		return nil, experiment.NewError(experiment.ErrNotFound,
			fmt.Sprintf("block %s not found", uuid), nil,
			map[string]any{"exp_id": s.Info.ID, "block_uuid": uuid})
	}
	return b, nil
}

// Scope returns the scope called name.
func (s *Snapshot) Scope(name string) (*Scope, error) {
	sc, ok := s.Scopes[name]
	if !ok {
		return nil, experiment.NewError(experiment.ErrNotFound,
			fmt.Sprintf("scope %s not found", name), nil,
			map[string]any{"exp_id": s.Info.ID, "scope": name})
	}
	return sc, nil
}

// BlocksIn returns the blocks of scope in insertion order.
func (s *Snapshot) BlocksIn(scope string) []*Block {
	sc, ok := s.Scopes[scope]
	if !ok {
		return nil
	}
	out := make([]*Block, 0, len(sc.Blocks))
	for _, uuid := range sc.Blocks {
		if b, ok := s.Blocks[uuid]; ok {
			out = append(out, b)
		}
	}
	return out
}

// ParentScopes walks from name towards the root through the meta-blocks
// owning each nested scope. The result starts at the direct parent and
// ends with "root"; it is empty for the root scope.
func (s *Snapshot) ParentScopes(name string) ([]string, error) {
	var parents []string
	current := name
	for steps := 0; ; steps++ {
		if steps > len(s.Scopes) {
			return nil, experiment.NewError(experiment.ErrConfiguration,
				fmt.Sprintf("scope ownership loop at %s", name), nil, map[string]any{"scope": name})
		}
		sc, err := s.Scope(current)
		if err != nil {
			return nil, err
		}
		if sc.IsRoot() || sc.Owner == "" {
			return parents, nil
		}
		owner, err := s.Block(sc.Owner)
		if err != nil {
			return nil, err
		}
		parents = append(parents, owner.ScopeName)
		current = owner.ScopeName
	}
}

// VisibleVars returns the vars of scope followed by those of its ancestors.
func (s *Snapshot) VisibleVars(scope string) ([]ScopeVar, error) {
	parents, err := s.ParentScopes(scope)
	if err != nil {
		return nil, err
	}
	var out []ScopeVar
	for _, name := range append([]string{scope}, parents...) {
		sc, err := s.Scope(name)
		if err != nil {
			return nil, err
		}
		out = append(out, sc.Vars...)
	}
	return out, nil
}

// Visible looks v up among the vars visible from scope.
func (s *Snapshot) Visible(scope string, v ScopeVar) (ScopeVar, bool) {
	vars, err := s.VisibleVars(scope)
	if err != nil {
		return ScopeVar{}, false
	}
	for _, candidate := range vars {
		if candidate.Same(v) {
			return candidate, true
		}
	}
	return ScopeVar{}, false
}

// Resolve returns the current value behind v.
func (s *Snapshot) Resolve(v ScopeVar) (experiment.Value, bool) {
	producer, ok := s.Blocks[v.BlockUUID]
	if !ok {
		return experiment.Value{}, false
	}
	return producer.Value(v.VarName)
}

// Descendants returns every scope nested below scope, depth first.
func (s *Snapshot) Descendants(scope string) []string {
	var out []string
	for _, b := range s.BlocksIn(scope) {
		if b.SubScope == "" {
			continue
		}
		if _, ok := s.Scopes[b.SubScope]; !ok {
			continue
		}
		out = append(out, b.SubScope)
		out = append(out, s.Descendants(b.SubScope)...)
	}
	return out
}

// txn edits the raw context map inside an updater mutation.
type txn struct {
	data map[string]json.RawMessage
}

func (t *txn) info() (ExperimentInfo, bool, error) {
	var info ExperimentInfo
	raw, ok := t.data[keyInfo]
	if !ok {
		return info, false, nil
	}
	return info, true, json.Unmarshal(raw, &info)
}

func (t *txn) scope(name string) (*Scope, error) {
	raw, ok := t.data[scopeKey(name)]
	if !ok {
		return nil, experiment.NewError(experiment.ErrNotFound,
			fmt.Sprintf("scope %s not found", name), nil, map[string]any{"scope": name})
	}
	sc := &Scope{}
	return sc, json.Unmarshal(raw, sc)
}

func (t *txn) block(uuid string) (*Block, error) {
	raw, ok := t.data[blockKey(uuid)]
	if !ok {
		return nil, experiment.NewError(experiment.ErrNotFound,
			fmt.Sprintf("block %s not found", uuid), nil, map[string]any{"block_uuid": uuid})
	}
	b := &Block{}
	return b, json.Unmarshal(raw, b)
}

func (t *txn) put(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	t.data[key] = raw
	return nil
}

func (t *txn) putScope(sc *Scope) error { return t.put(scopeKey(sc.Name), sc) }
func (t *txn) putBlock(b *Block) error  { return t.put(blockKey(b.UUID), b) }
func (t *txn) deleteScope(name string)  { delete(t.data, scopeKey(name)) }
func (t *txn) deleteBlock(uuid string)  { delete(t.data, blockKey(uuid)) }

// load reads and decodes the experiment context.
func (e *Engine) load(ctx context.Context, expID string) (*Snapshot, error) {
	rec, err := e.updater.Load(ctx, expID)
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(rec)
}

// mutate runs fn inside a read-merge-CAS loop.
func (e *Engine) mutate(ctx context.Context, expID string, fn func(tx *txn) error) error {
	_, err := e.updater.Mutate(ctx, expID, func(data map[string]json.RawMessage) error {
		return fn(&txn{data: data})
	})
	return err
}

// saveBlock persists one block document. It refuses to resurrect a
// deleted experiment.
func (e *Engine) saveBlock(ctx context.Context, b *Block) error {
	b.UpdatedAt = e.now()
	return e.mutate(ctx, b.ExpID, func(tx *txn) error {
		if _, ok := tx.data[keyInfo]; !ok {
			return experiment.NewError(experiment.ErrNotFound,
				fmt.Sprintf("experiment %s not found", b.ExpID), nil, map[string]any{"exp_id": b.ExpID})
		}
		return tx.putBlock(b)
	})
}
