package fsm

import (
	"fmt"
	"sort"
	"strings"

	experiment "github.com/goliatone/go-experiment"
)

// Any matches every source state.
const Any = "*"

// ActionDescriptor names an action and how it is presented.
type ActionDescriptor struct {
	Name        string `json:"name" yaml:"name"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	UserVisible bool   `json:"user_visible,omitempty" yaml:"user_visible,omitempty"`
	// ReloadBlock asks clients to refetch the block after the action ran.
	ReloadBlock bool `json:"reload_block,omitempty" yaml:"reload_block,omitempty"`
}

// Table maps (state, action) pairs to target states.
type Table struct {
	edges       map[string]map[string]string
	descriptors map[string]ActionDescriptor
	states      map[string]struct{}
}

// NewTable creates an empty transition table.
func NewTable() *Table {
	return &Table{
		edges:       make(map[string]map[string]string),
		descriptors: make(map[string]ActionDescriptor),
		states:      make(map[string]struct{}),
	}
}

// Register adds transitions for action from each source state to `to`.
// Registering the same action again extends its source set; mapping a
// source that is already registered to a different target is an error.
func (t *Table) Register(desc ActionDescriptor, to string, from ...string) error {
	name := strings.TrimSpace(desc.Name)
	to = strings.TrimSpace(to)
	if name == "" {
		return experiment.NewError(experiment.ErrConfiguration, "action name required", nil, nil)
	}
	if to == "" || to == Any {
		return experiment.NewError(experiment.ErrConfiguration,
			fmt.Sprintf("action %s: concrete target state required", name), nil, nil)
	}
	if len(from) == 0 {
		return experiment.NewError(experiment.ErrConfiguration,
			fmt.Sprintf("action %s: at least one source state required", name), nil, nil)
	}
	desc.Name = name

	sources := t.edges[name]
	if sources == nil {
		sources = make(map[string]string, len(from))
	}
	for _, src := range from {
		src = strings.TrimSpace(src)
		if existing, ok := sources[src]; ok && existing != to {
			return experiment.NewError(experiment.ErrConfiguration,
				fmt.Sprintf("action %s from %s already targets %s", name, src, existing), nil, nil)
		}
		sources[src] = to
		if src != Any {
			t.states[src] = struct{}{}
		}
	}
	t.edges[name] = sources
	t.states[to] = struct{}{}
	if prev, ok := t.descriptors[name]; ok {
		desc = mergeDescriptor(prev, desc)
	}
	t.descriptors[name] = desc
	return nil
}

// MustRegister is Register for static table definitions.
func (t *Table) MustRegister(desc ActionDescriptor, to string, from ...string) *Table {
	if err := t.Register(desc, to, from...); err != nil {
		panic(err)
	}
	return t
}

// IsActionAvailable reports whether action can fire from state.
func (t *Table) IsActionAvailable(state, action string) bool {
	_, ok := t.lookup(state, action)
	return ok
}

// NextState returns the target of action from state or a transition error.
func (t *Table) NextState(state, action string) (string, error) {
	to, ok := t.lookup(state, action)
	if !ok {
		return "", experiment.NewError(experiment.ErrTransition,
			fmt.Sprintf("action %q is not available in state %q", action, state), nil,
			map[string]any{"state": state, "action": action})
	}
	return to, nil
}

func (t *Table) lookup(state, action string) (string, bool) {
	if t == nil {
		return "", false
	}
	sources, ok := t.edges[action]
	if !ok {
		return "", false
	}
	if to, ok := sources[state]; ok {
		return to, true
	}
	to, ok := sources[Any]
	return to, ok
}

// VisibleActions lists the user-visible actions available from state, sorted by name.
func (t *Table) VisibleActions(state string) []ActionDescriptor {
	var out []ActionDescriptor
	for _, name := range t.Actions() {
		desc := t.descriptors[name]
		if desc.UserVisible && t.IsActionAvailable(state, name) {
			out = append(out, desc)
		}
	}
	return out
}

// Descriptor returns the descriptor registered for action.
func (t *Table) Descriptor(action string) (ActionDescriptor, bool) {
	if t == nil {
		return ActionDescriptor{}, false
	}
	desc, ok := t.descriptors[action]
	return desc, ok
}

// Actions returns every registered action name, sorted.
func (t *Table) Actions() []string {
	if t == nil {
		return nil
	}
	names := make([]string, 0, len(t.edges))
	for name := range t.edges {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// States returns every state mentioned by the table, sorted.
func (t *Table) States() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.states))
	for s := range t.states {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// HasState reports whether state appears in the table.
func (t *Table) HasState(state string) bool {
	if t == nil {
		return false
	}
	_, ok := t.states[state]
	return ok
}

// Clone returns an independent copy that can be extended per block kind.
func (t *Table) Clone() *Table {
	out := NewTable()
	if t == nil {
		return out
	}
	for action, sources := range t.edges {
		cp := make(map[string]string, len(sources))
		for k, v := range sources {
			cp[k] = v
		}
		out.edges[action] = cp
	}
	for k, v := range t.descriptors {
		out.descriptors[k] = v
	}
	for k := range t.states {
		out.states[k] = struct{}{}
	}
	return out
}

func mergeDescriptor(prev, next ActionDescriptor) ActionDescriptor {
	if next.Title == "" {
		next.Title = prev.Title
	}
	next.UserVisible = next.UserVisible || prev.UserVisible
	next.ReloadBlock = next.ReloadBlock || prev.ReloadBlock
	return next
}
