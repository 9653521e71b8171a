package fsm

import (
	"fmt"
	"sort"
	"strings"

	experiment "github.com/goliatone/go-experiment"
)

// ActionRegistry stores one handler per action name.
type ActionRegistry[H any] struct {
	handlers   map[string]H
	namespacer func(string, string) string
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry[H any]() *ActionRegistry[H] {
	return &ActionRegistry[H]{
		handlers:   make(map[string]H),
		namespacer: Namespace,
	}
}

// SetNamespacer customizes how action IDs are namespaced.
func (r *ActionRegistry[H]) SetNamespacer(fn func(string, string) string) {
	if fn != nil {
		r.namespacer = fn
	}
}

// Register adds a handler by action name.
func (r *ActionRegistry[H]) Register(name string, handler H) error {
	return r.RegisterNamespaced("", name, handler)
}

// RegisterNamespaced adds a handler under namespace+name.
func (r *ActionRegistry[H]) RegisterNamespaced(namespace, name string, handler H) error {
	if strings.TrimSpace(name) == "" {
		return experiment.NewError(experiment.ErrConfiguration, "handler name required", nil, nil)
	}
	if r.handlers == nil {
		r.handlers = make(map[string]H)
	}
	key := name
	if r.namespacer != nil {
		key = r.namespacer(namespace, name)
	}
	if _, exists := r.handlers[key]; exists {
		return experiment.NewError(experiment.ErrConfiguration,
			fmt.Sprintf("handler %s already registered", key), nil, nil)
	}
	r.handlers[key] = handler
	return nil
}

// Set registers or replaces the handler for name.
func (r *ActionRegistry[H]) Set(name string, handler H) {
	if r.handlers == nil {
		r.handlers = make(map[string]H)
	}
	r.handlers[name] = handler
}

// Lookup retrieves a handler by name.
func (r *ActionRegistry[H]) Lookup(name string) (H, bool) {
	var zero H
	if r == nil {
		return zero, false
	}
	h, ok := r.handlers[name]
	return h, ok
}

// IDs returns sorted handler IDs.
func (r *ActionRegistry[H]) IDs() []string {
	if r == nil || len(r.handlers) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone copies the registry so a kind can override entries.
func (r *ActionRegistry[H]) Clone() *ActionRegistry[H] {
	out := NewActionRegistry[H]()
	if r == nil {
		return out
	}
	out.namespacer = r.namespacer
	for k, v := range r.handlers {
		out.handlers[k] = v
	}
	return out
}

// Missing lists actions of table that have no handler.
func (r *ActionRegistry[H]) Missing(table *Table) []string {
	var missing []string
	for _, action := range table.Actions() {
		if _, ok := r.Lookup(action); !ok {
			missing = append(missing, action)
		}
	}
	return missing
}

// ValidateAgainst fails when table names an action without a handler.
func (r *ActionRegistry[H]) ValidateAgainst(table *Table) error {
	missing := r.Missing(table)
	if len(missing) == 0 {
		return nil
	}
	return experiment.NewError(experiment.ErrConfiguration,
		"no handler registered for actions: "+strings.Join(missing, ", "), nil,
		map[string]any{"missing": missing})
}

// Namespace concatenates namespace and id using ::, trimming whitespace.
func Namespace(namespace, id string) string {
	ns := strings.TrimSpace(namespace)
	ident := strings.TrimSpace(id)
	if ns == "" {
		return ident
	}
	return ns + "::" + ident
}
