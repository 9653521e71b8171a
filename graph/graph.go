// Package graph builds per-scope dependency graphs and orders them.
package graph

import (
	"fmt"
	"strings"
	"sync"

	experiment "github.com/goliatone/go-experiment"
)

type node struct {
	id         string
	deps       []string
	dependents []string
}

// Graph is a directed graph where an edge parent -> child means the child
// consumes something the parent produces.
type Graph struct {
	mutex sync.RWMutex
	order []string
	nodes map[string]*node
}

// New creates and returns an initialized, empty Graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// AddNode adds a node; adding an existing id does nothing.
func (g *Graph) AddNode(id string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = &node{id: id}
	g.order = append(g.order, id)
}

// AddEdge records that child depends on parent. Duplicate edges are ignored.
func (g *Graph) AddEdge(parent, child string) error {
	if parent == child {
		return fmt.Errorf("self-referential edge not allowed: %s -> %s", parent, child)
	}

	g.mutex.Lock()
	defer g.mutex.Unlock()

	p, ok := g.nodes[parent]
	if !ok {
		return fmt.Errorf("source node not found: %s", parent)
	}
	c, ok := g.nodes[child]
	if !ok {
		return fmt.Errorf("destination node not found: %s", child)
	}
	if containsID(c.deps, parent) {
		return nil
	}
	c.deps = append(c.deps, parent)
	p.dependents = append(p.dependents, child)
	return nil
}

// Has reports whether id is a node of the graph.
func (g *Graph) Has(id string) bool {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return len(g.order)
}

// Parents returns the ids id depends on, in insertion order.
func (g *Graph) Parents(id string) []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return append([]string(nil), n.deps...)
	}
	return nil
}

// Children returns the ids depending on id, in insertion order.
func (g *Graph) Children(id string) []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return append([]string(nil), n.dependents...)
	}
	return nil
}

const (
	white = iota
	grey
	black
)

// TopologicalSort returns every node with parents before children. Nodes
// without ordering constraints keep their insertion order. A cycle yields a
// CycleDetected error and no partial order.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	color := make(map[string]int, len(g.nodes))
	out := make([]string, 0, len(g.nodes))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case grey:
			return cycleError(id, stack)
		}
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.nodes[id].deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		out = append(out, id)
		return nil
	}

	for _, id := range g.order {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DetectCycles returns a CycleDetected error when the graph is not acyclic.
func (g *Graph) DetectCycles() error {
	_, err := g.TopologicalSort()
	return err
}

func cycleError(id string, stack []string) error {
	path := []string{id}
	for i := len(stack) - 1; i >= 0; i-- {
		path = append(path, stack[i])
		if stack[i] == id {
			break
		}
	}
	return experiment.NewError(experiment.ErrCycleDetected,
		fmt.Sprintf("cycle detected involving node '%s'", id), nil,
		map[string]any{"node": id, "path": strings.Join(path, " <- ")})
}

func containsID(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}
