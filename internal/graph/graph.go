// Package graph derives and validates the transform dependency DAG.
//
// Edges are never declared directly: transform A depends on transform B
// exactly when one of B's output paths is bound as one of A's inputs. The
// graph is validated (shape, unique producers, acyclicity) before any hash
// is computed, and optionally pruned to the ancestor closure of the
// requested build targets.
package graph

import (
	"fmt"
	"sort"

	"github.com/blockwork-eda/blockwork/internal/transform"
)

// CycleError reports a dependency cycle, naming one involved transform.
type CycleError struct {
	Node string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected involving transform %q", e.Node)
}

// Graph is the validated transform DAG for one run.
type Graph struct {
	nodes      map[string]*transform.Transform
	order      []string
	deps       map[string]map[string]struct{}
	dependents map[string]map[string]struct{}
	producers  map[string]string
	targets    map[string]struct{}
}

// Build finalizes the given transforms against the scratch root, derives
// dependency edges from path bindings, prunes to the target closure, and
// verifies acyclicity. Targets may be empty, meaning every transform is a
// target of the run.
func Build(transforms []*transform.Transform, targets []string, scratch string) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]*transform.Transform, len(transforms)),
		deps:       make(map[string]map[string]struct{}, len(transforms)),
		dependents: make(map[string]map[string]struct{}, len(transforms)),
		producers:  make(map[string]string),
		targets:    make(map[string]struct{}),
	}

	for _, t := range transforms {
		if _, dup := g.nodes[t.Name()]; dup {
			return nil, fmt.Errorf("duplicate transform name %q", t.Name())
		}
		if err := t.Finalize(scratch); err != nil {
			return nil, err
		}
		g.nodes[t.Name()] = t
		g.order = append(g.order, t.Name())
		g.deps[t.Name()] = make(map[string]struct{})
		g.dependents[t.Name()] = make(map[string]struct{})
	}

	// Index output paths by producer. A path produced twice is ambiguous
	// and therefore fatal.
	for _, name := range g.order {
		for _, paths := range g.nodes[name].OutputPaths() {
			for _, ref := range paths {
				if ref.Host == "" {
					continue
				}
				if existing, dup := g.producers[ref.Host]; dup && existing != name {
					return nil, fmt.Errorf(
						"path %q produced by both %q and %q", ref.Host, existing, name)
				}
				g.producers[ref.Host] = name
			}
		}
	}

	// Derive edges from input bindings.
	for _, name := range g.order {
		for _, ref := range g.nodes[name].InputPaths() {
			producer, ok := g.producers[ref.Host]
			if !ok || producer == name {
				continue
			}
			g.deps[name][producer] = struct{}{}
			g.dependents[producer][name] = struct{}{}
		}
	}

	for _, target := range targets {
		if _, ok := g.nodes[target]; !ok {
			return nil, fmt.Errorf("unknown build target %q", target)
		}
		g.targets[target] = struct{}{}
	}
	if len(targets) > 0 {
		g.pruneToTargets()
	} else {
		for _, name := range g.order {
			g.targets[name] = struct{}{}
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

// pruneToTargets drops every transform that is not an ancestor of a
// requested target.
func (g *Graph) pruneToTargets() {
	keep := make(map[string]struct{})
	frontier := make([]string, 0, len(g.targets))
	for name := range g.targets {
		frontier = append(frontier, name)
	}
	sort.Strings(frontier)
	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		if _, seen := keep[name]; seen {
			continue
		}
		keep[name] = struct{}{}
		for dep := range g.deps[name] {
			frontier = append(frontier, dep)
		}
	}

	var order []string
	for _, name := range g.order {
		if _, ok := keep[name]; ok {
			order = append(order, name)
			continue
		}
		delete(g.nodes, name)
		delete(g.deps, name)
		delete(g.dependents, name)
	}
	g.order = order
	for name := range g.dependents {
		for dependent := range g.dependents[name] {
			if _, ok := keep[dependent]; !ok {
				delete(g.dependents[name], dependent)
			}
		}
	}
}

// detectCycles runs a classic three-state depth-first search.
func (g *Graph) detectCycles() error {
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var visit func(name string) error
	visit = func(name string) error {
		if permanent[name] {
			return nil
		}
		if temporary[name] {
			return &CycleError{Node: name}
		}
		temporary[name] = true
		for _, dependent := range g.Dependents(name) {
			if err := visit(dependent); err != nil {
				return err
			}
		}
		delete(temporary, name)
		permanent[name] = true
		return nil
	}

	for _, name := range g.order {
		if !permanent[name] {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len returns the number of scheduled transforms.
func (g *Graph) Len() int { return len(g.order) }

// Names returns the scheduled transform names in declaration order.
func (g *Graph) Names() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Transform returns a node by name, or nil.
func (g *Graph) Transform(name string) *transform.Transform {
	return g.nodes[name]
}

// Producer returns the transform producing the given host path, if any.
func (g *Graph) Producer(hostPath string) (string, bool) {
	name, ok := g.producers[hostPath]
	if !ok {
		return "", false
	}
	if _, scheduled := g.nodes[name]; !scheduled {
		return "", false
	}
	return name, true
}

// Dependencies returns the sorted names of the transforms a node depends on.
func (g *Graph) Dependencies(name string) []string {
	return sortedSet(g.deps[name])
}

// Dependents returns the sorted names of the transforms depending on a node.
func (g *Graph) Dependents(name string) []string {
	return sortedSet(g.dependents[name])
}

// IsTarget reports whether a transform was directly requested.
func (g *Graph) IsTarget(name string) bool {
	_, ok := g.targets[name]
	return ok
}

// Topological returns the transforms in dependency order, sources first.
// Ties break on declaration order so scheduling is reproducible.
func (g *Graph) Topological() []string {
	pending := make(map[string]int, len(g.order))
	for _, name := range g.order {
		pending[name] = len(g.deps[name])
	}

	var out []string
	ready := make([]string, 0, len(g.order))
	for _, name := range g.order {
		if pending[name] == 0 {
			ready = append(ready, name)
		}
	}
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		out = append(out, name)
		for _, dependent := range g.Dependents(name) {
			pending[dependent]--
			if pending[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return out
}

// ReverseTopological returns the transforms sinks first.
func (g *Graph) ReverseTopological() []string {
	topo := g.Topological()
	out := make([]string, len(topo))
	for i, name := range topo {
		out[len(topo)-1-i] = name
	}
	return out
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
