package engine

import (
	"fmt"
	"strings"
)

// The full set of registered builders and their stages. A Graph is
// immutable once built; Select and Sequence derive run plans from it.
type Graph struct {
	order    []Ref
	stages   map[Ref]*Stage
	builders map[string]Builder
}

// Builds a graph from the given builders. Stage declaration order is
// preserved: builders in the order given, stages in the order each
// builder returns them. Duplicate builder or stage names are an error.
func NewGraph(builders ...Builder) (*Graph, error) {
	g := &Graph{
		stages:   make(map[Ref]*Stage),
		builders: make(map[string]Builder),
	}
	for _, b := range builders {
		name := b.Name()
		if name == All || strings.Contains(name, ":") {
			return nil, fmt.Errorf("%w: invalid builder name %q", ErrConfig, name)
		}
		if _, ok := g.builders[name]; ok {
			return nil, fmt.Errorf("%w: duplicate builder %q", ErrConfig, name)
		}
		g.builders[name] = b
		for _, s := range b.Stages() {
			ref := Ref{Builder: name, Stage: s.Name}
			if s.Name == All || strings.Contains(s.Name, ":") {
				return nil, fmt.Errorf("%w: invalid stage name %q", ErrConfig, ref)
			}
			if _, ok := g.stages[ref]; ok {
				return nil, fmt.Errorf("%w: duplicate stage %q", ErrConfig, ref)
			}
			g.stages[ref] = s
			g.order = append(g.order, ref)
		}
	}
	return g, nil
}

// Returns the builder registered under name, or nil.
func (g *Graph) Builder(name string) Builder {
	return g.builders[name]
}

// Returns all registered stage references in declaration order.
func (g *Graph) Refs() []Ref {
	refs := make([]Ref, len(g.order))
	copy(refs, g.order)
	return refs
}

// Returns the stage registered under ref.
func (g *Graph) Stage(ref Ref) (*Stage, bool) {
	s, ok := g.stages[ref]
	return s, ok
}

// Resolves a raw dependency selector declared by the owner stage. A bare
// stage name refers to a stage of the same builder. Wildcard halves
// expand the same way user selectors do, except that the owner itself
// never matches; a wildcard matching nothing resolves to the empty set.
func (g *Graph) resolveDeps(owner Ref, raw string) ([]Ref, error) {
	if !strings.Contains(raw, ":") {
		raw = owner.Builder + ":" + raw
	}
	sel, err := ParseRef(raw)
	if err != nil {
		return nil, err
	}
	if !sel.wildcard() {
		return []Ref{sel}, nil
	}
	var out []Ref
	for _, ref := range g.order {
		if ref == owner || !sel.matches(ref) {
			continue
		}
		if sel.Stage == All && !g.stages[ref].IncludeInAll {
			continue
		}
		out = append(out, ref)
	}
	return out, nil
}

// Expands the given selectors into a deduplicated list of concrete
// stage references, preserving the order of first mention. A wildcard
// with an ALL stage half skips stages declared with IncludeInAll false;
// a wildcard naming a concrete stage matches it regardless. A selector
// matching no stage at all is an error.
func (g *Graph) Select(selectors []string) ([]Ref, error) {
	var out []Ref
	seen := make(map[Ref]bool)
	add := func(ref Ref) {
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	for _, raw := range selectors {
		sel, err := ParseRef(raw)
		if err != nil {
			return nil, err
		}
		if !sel.wildcard() {
			if _, ok := g.stages[sel]; !ok {
				return nil, fmt.Errorf("%w: unknown stage %q", ErrConfig, sel)
			}
			add(sel)
			continue
		}
		matched := false
		for _, ref := range g.order {
			if !sel.matches(ref) {
				continue
			}
			if sel.Stage == All && !g.stages[ref].IncludeInAll {
				continue
			}
			matched = true
			add(ref)
		}
		if !matched {
			return nil, fmt.Errorf("%w: selector %q matches no stage", ErrConfig, sel)
		}
	}
	return out, nil
}
