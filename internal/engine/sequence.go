package engine

import (
	"fmt"
	"strings"
)

// One sequenced stage, ready to check and run.
type Entry struct {
	Ref   Ref
	Stage *Stage
}

// Expands the selected stages with their transitive requirements and
// orders the result.
//
// Ordering respects After and Before constraints among stages in the
// run set; constraints naming stages outside the set are ignored. Among
// unconstrained stages the order of declaration wins, so the result is
// stable across runs. A dependency cycle is an error.
func (g *Graph) Sequence(selected []Ref) ([]Entry, error) {
	set, order, err := g.closure(selected)
	if err != nil {
		return nil, err
	}

	after, err := g.edges(set, order)
	if err != nil {
		return nil, err
	}
	if err := detectCycle(order, after); err != nil {
		return nil, err
	}

	// Dependency-respecting stable insertion: take the first stage of
	// the working list; if any of its predecessors are still waiting,
	// move them to the front (keeping their relative order) and retry,
	// otherwise emit it.
	working := make([]Ref, len(order))
	copy(working, order)
	waiting := make(map[Ref]bool, len(order))
	for _, ref := range order {
		waiting[ref] = true
	}

	out := make([]Entry, 0, len(order))
	for len(working) > 0 {
		ref := working[0]
		pending := make(map[Ref]bool)
		for _, dep := range after[ref] {
			if waiting[dep] && dep != ref {
				pending[dep] = true
			}
		}
		if len(pending) > 0 {
			front := make([]Ref, 0, len(pending))
			rest := make([]Ref, 0, len(working))
			for _, r := range working {
				if pending[r] {
					front = append(front, r)
				} else {
					rest = append(rest, r)
				}
			}
			working = append(front, rest...)
			continue
		}
		delete(waiting, ref)
		working = working[1:]
		out = append(out, Entry{Ref: ref, Stage: set[ref]})
	}
	return out, nil
}

// Expands the selection with the transitive closure of Requires,
// preserving the order of first mention.
func (g *Graph) closure(selected []Ref) (map[Ref]*Stage, []Ref, error) {
	set := make(map[Ref]*Stage)
	var order []Ref
	queue := make([]Ref, len(selected))
	copy(queue, selected)
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		if _, ok := set[ref]; ok {
			continue
		}
		stage, ok := g.Stage(ref)
		if !ok {
			return nil, nil, fmt.Errorf("%w: unknown stage %q", ErrConfig, ref)
		}
		set[ref] = stage
		order = append(order, ref)
		for _, raw := range stage.Requires {
			deps, err := g.resolveDeps(ref, raw)
			if err != nil {
				return nil, nil, err
			}
			for _, dep := range deps {
				if _, ok := g.Stage(dep); !ok {
					return nil, nil, fmt.Errorf("%w: stage %q required by %q does not exist", ErrConfig, dep, ref)
				}
				queue = append(queue, dep)
			}
		}
	}

	// Reorder to the graph's declaration order so the sequencing seed
	// is independent of traversal order.
	ordered := make([]Ref, 0, len(order))
	for _, ref := range g.order {
		if _, ok := set[ref]; ok {
			ordered = append(ordered, ref)
		}
	}
	return set, ordered, nil
}

// Builds the after-edge map for the run set: for each stage, the stages
// it must run after. Before constraints fold into the target's after
// list.
func (g *Graph) edges(set map[Ref]*Stage, order []Ref) (map[Ref][]Ref, error) {
	after := make(map[Ref][]Ref, len(order))
	add := func(ref, dep Ref) {
		if dep == ref {
			return
		}
		if _, inSet := set[dep]; inSet {
			after[ref] = append(after[ref], dep)
		}
	}
	for _, ref := range order {
		stage := set[ref]
		for _, raw := range stage.After {
			deps, err := g.resolveDeps(ref, raw)
			if err != nil {
				return nil, err
			}
			for _, dep := range deps {
				add(ref, dep)
			}
		}
		for _, raw := range stage.Before {
			deps, err := g.resolveDeps(ref, raw)
			if err != nil {
				return nil, err
			}
			for _, dep := range deps {
				add(dep, ref)
			}
		}
	}
	return after, nil
}

// Depth-first search over the after edges, reporting the first cycle
// found.
func detectCycle(order []Ref, after map[Ref][]Ref) error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[Ref]int, len(order))
	var path []Ref

	var visit func(ref Ref) error
	visit = func(ref Ref) error {
		color[ref] = grey
		path = append(path, ref)
		for _, dep := range after[ref] {
			switch color[dep] {
			case grey:
				start := 0
				for i, r := range path {
					if r == dep {
						start = i
						break
					}
				}
				names := make([]string, 0, len(path)-start+1)
				for _, r := range path[start:] {
					names = append(names, r.String())
				}
				names = append(names, dep.String())
				return fmt.Errorf("%w: ordering cycle: %s", ErrConfig, strings.Join(names, " -> "))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[ref] = black
		return nil
	}

	for _, ref := range order {
		if color[ref] == white {
			if err := visit(ref); err != nil {
				return err
			}
		}
	}
	return nil
}
