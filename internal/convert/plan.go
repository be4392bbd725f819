package convert

import (
	"fmt"
	"slices"
	"sort"

	"github.com/samcharles93/tpconvert/internal/tensor"
)

// PlanEntry is one unit of work: a canonical tensor built from one source
// parameter, or from three when query/key/value are fused.
type PlanEntry struct {
	Canonical string
	Sources   []string
	Route     RouteKind
	Spec      ShardingSpec // set when Route is RouteShard
	Fused     bool
	Transpose bool
	// Shape is the prepared shape, after transpose or fusion.
	Shape []int
}

// Plan is the full conversion schedule of a checkpoint.
type Plan struct {
	Entries []PlanEntry
	Skipped []string
}

// ShapeFunc reports the source shape of a parameter.
type ShapeFunc func(name string) ([]int, error)

// Loader materialises source parameters.
type Loader interface {
	Load(name string) (*tensor.Tensor, error)
}

// BuildPlan maps, groups and classifies every name. Any unrecognised name or
// incomplete fusion fails the whole plan, so nothing is written for a
// checkpoint the converter does not fully understand.
func BuildPlan(names []string, shape ShapeFunc, factor int) (*Plan, error) {
	plan := &Plan{}
	consumed := make(map[string]bool)
	owner := make(map[string]string)

	add := func(e PlanEntry) error {
		if prev, dup := owner[e.Canonical]; dup {
			return fmt.Errorf("convert: %s and %s both map to %s", prev, e.Sources[0], e.Canonical)
		}
		owner[e.Canonical] = e.Sources[0]
		plan.Entries = append(plan.Entries, e)
		return nil
	}

	layers, _ := GroupLayers(names)
	for _, ls := range layers {
		groups, err := ls.Fusions()
		if err != nil {
			return nil, err
		}
		for _, g := range groups {
			var shapes [3][]int
			for i, src := range g.Sources {
				if shapes[i], err = shape(src); err != nil {
					return nil, err
				}
				consumed[src] = true
			}
			fused, err := fusedShape(shapes)
			if err != nil {
				return nil, fmt.Errorf("convert: %s: %w", g.Canonical, err)
			}
			spec, err := Classify(g.Canonical, factor)
			if err != nil {
				return nil, err
			}
			if err := add(PlanEntry{
				Canonical: g.Canonical,
				Sources:   g.Sources[:],
				Route:     RouteShard,
				Spec:      spec,
				Fused:     true,
				Shape:     fused,
			}); err != nil {
				return nil, err
			}
		}
	}

	for _, name := range names {
		if consumed[name] {
			continue
		}
		route, err := MapParameter(name)
		if err != nil {
			return nil, err
		}
		if route.Kind == RouteSkip {
			plan.Skipped = append(plan.Skipped, name)
			continue
		}
		s, err := shape(name)
		if err != nil {
			return nil, err
		}
		s = slices.Clone(s)
		transpose := route.Transpose && len(s) == 2
		if transpose {
			s[0], s[1] = s[1], s[0]
		}
		e := PlanEntry{
			Canonical: route.Canonical,
			Sources:   []string{name},
			Route:     route.Kind,
			Transpose: transpose,
			Shape:     s,
		}
		if route.Kind == RouteShard {
			if e.Spec, err = Classify(route.Canonical, factor); err != nil {
				return nil, err
			}
		}
		if err := add(e); err != nil {
			return nil, err
		}
	}

	sort.Slice(plan.Entries, func(i, j int) bool { return plan.Entries[i].Canonical < plan.Entries[j].Canonical })
	return plan, nil
}

// Prepare loads the entry's sources and returns the tensor in its target
// layout, named by its canonical name.
func (e PlanEntry) Prepare(l Loader) (*tensor.Tensor, error) {
	if e.Fused {
		parts := make([]*tensor.Tensor, len(e.Sources))
		for i, src := range e.Sources {
			t, err := l.Load(src)
			if err != nil {
				return nil, err
			}
			parts[i] = t
		}
		return Fuse(e.Canonical, parts[0], parts[1], parts[2])
	}

	t, err := l.Load(e.Sources[0])
	if err != nil {
		return nil, err
	}
	if e.Transpose {
		if t, err = tensor.Transpose2D(t); err != nil {
			return nil, err
		}
	}
	return t.Renamed(e.Canonical), nil
}
