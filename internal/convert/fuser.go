package convert

import (
	"fmt"
	"sort"

	"github.com/samcharles93/tpconvert/internal/tensor"
)

// LayerSet holds the source names of one transformer layer, keyed by the
// part of the name after the layer index.
type LayerSet struct {
	Index   int
	Members map[string]string
}

// GroupLayers buckets names by layer index. Names outside any layer are
// returned separately, in input order.
func GroupLayers(names []string) (layers []*LayerSet, rest []string) {
	byIndex := make(map[int]*LayerSet)
	for _, name := range names {
		idx, tail, ok := splitLayer(name)
		if !ok {
			rest = append(rest, name)
			continue
		}
		ls, ok := byIndex[idx]
		if !ok {
			ls = &LayerSet{Index: idx, Members: make(map[string]string)}
			byIndex[idx] = ls
		}
		ls.Members[tail] = name
	}

	layers = make([]*LayerSet, 0, len(byIndex))
	for _, ls := range byIndex {
		layers = append(layers, ls)
	}
	sort.Slice(layers, func(i, j int) bool { return layers[i].Index < layers[j].Index })
	return layers, rest
}

// FusionGroup names the three sources fused into one canonical tensor.
type FusionGroup struct {
	Canonical string
	Sources   [3]string // query, key, value
	Bias      bool
}

var qkvParts = []struct {
	suffix    string
	fusedFrom string
	canonical string
	bias      bool
}{
	{".weight", "attn.c_attn.weight", "attention.query_key_value.weight", false},
	{".bias", "attn.c_attn.bias", "attention.query_key_value.bias", true},
}

// Fusions detects the query/key/value projections of the layer. All three
// must be present for fusion to happen; one or two is an error, as is a layer
// that also carries an already fused projection.
func (ls *LayerSet) Fusions() ([]FusionGroup, error) {
	var out []FusionGroup
	for _, part := range qkvParts {
		names := [3]string{
			"self_attn.q_proj" + part.suffix,
			"self_attn.k_proj" + part.suffix,
			"self_attn.v_proj" + part.suffix,
		}
		var present, missing []string
		var sources [3]string
		for i, n := range names {
			if src, ok := ls.Members[n]; ok {
				present = append(present, n)
				sources[i] = src
			} else {
				missing = append(missing, n)
			}
		}
		kind := "weight"
		if part.bias {
			kind = "bias"
		}
		if len(present) == 0 {
			continue
		}
		if len(missing) > 0 {
			return nil, &IncompleteFusionError{Layer: ls.Index, Kind: kind, Present: present, Missing: missing}
		}
		if _, ok := ls.Members[part.fusedFrom]; ok {
			return nil, &IncompleteFusionError{
				Layer:   ls.Index,
				Kind:    kind,
				Present: present,
				Reason:  "layer carries both fused and separate projections",
			}
		}
		out = append(out, FusionGroup{
			Canonical: LayerName(ls.Index, part.canonical),
			Sources:   sources,
			Bias:      part.bias,
		})
	}
	return out, nil
}

// Fuse concatenates query, key and value along the output-feature axis.
// Weights arrive as [out, in] and are transposed to [in, out] first; biases
// are 1-D and are joined directly.
func Fuse(canonical string, q, k, v *tensor.Tensor) (*tensor.Tensor, error) {
	parts := []*tensor.Tensor{q, k, v}
	rank := q.Rank()
	for _, p := range parts {
		if p.Rank() != rank || (rank != 1 && rank != 2) {
			return nil, fmt.Errorf("convert: fuse %s: unexpected shapes %s %s %s", canonical, q, k, v)
		}
	}
	if rank == 1 {
		return tensor.ConcatColumns(canonical, parts...)
	}

	transposed := make([]*tensor.Tensor, len(parts))
	for i, p := range parts {
		t, err := tensor.Transpose2D(p)
		if err != nil {
			return nil, fmt.Errorf("convert: fuse %s: %w", canonical, err)
		}
		transposed[i] = t
	}
	fused, err := tensor.ConcatColumns(canonical, transposed...)
	if err != nil {
		return nil, fmt.Errorf("convert: fuse %s: %w", canonical, err)
	}
	return fused, nil
}

// fusedShape is the shape Fuse produces for the given source shapes.
func fusedShape(shapes [3][]int) ([]int, error) {
	rank := len(shapes[0])
	width := 0
	for _, s := range shapes {
		if len(s) != rank || (rank != 1 && rank != 2) {
			return nil, fmt.Errorf("unexpected qkv shapes %v", shapes)
		}
		width += s[0]
	}
	if rank == 1 {
		return []int{width}, nil
	}
	in := shapes[0][1]
	for _, s := range shapes[1:] {
		if s[1] != in {
			return nil, fmt.Errorf("qkv input dims differ: %v", shapes)
		}
	}
	return []int{in, width}, nil
}
