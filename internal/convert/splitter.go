package convert

import (
	"fmt"

	"github.com/samcharles93/tpconvert/internal/tensor"
)

// Shard is one output tensor. Index is -1 for unsplit tensors.
type Shard struct {
	Canonical string
	Index     int
	Tensor    *tensor.Tensor
}

// Heads carries the attention geometry needed by head-aware splits.
type Heads struct {
	Attention int
	KV        int
}

// Split cuts a prepared tensor according to spec. Shard j of rank gets the
// global index rank*Factor+j. All divisibility checks run before any shard is
// produced.
func Split(spec ShardingSpec, canonical string, t *tensor.Tensor, rank int, heads Heads) ([]Shard, error) {
	if spec.Factor <= 0 {
		return nil, fmt.Errorf("convert: %s: invalid factor %d", canonical, spec.Factor)
	}
	if rank < 0 {
		return nil, fmt.Errorf("convert: %s: invalid rank %d", canonical, rank)
	}

	switch spec.Kind {
	case Replicated:
		if rank != 0 {
			return nil, nil
		}
		return []Shard{{Canonical: canonical, Index: -1, Tensor: t}}, nil

	case RowSplit:
		if t.Shape[0]%spec.Factor != 0 {
			return nil, &IndivisibleShardError{Name: canonical, Dim: "rows", Size: t.Shape[0], Factor: spec.Factor}
		}
		blocks, err := tensor.SplitRows(t, spec.Factor)
		if err != nil {
			return nil, err
		}
		out := make([]Shard, len(blocks))
		for j, b := range blocks {
			out[j] = Shard{Canonical: canonical, Index: rank*spec.Factor + j, Tensor: b}
		}
		return out, nil

	case QKVWeight, QKVBias:
		if spec.Kind == QKVWeight && t.Rank() != 2 {
			return nil, fmt.Errorf("convert: %s: fused qkv weight must be 2-D, got %v", canonical, t.Shape)
		}
		if spec.Kind == QKVBias && t.Rank() != 1 {
			return nil, fmt.Errorf("convert: %s: fused qkv bias must be 1-D, got %v", canonical, t.Shape)
		}
		groups, err := qkvColumnGroups(canonical, t, spec.Factor, heads)
		if err != nil {
			return nil, err
		}
		out := make([]Shard, len(groups))
		for j, ranges := range groups {
			part, err := tensor.GatherColumns(t, ranges...)
			if err != nil {
				return nil, err
			}
			out[j] = Shard{Canonical: canonical, Index: rank*spec.Factor + j, Tensor: part}
		}
		return out, nil
	}
	return nil, &UnrecognizedParameterError{Name: canonical, Stage: "classify"}
}

// qkvColumnGroups returns, for every shard, the Q, K and V column ranges it
// owns. Each range covers whole heads.
func qkvColumnGroups(canonical string, t *tensor.Tensor, factor int, heads Heads) ([][]tensor.ColumnRange, error) {
	if heads.Attention <= 0 || heads.KV <= 0 {
		return nil, fmt.Errorf("convert: %s: head counts unavailable (%d/%d)", canonical, heads.Attention, heads.KV)
	}
	_, cols := t.Lead()
	total := heads.Attention + 2*heads.KV
	if cols%total != 0 {
		return nil, &IndivisibleShardError{Name: canonical, Dim: "qkv columns", Size: cols, Factor: total}
	}
	if heads.Attention%factor != 0 {
		return nil, &IndivisibleShardError{Name: canonical, Dim: "attention heads", Size: heads.Attention, Factor: factor}
	}
	if heads.KV%factor != 0 {
		return nil, &IndivisibleShardError{Name: canonical, Dim: "kv heads", Size: heads.KV, Factor: factor}
	}

	headSize := cols / total
	qWidth := headSize * heads.Attention
	kvWidth := headSize * heads.KV
	qStep, kvStep := qWidth/factor, kvWidth/factor

	groups := make([][]tensor.ColumnRange, factor)
	for j := range factor {
		groups[j] = []tensor.ColumnRange{
			{Start: j * qStep, End: (j + 1) * qStep},
			{Start: qWidth + j*kvStep, End: qWidth + (j+1)*kvStep},
			{Start: qWidth + kvWidth + j*kvStep, End: qWidth + kvWidth + (j+1)*kvStep},
		}
	}
	return groups, nil
}
