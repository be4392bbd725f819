package convert

import (
	"fmt"
	"strings"
)

// Kind selects a split algorithm.
type Kind int

const (
	Replicated Kind = iota
	RowSplit
	QKVWeight
	QKVBias
)

func (k Kind) String() string {
	switch k {
	case Replicated:
		return "replicated"
	case RowSplit:
		return "row"
	case QKVWeight:
		return "qkv-weight"
	case QKVBias:
		return "qkv-bias"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Axis is the dimension a tensor is cut along.
type Axis int

const (
	AxisNone Axis = iota
	AxisRow
	AxisColumn
)

func (a Axis) String() string {
	switch a {
	case AxisRow:
		return "row"
	case AxisColumn:
		return "column"
	default:
		return "none"
	}
}

// ShardingSpec is the split decision for one canonical name.
type ShardingSpec struct {
	Kind      Kind
	Axis      Axis
	Factor    int
	HeadAware bool
}

var replicatedSuffixes = []string{
	"input_layernorm.weight",
	"input_layernorm.bias",
	"attention.dense.bias",
	"post_attention_layernorm.weight",
	"post_attention_layernorm.bias",
	"mlp.dense_4h_to_h.bias",
	"final_layernorm.weight",
	"final_layernorm.bias",
}

var rowSplitSuffixes = []string{
	"attention.dense.weight",
	"mlp.gate_proj.weight",
	"mlp.up_proj.weight",
	"mlp.down_proj.weight",
}

// Classify derives the sharding spec of a canonical name. It is called once
// per tensor while planning.
func Classify(canonical string, factor int) (ShardingSpec, error) {
	if factor <= 0 {
		return ShardingSpec{}, fmt.Errorf("convert: invalid tensor parallel factor %d", factor)
	}
	for _, s := range replicatedSuffixes {
		if strings.HasSuffix(canonical, s) {
			return ShardingSpec{Kind: Replicated, Axis: AxisNone, Factor: factor}, nil
		}
	}
	for _, s := range rowSplitSuffixes {
		if strings.HasSuffix(canonical, s) {
			return ShardingSpec{Kind: RowSplit, Axis: AxisRow, Factor: factor}, nil
		}
	}
	switch {
	case strings.HasSuffix(canonical, "attention.query_key_value.weight"):
		return ShardingSpec{Kind: QKVWeight, Axis: AxisColumn, Factor: factor, HeadAware: true}, nil
	case strings.HasSuffix(canonical, "attention.query_key_value.bias"):
		return ShardingSpec{Kind: QKVBias, Axis: AxisColumn, Factor: factor, HeadAware: true}, nil
	}
	return ShardingSpec{}, &UnrecognizedParameterError{Name: canonical, Stage: "classify"}
}
