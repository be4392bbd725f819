package convert

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/tpconvert/internal/tensor"
)

func TestGroupLayers(t *testing.T) {
	t.Parallel()
	layers, rest := GroupLayers([]string{
		"model.layers.10.mlp.up_proj.weight",
		"model.embed_tokens.weight",
		"model.layers.2.input_layernorm.weight",
		"model.layers.2.self_attn.q_proj.weight",
		"lm_head.weight",
	})
	require.Len(t, layers, 2)
	assert.Equal(t, 2, layers[0].Index)
	assert.Equal(t, 10, layers[1].Index)
	assert.Equal(t, "model.layers.2.self_attn.q_proj.weight", layers[0].Members["self_attn.q_proj.weight"])
	assert.Equal(t, []string{"model.embed_tokens.weight", "lm_head.weight"}, rest)
}

func layerSet(idx int, tails ...string) *LayerSet {
	ls := &LayerSet{Index: idx, Members: make(map[string]string)}
	for _, tail := range tails {
		ls.Members[tail] = LayerName(idx, tail)
	}
	return ls
}

func TestFusionsComplete(t *testing.T) {
	t.Parallel()
	ls := layerSet(4,
		"self_attn.q_proj.weight", "self_attn.k_proj.weight", "self_attn.v_proj.weight",
		"self_attn.q_proj.bias", "self_attn.k_proj.bias", "self_attn.v_proj.bias",
		"self_attn.o_proj.weight",
	)
	groups, err := ls.Fusions()
	require.NoError(t, err)
	require.Len(t, groups, 2)

	assert.Equal(t, "model.layers.4.attention.query_key_value.weight", groups[0].Canonical)
	assert.False(t, groups[0].Bias)
	assert.Equal(t, [3]string{
		"model.layers.4.self_attn.q_proj.weight",
		"model.layers.4.self_attn.k_proj.weight",
		"model.layers.4.self_attn.v_proj.weight",
	}, groups[0].Sources)
	assert.Equal(t, "model.layers.4.attention.query_key_value.bias", groups[1].Canonical)
	assert.True(t, groups[1].Bias)
}

func TestFusionsNoneForFusedCheckpoint(t *testing.T) {
	t.Parallel()
	groups, err := layerSet(0, "attn.c_attn.weight", "attn.c_attn.bias").Fusions()
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestFusionsIncomplete(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		tails []string
	}{
		{"one of three", []string{"self_attn.q_proj.weight"}},
		{"two of three", []string{"self_attn.q_proj.weight", "self_attn.v_proj.weight"}},
		{"partial bias", []string{
			"self_attn.q_proj.weight", "self_attn.k_proj.weight", "self_attn.v_proj.weight",
			"self_attn.k_proj.bias",
		}},
		{"mixed layouts", []string{
			"self_attn.q_proj.weight", "self_attn.k_proj.weight", "self_attn.v_proj.weight",
			"attn.c_attn.weight",
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := layerSet(7, tc.tails...).Fusions()
			var ie *IncompleteFusionError
			require.True(t, errors.As(err, &ie), "got %v", err)
			assert.Equal(t, 7, ie.Layer)
		})
	}
}

func TestFuseWeights(t *testing.T) {
	t.Parallel()
	// [out, in] sources: q is 4x2, k and v are 2x2
	q, _ := tensor.New("q", []int{4, 2}, []float32{0, 1, 2, 3, 4, 5, 6, 7})
	k, _ := tensor.New("k", []int{2, 2}, []float32{10, 11, 12, 13})
	v, _ := tensor.New("v", []int{2, 2}, []float32{20, 21, 22, 23})

	fused, err := Fuse("qkv", q, k, v)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8}, fused.Shape)
	assert.Equal(t, []float32{
		0, 2, 4, 6, 10, 12, 20, 22,
		1, 3, 5, 7, 11, 13, 21, 23,
	}, fused.Data)
}

func TestFuseBias(t *testing.T) {
	t.Parallel()
	q, _ := tensor.New("q", []int{2}, []float32{1, 2})
	k, _ := tensor.New("k", []int{1}, []float32{3})
	v, _ := tensor.New("v", []int{1}, []float32{4})
	fused, err := Fuse("qkv.bias", q, k, v)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, fused.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4}, fused.Data)
}

func TestFuseRejectsMismatchedInputs(t *testing.T) {
	t.Parallel()
	q, _ := tensor.New("q", []int{2, 2}, ramp(0, 4))
	k, _ := tensor.New("k", []int{2, 3}, ramp(0, 6))
	v, _ := tensor.New("v", []int{2}, ramp(0, 2))
	_, err := Fuse("qkv", q, k, v)
	require.Error(t, err)
	_, err = Fuse("qkv", q, k, k)
	require.Error(t, err)
}

// Fusing, splitting with factor 1 and cutting the shard back into its Q, K
// and V column blocks must give back the transposed sources.
func TestFuseSplitUnfuseRoundTrip(t *testing.T) {
	t.Parallel()
	const hidden, heads, kv, headSize = 8, 2, 1, 4
	q := mustTensor(t, "q", heads*headSize, hidden)
	k := mustTensor(t, "k", kv*headSize, hidden)
	v := mustTensor(t, "v", kv*headSize, hidden)

	fused, err := Fuse("model.layers.0.attention.query_key_value.weight", q, k, v)
	require.NoError(t, err)
	spec, err := Classify(fused.Name, 1)
	require.NoError(t, err)
	shards, err := Split(spec, fused.Name, fused, 0, Heads{Attention: heads, KV: kv})
	require.NoError(t, err)
	require.Len(t, shards, 1)

	qw, kw := heads*headSize, kv*headSize
	blocks := []tensor.ColumnRange{
		{Start: 0, End: qw},
		{Start: qw, End: qw + kw},
		{Start: qw + kw, End: qw + 2*kw},
	}
	for i, src := range []*tensor.Tensor{q, k, v} {
		got, err := tensor.GatherColumns(shards[0].Tensor, blocks[i])
		require.NoError(t, err)
		want, err := tensor.Transpose2D(src)
		require.NoError(t, err)
		assert.Equal(t, want.Shape, got.Shape)
		assert.Equal(t, want.Data, got.Data)
	}
}
