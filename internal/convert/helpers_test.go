package convert

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/tpconvert/internal/checkpoint"
	"github.com/samcharles93/tpconvert/internal/hfconfig"
	"github.com/samcharles93/tpconvert/internal/tensor"
)

// ramp returns n values starting at base, so every tensor in a fixture has
// distinct contents.
func ramp(base float32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = base + float32(i)
	}
	return out
}

func mustTensor(t *testing.T, name string, shape ...int) *tensor.Tensor {
	t.Helper()
	n, err := tensor.NumElements(shape)
	require.NoError(t, err)
	// the name hash keeps contents distinct across tensors
	var base float32
	for _, c := range name {
		base += float32(c)
	}
	tt, err := tensor.New(name, shape, ramp(base, n))
	require.NoError(t, err)
	return tt
}

// tinyQwen2 has hidden=8, heads=2, kv_heads=1 (head size 4), inter=16,
// vocab=10 and a single layer.
func tinyQwen2(t *testing.T) []*tensor.Tensor {
	t.Helper()
	p := "model.layers.0."
	return []*tensor.Tensor{
		mustTensor(t, "model.embed_tokens.weight", 10, 8),
		mustTensor(t, p+"input_layernorm.weight", 8),
		mustTensor(t, p+"self_attn.q_proj.weight", 8, 8),
		mustTensor(t, p+"self_attn.k_proj.weight", 4, 8),
		mustTensor(t, p+"self_attn.v_proj.weight", 4, 8),
		mustTensor(t, p+"self_attn.q_proj.bias", 8),
		mustTensor(t, p+"self_attn.k_proj.bias", 4),
		mustTensor(t, p+"self_attn.v_proj.bias", 4),
		mustTensor(t, p+"self_attn.o_proj.weight", 8, 8),
		mustTensor(t, p+"self_attn.rotary_emb.inv_freq", 2),
		mustTensor(t, p+"post_attention_layernorm.weight", 8),
		mustTensor(t, p+"mlp.gate_proj.weight", 16, 8),
		mustTensor(t, p+"mlp.up_proj.weight", 16, 8),
		mustTensor(t, p+"mlp.down_proj.weight", 8, 16),
		mustTensor(t, "model.norm.weight", 8),
		mustTensor(t, "lm_head.weight", 10, 8),
	}
}

func memoryCheckpoint(t *testing.T, tensors []*tensor.Tensor) *checkpoint.Memory {
	t.Helper()
	m, err := checkpoint.NewMemory(tensors...)
	require.NoError(t, err)
	return m
}

func tinyConfig(t *testing.T, drop ...string) *hfconfig.Config {
	t.Helper()
	raw := map[string]any{
		"_name_or_path":           "tiny-qwen2",
		"num_attention_heads":     2,
		"num_key_value_heads":     1,
		"hidden_size":             8,
		"intermediate_size":       16,
		"max_position_embeddings": 64,
		"num_hidden_layers":       1,
		"vocab_size":              10,
		"bos_token_id":            1,
		"eos_token_id":            []int{2, 3},
		"rms_norm_eps":            1e-5,
		"rope_theta":              10000.0,
	}
	for _, k := range drop {
		delete(raw, k)
	}
	b, err := json.Marshal(raw)
	require.NoError(t, err)
	cfg, err := hfconfig.Parse(b)
	require.NoError(t, err)
	return cfg
}

func binFiles(t *testing.T, dir string) []string {
	t.Helper()
	ents, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range ents {
		if strings.HasSuffix(e.Name(), ".bin") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}

func readF32(t *testing.T, path string) []float32 {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return tensor.DecodeF32(b)
}

func fileSize(t *testing.T, dir, name string) int64 {
	t.Helper()
	st, err := os.Stat(filepath.Join(dir, name))
	require.NoError(t, err)
	return st.Size()
}
