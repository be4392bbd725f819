package convert

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"

	"github.com/samcharles93/tpconvert/internal/hfconfig"
	"github.com/samcharles93/tpconvert/internal/tensor"
)

func TestEmitManifest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	md, err := EmitManifest(dir, tinyConfig(t), tensor.FP16)
	require.NoError(t, err)
	assert.Equal(t, 4, md.HeadDim)

	f, err := ini.Load(filepath.Join(dir, ManifestFile))
	require.NoError(t, err)
	sec := f.Section("qwen")

	want := map[string]string{
		"model_name":                 "tiny-qwen2",
		"head_num":                   "2",
		"kv_head_num":                "1",
		"size_per_head":              "4",
		"inter_size":                 "16",
		"max_pos_seq_len":            "64",
		"num_layer":                  "1",
		"rms_norm_eps":               "1e-05",
		"layernorm_type":             "pre_layernorm",
		"activation_type":            "silu",
		"has_post_decoder_layernorm": "1",
		"vocab_size":                 "10",
		"start_id":                   "1",
		"end_id":                     "2",
		"weight_data_type":           "fp16",
		"rope_theta":                 "10000",
	}
	for k, v := range want {
		assert.Equal(t, v, sec.Key(k).String(), k)
	}
	assert.Equal(t, []string{
		"model_name", "head_num", "kv_head_num", "size_per_head", "inter_size",
		"max_pos_seq_len", "num_layer", "rms_norm_eps", "layernorm_type",
		"activation_type", "has_post_decoder_layernorm", "vocab_size", "start_id",
		"end_id", "weight_data_type", "rope_theta",
	}, sec.KeyStrings())
}

func TestEmitManifestDefaults(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := tinyConfig(t, "num_key_value_heads", "rms_norm_eps", "rope_theta", "_name_or_path")
	md, err := EmitManifest(dir, cfg, tensor.FP32)
	require.NoError(t, err)
	assert.Equal(t, md.Heads, md.KVHeads)

	f, err := ini.Load(filepath.Join(dir, ManifestFile))
	require.NoError(t, err)
	sec := f.Section("qwen")
	assert.Equal(t, "qwen", sec.Key("model_name").String())
	assert.Equal(t, "2", sec.Key("kv_head_num").String())
	assert.Equal(t, "1e-06", sec.Key("rms_norm_eps").String())
	assert.Equal(t, "fp32", sec.Key("weight_data_type").String())
	assert.False(t, sec.HasKey("rope_theta"))
}

func TestEmitManifestMissingKey(t *testing.T) {
	t.Parallel()
	for _, key := range []string{
		"num_attention_heads", "hidden_size", "intermediate_size", "max_position_embeddings",
		"num_hidden_layers", "vocab_size", "bos_token_id", "eos_token_id",
	} {
		dir := t.TempDir()
		_, err := EmitManifest(dir, tinyConfig(t, key), tensor.FP16)
		var me *ManifestWriteError
		require.True(t, errors.As(err, &me), "%s: got %v", key, err)
		assert.True(t, errors.Is(err, hfconfig.ErrMissing), key)

		_, statErr := os.Stat(filepath.Join(dir, ManifestFile))
		assert.True(t, os.IsNotExist(statErr), "%s: manifest should not exist", key)
	}

	_, err := EmitManifest(t.TempDir(), nil, tensor.FP16)
	var me *ManifestWriteError
	require.True(t, errors.As(err, &me))
}
