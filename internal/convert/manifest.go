package convert

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/ini.v1"

	"github.com/samcharles93/tpconvert/internal/hfconfig"
	"github.com/samcharles93/tpconvert/internal/tensor"
)

const (
	// ManifestFile is written into the output directory.
	ManifestFile    = "config.ini"
	manifestSection = "qwen"
	defaultNormEps  = 1e-6
)

// ModelMetadata is the architecture summary written to config.ini.
type ModelMetadata struct {
	ModelName        string
	Heads            int
	KVHeads          int
	HiddenSize       int
	HeadDim          int
	IntermediateSize int
	MaxSeqLen        int
	Layers           int
	VocabSize        int
	StartID          int
	EndID            int
	NormEps          float64
	RopeTheta        float64 // 0 when the config has none
	Precision        tensor.Precision
}

// NewModelMetadata derives the manifest values from cfg. The key/value head
// count is the only value with a default.
func NewModelMetadata(cfg *hfconfig.Config, p tensor.Precision) (ModelMetadata, error) {
	if cfg == nil {
		return ModelMetadata{}, fmt.Errorf("%w: config.json", hfconfig.ErrMissing)
	}
	md := ModelMetadata{ModelName: cfg.NameOrPath, NormEps: defaultNormEps, Precision: p}
	if md.ModelName == "" {
		md.ModelName = manifestSection
	}

	var err error
	if md.Heads, md.KVHeads, err = cfg.Heads(); err != nil {
		return ModelMetadata{}, err
	}
	if md.Heads <= 0 || md.KVHeads <= 0 {
		return ModelMetadata{}, fmt.Errorf("invalid head counts %d/%d", md.Heads, md.KVHeads)
	}
	ints := []struct {
		dst *int
		src *int
		key string
	}{
		{&md.HiddenSize, cfg.HiddenSize, "hidden_size"},
		{&md.IntermediateSize, cfg.IntermediateSize, "intermediate_size"},
		{&md.MaxSeqLen, cfg.MaxPositionEmbeddings, "max_position_embeddings"},
		{&md.Layers, cfg.NumHiddenLayers, "num_hidden_layers"},
		{&md.VocabSize, cfg.VocabSize, "vocab_size"},
	}
	for _, f := range ints {
		if *f.dst, err = hfconfig.Int(f.src, f.key); err != nil {
			return ModelMetadata{}, err
		}
	}
	if md.StartID, err = hfconfig.TokenID(cfg.BosTokenID, "bos_token_id"); err != nil {
		return ModelMetadata{}, err
	}
	if md.EndID, err = hfconfig.TokenID(cfg.EosTokenID, "eos_token_id"); err != nil {
		return ModelMetadata{}, err
	}
	md.HeadDim = md.HiddenSize / md.Heads

	switch {
	case cfg.RMSNormEps != nil:
		md.NormEps = *cfg.RMSNormEps
	case cfg.LayerNormEpsilon != nil:
		md.NormEps = *cfg.LayerNormEpsilon
	}
	switch {
	case cfg.RopeTheta != nil:
		md.RopeTheta = *cfg.RopeTheta
	case cfg.RotaryEmbBase != nil:
		md.RopeTheta = *cfg.RotaryEmbBase
	}
	return md, nil
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// WriteManifest writes md to <dir>/config.ini under the [qwen] section.
func WriteManifest(dir string, md ModelMetadata) error {
	file := ini.Empty()
	sec, err := file.NewSection(manifestSection)
	if err != nil {
		return err
	}
	keys := [][2]string{
		{"model_name", md.ModelName},
		{"head_num", strconv.Itoa(md.Heads)},
		{"kv_head_num", strconv.Itoa(md.KVHeads)},
		{"size_per_head", strconv.Itoa(md.HeadDim)},
		{"inter_size", strconv.Itoa(md.IntermediateSize)},
		{"max_pos_seq_len", strconv.Itoa(md.MaxSeqLen)},
		{"num_layer", strconv.Itoa(md.Layers)},
		{"rms_norm_eps", formatFloat(md.NormEps)},
		{"layernorm_type", "pre_layernorm"},
		{"activation_type", "silu"},
		{"has_post_decoder_layernorm", "1"},
		{"vocab_size", strconv.Itoa(md.VocabSize)},
		{"start_id", strconv.Itoa(md.StartID)},
		{"end_id", strconv.Itoa(md.EndID)},
		{"weight_data_type", md.Precision.String()},
	}
	if md.RopeTheta > 0 {
		keys = append(keys, [2]string{"rope_theta", formatFloat(md.RopeTheta)})
	}
	for _, kv := range keys {
		if _, err := sec.NewKey(kv[0], kv[1]); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return file.SaveTo(filepath.Join(dir, ManifestFile))
}

// EmitManifest derives and writes config.ini. Every failure comes back as a
// *ManifestWriteError.
func EmitManifest(dir string, cfg *hfconfig.Config, p tensor.Precision) (ModelMetadata, error) {
	path := filepath.Join(dir, ManifestFile)
	md, err := NewModelMetadata(cfg, p)
	if err != nil {
		return ModelMetadata{}, &ManifestWriteError{Path: path, Err: err}
	}
	if md.HiddenSize%md.Heads != 0 {
		return md, &ManifestWriteError{Path: path, Err: fmt.Errorf("hidden_size %d not divisible by %d heads", md.HiddenSize, md.Heads)}
	}
	if err := WriteManifest(dir, md); err != nil {
		return md, &ManifestWriteError{Path: path, Err: err}
	}
	return md, nil
}
