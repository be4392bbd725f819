// Package hfconfig parses the Hugging Face config.json fields the converter
// needs. Fields are pointers so a missing key can be told apart from zero.
package hfconfig

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// Config is the subset of config.json used by the manifest and the splitter.
type Config struct {
	NameOrPath    string   `json:"_name_or_path"`
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`
	TorchDtype    string   `json:"torch_dtype"`

	NumAttentionHeads     *int `json:"num_attention_heads"`
	NumKeyValueHeads      *int `json:"num_key_value_heads"`
	HiddenSize            *int `json:"hidden_size"`
	IntermediateSize      *int `json:"intermediate_size"`
	MaxPositionEmbeddings *int `json:"max_position_embeddings"`
	NumHiddenLayers       *int `json:"num_hidden_layers"`
	VocabSize             *int `json:"vocab_size"`

	// Token ids may be an int or a list of ints.
	BosTokenID json.RawMessage `json:"bos_token_id"`
	EosTokenID json.RawMessage `json:"eos_token_id"`

	RMSNormEps       *float64 `json:"rms_norm_eps"`
	LayerNormEpsilon *float64 `json:"layer_norm_epsilon"`
	RopeTheta        *float64 `json:"rope_theta"`
	RotaryEmbBase    *float64 `json:"rotary_emb_base"`
}

// Load reads and parses a config.json file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hfconfig: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("hfconfig: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw config bytes. Keys missing at the top level are filled
// from a nested text_config object when present.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, err
	}
	if text, ok := top["text_config"]; ok && len(text) > 0 && !bytes.Equal(text, []byte("null")) {
		var tc Config
		if err := json.Unmarshal(text, &tc); err != nil {
			return nil, fmt.Errorf("text_config: %w", err)
		}
		cfg.mergeMissing(&tc)
	}
	return &cfg, nil
}

func fill[T any](dst **T, src *T) {
	if *dst == nil && src != nil {
		*dst = src
	}
}

func fillRaw(dst *json.RawMessage, src json.RawMessage) {
	if len(*dst) == 0 && len(src) > 0 {
		*dst = src
	}
}

// mergeMissing never overrides model identity fields.
func (c *Config) mergeMissing(tc *Config) {
	fill(&c.NumAttentionHeads, tc.NumAttentionHeads)
	fill(&c.NumKeyValueHeads, tc.NumKeyValueHeads)
	fill(&c.HiddenSize, tc.HiddenSize)
	fill(&c.IntermediateSize, tc.IntermediateSize)
	fill(&c.MaxPositionEmbeddings, tc.MaxPositionEmbeddings)
	fill(&c.NumHiddenLayers, tc.NumHiddenLayers)
	fill(&c.VocabSize, tc.VocabSize)
	fill(&c.RMSNormEps, tc.RMSNormEps)
	fill(&c.LayerNormEpsilon, tc.LayerNormEpsilon)
	fill(&c.RopeTheta, tc.RopeTheta)
	fill(&c.RotaryEmbBase, tc.RotaryEmbBase)
	fillRaw(&c.BosTokenID, tc.BosTokenID)
	fillRaw(&c.EosTokenID, tc.EosTokenID)
}

var ErrMissing = errors.New("hfconfig: missing key")

// Heads returns the attention and key/value head counts. The key/value count
// defaults to the attention head count.
func (c *Config) Heads() (heads, kvHeads int, err error) {
	if c == nil || c.NumAttentionHeads == nil {
		return 0, 0, fmt.Errorf("%w: num_attention_heads", ErrMissing)
	}
	heads = *c.NumAttentionHeads
	kvHeads = heads
	if c.NumKeyValueHeads != nil {
		kvHeads = *c.NumKeyValueHeads
	}
	if heads <= 0 || kvHeads <= 0 {
		return 0, 0, fmt.Errorf("hfconfig: invalid head counts %d/%d", heads, kvHeads)
	}
	return heads, kvHeads, nil
}

// TokenID decodes a token id given either as a number or as a list, in which
// case the first element is used.
func TokenID(raw json.RawMessage, key string) (int, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: %s", ErrMissing, key)
	}
	var id int
	if err := json.Unmarshal(raw, &id); err == nil {
		return id, nil
	}
	var ids []int
	if err := json.Unmarshal(raw, &ids); err != nil {
		return 0, fmt.Errorf("hfconfig: %s: %w", key, err)
	}
	if len(ids) == 0 {
		return 0, fmt.Errorf("hfconfig: %s: empty list", key)
	}
	return ids[0], nil
}

// Int dereferences a required integer field.
func Int(v *int, key string) (int, error) {
	if v == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissing, key)
	}
	return *v, nil
}
