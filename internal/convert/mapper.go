package convert

import (
	"strconv"
	"strings"
)

// RouteKind says what the engine does with a mapped parameter.
type RouteKind int

const (
	// RouteShard sends the tensor through the splitter.
	RouteShard RouteKind = iota
	// RouteWhole writes the tensor unsplit and untransposed.
	RouteWhole
	// RouteSkip drops derived buffers that are not weights.
	RouteSkip
)

func (k RouteKind) String() string {
	switch k {
	case RouteShard:
		return "shard"
	case RouteWhole:
		return "whole"
	case RouteSkip:
		return "skip"
	default:
		return "RouteKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Route is the mapping decision for one source parameter.
type Route struct {
	Source    string
	Canonical string
	Kind      RouteKind
	// Transpose is set for layer tensors; it only applies to 2-D data.
	Transpose bool
}

// layerPrefixes maps per-layer container prefixes to the target container.
var layerPrefixes = []struct{ from, to string }{
	{"transformer.h.", "model.layers."}, // qwen
	{"model.layers.", "model.layers."},  // qwen2
}

// suffixTable is matched by substring on the original source name, first
// match wins.
var suffixTable = []struct{ from, to string }{
	{"ln_1.weight", "input_layernorm.weight"},
	{"attn.c_attn.weight", "attention.query_key_value.weight"},
	{"attn.c_attn.bias", "attention.query_key_value.bias"},
	{"attn.c_proj.weight", "attention.dense.weight"},
	{"ln_2.weight", "post_attention_layernorm.weight"},
	{"mlp.w2.weight", "mlp.gate_proj.weight"},
	{"mlp.w1.weight", "mlp.up_proj.weight"},
	{"mlp.c_proj.weight", "mlp.down_proj.weight"},
	{"input_layernorm.weight", "input_layernorm.weight"},
	{"self_attn.o_proj.weight", "attention.dense.weight"},
	{"post_attention_layernorm.weight", "post_attention_layernorm.weight"},
	{"mlp.gate_proj.weight", "mlp.gate_proj.weight"},
	{"mlp.up_proj.weight", "mlp.up_proj.weight"},
	{"mlp.down_proj.weight", "mlp.down_proj.weight"},
}

var wholeTensors = map[string]string{
	"transformer.wte.weight":    "wte",
	"model.embed_tokens.weight": "wte",
	"lm_head.weight":            "lm_head.weight",
}

var finalNorms = map[string]bool{
	"transformer.ln_f.weight": true,
	"model.norm.weight":       true,
}

// MapParameter maps a source parameter name to its canonical target name.
func MapParameter(source string) (Route, error) {
	if c, ok := wholeTensors[source]; ok {
		return Route{Source: source, Canonical: c, Kind: RouteWhole}, nil
	}
	if finalNorms[source] {
		return Route{Source: source, Canonical: "final_layernorm.weight", Kind: RouteShard}, nil
	}
	if strings.HasSuffix(source, "rotary_emb.inv_freq") {
		return Route{Source: source, Kind: RouteSkip}, nil
	}

	layer, _, ok := splitLayer(source)
	if !ok {
		return Route{}, &UnrecognizedParameterError{Name: source, Stage: "map"}
	}
	for _, e := range suffixTable {
		if strings.Contains(source, e.from) {
			return Route{
				Source:    source,
				Canonical: LayerName(layer, e.to),
				Kind:      RouteShard,
				Transpose: true,
			}, nil
		}
	}
	return Route{}, &UnrecognizedParameterError{Name: source, Stage: "map"}
}

// LayerName builds the canonical name of a per-layer parameter.
func LayerName(layer int, suffix string) string {
	return layerPrefixes[0].to + strconv.Itoa(layer) + "." + suffix
}

// splitLayer parses "<prefix>N.<rest>" for any known layer prefix.
func splitLayer(name string) (layer int, rest string, ok bool) {
	for _, p := range layerPrefixes {
		after, found := strings.CutPrefix(name, p.from)
		if !found {
			continue
		}
		idx, tail, found := strings.Cut(after, ".")
		if !found {
			return 0, "", false
		}
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return 0, "", false
		}
		return n, tail, true
	}
	return 0, "", false
}
