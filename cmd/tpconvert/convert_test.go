package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/samcharles93/tpconvert/internal/convert"
)

func TestPrintArguments(t *testing.T) {
	var buf bytes.Buffer
	printArguments(&buf, [][2]string{{"saved_dir", "out"}, {"processes", "8"}})
	want := "\n=============== Argument ===============\n" +
		"saved_dir: out\n" +
		"processes: 8\n" +
		"========================================\n"
	if buf.String() != want {
		t.Fatalf("unexpected echo:\n%q\nwant\n%q", buf.String(), want)
	}
}

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00:00.000"},
		{1500 * time.Millisecond, "0:00:01.500"},
		{time.Hour + 2*time.Minute + 3*time.Second + 4*time.Millisecond, "1:02:03.004"},
	}
	for _, tc := range tests {
		if got := formatElapsed(tc.d); got != tc.want {
			t.Fatalf("formatElapsed(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestPrintPlan(t *testing.T) {
	names := []string{
		"model.embed_tokens.weight",
		"model.layers.0.mlp.down_proj.weight",
		"model.layers.0.self_attn.rotary_emb.inv_freq",
	}
	shapes := map[string][]int{
		"model.embed_tokens.weight":                    {10, 8},
		"model.layers.0.mlp.down_proj.weight":          {8, 16},
		"model.layers.0.self_attn.rotary_emb.inv_freq": {4},
	}
	plan, err := convert.BuildPlan(names, func(name string) ([]int, error) { return shapes[name], nil }, 2)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}

	var buf bytes.Buffer
	printPlan(&buf, plan, "")
	out := buf.String()
	for _, want := range []string{
		"model.layers.0.mlp.down_proj.weight",
		"row/row x2",
		"[16 8]",
		"wte",
		"2 tensors, 1 skipped",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("plan output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	printPlan(&buf, plan, "embed")
	if strings.Contains(buf.String(), "down_proj") || !strings.Contains(buf.String(), "1 tensors") {
		t.Fatalf("filter not applied:\n%s", buf.String())
	}
}
