package convert

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateShard is returned when a (tensor, shard index) pair is written
// twice within one run. On disk the second write would silently replace the
// first, so the writer refuses it.
var ErrDuplicateShard = errors.New("convert: duplicate shard")

// UnrecognizedParameterError reports a name that matches no mapping or
// sharding rule.
type UnrecognizedParameterError struct {
	Name  string
	Stage string // "map" or "classify"
}

func (e *UnrecognizedParameterError) Error() string {
	return fmt.Sprintf("convert: unrecognized parameter %q (%s)", e.Name, e.Stage)
}

// IndivisibleShardError reports a factor that does not evenly divide the
// dimension a tensor is split along.
type IndivisibleShardError struct {
	Name   string
	Dim    string
	Size   int
	Factor int
}

func (e *IndivisibleShardError) Error() string {
	return fmt.Sprintf("convert: %s: %s=%d is not divisible by %d", e.Name, e.Dim, e.Size, e.Factor)
}

// IncompleteFusionError reports a layer whose query/key/value projections
// cannot be fused atomically.
type IncompleteFusionError struct {
	Layer   int
	Kind    string // "weight" or "bias"
	Present []string
	Missing []string
	Reason  string
}

func (e *IncompleteFusionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "convert: layer %d: incomplete qkv %s fusion", e.Layer, e.Kind)
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, " (missing %s)", strings.Join(e.Missing, ", "))
	}
	return b.String()
}

// ManifestWriteError wraps any failure to derive or persist config.ini.
type ManifestWriteError struct {
	Path string
	Err  error
}

func (e *ManifestWriteError) Error() string {
	return fmt.Sprintf("convert: write manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestWriteError) Unwrap() error { return e.Err }
