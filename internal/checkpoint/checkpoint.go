// Package checkpoint gives the converter one view over the supported
// checkpoint formats.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/samcharles93/tpconvert/internal/pytorch"
	"github.com/samcharles93/tpconvert/internal/safetensors"
	"github.com/samcharles93/tpconvert/internal/tensor"
)

// ConfigFile is the Hugging Face model config filename.
const ConfigFile = "config.json"

// Format names a checkpoint container.
type Format string

const (
	FormatSafetensors Format = "safetensors"
	FormatPyTorch     Format = "pytorch"
	FormatMemory      Format = "memory"
)

// Checkpoint is a read-only set of named parameters. Implementations are safe
// for concurrent Load calls.
type Checkpoint interface {
	Format() Format
	// Names lists all parameters in sorted order.
	Names() []string
	Shape(name string) ([]int, error)
	// Load materialises a parameter widened to float32.
	Load(name string) (*tensor.Tensor, error)
	Close() error
}

// Open detects the format at path and opens it.
func Open(path string) (Checkpoint, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatSafetensors:
		m, err := safetensors.Open(path)
		if err != nil {
			return nil, err
		}
		return &safetensorsCheckpoint{m: m}, nil
	case FormatPyTorch:
		m, err := pytorch.Open(path)
		if err != nil {
			return nil, err
		}
		return &pytorchCheckpoint{m: m}, nil
	default:
		return nil, fmt.Errorf("checkpoint: unsupported format %q", format)
	}
}

// Detect inspects file names only; contents are validated by the readers.
func Detect(path string) (Format, error) {
	st, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !st.IsDir() {
		lower := strings.ToLower(path)
		switch {
		case strings.HasSuffix(lower, ".safetensors"):
			return FormatSafetensors, nil
		case strings.HasSuffix(lower, ".bin"), strings.HasSuffix(lower, ".pt"), strings.HasSuffix(lower, ".pth"),
			strings.HasSuffix(lower, pytorch.IndexFile):
			return FormatPyTorch, nil
		}
		return "", fmt.Errorf("checkpoint: unrecognised file type: %s", path)
	}

	ents, err := os.ReadDir(path)
	if err != nil {
		return "", err
	}
	var hasBin bool
	for _, e := range ents {
		name := e.Name()
		switch {
		case name == safetensors.IndexFile, strings.HasSuffix(name, ".safetensors"):
			// prefer safetensors when both are shipped
			return FormatSafetensors, nil
		case name == pytorch.IndexFile, name == pytorch.WeightsFile:
			hasBin = true
		}
	}
	if hasBin {
		return FormatPyTorch, nil
	}
	return "", fmt.Errorf("checkpoint: no safetensors or pytorch weights found in %s", path)
}

// ConfigPath returns the config.json expected next to a checkpoint.
func ConfigPath(input string) string {
	if st, err := os.Stat(input); err == nil && st.IsDir() {
		return filepath.Join(input, ConfigFile)
	}
	return filepath.Join(filepath.Dir(input), ConfigFile)
}

type safetensorsCheckpoint struct {
	m *safetensors.Model
}

func (c *safetensorsCheckpoint) Format() Format  { return FormatSafetensors }
func (c *safetensorsCheckpoint) Names() []string { return c.m.Names() }
func (c *safetensorsCheckpoint) Close() error    { return c.m.Close() }

func (c *safetensorsCheckpoint) Shape(name string) ([]int, error) {
	info, ok := c.m.Info(name)
	if !ok {
		return nil, fmt.Errorf("checkpoint: tensor not found: %s", name)
	}
	return slices.Clone(info.Shape), nil
}

func (c *safetensorsCheckpoint) Load(name string) (*tensor.Tensor, error) {
	data, info, err := c.m.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	return tensor.New(name, info.Shape, data)
}

type pytorchCheckpoint struct {
	m *pytorch.Model
}

func (c *pytorchCheckpoint) Format() Format                   { return FormatPyTorch }
func (c *pytorchCheckpoint) Names() []string                  { return c.m.Names() }
func (c *pytorchCheckpoint) Close() error                     { return c.m.Close() }
func (c *pytorchCheckpoint) Shape(name string) ([]int, error) { return c.m.Shape(name) }

func (c *pytorchCheckpoint) Load(name string) (*tensor.Tensor, error) {
	data, shape, err := c.m.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	return tensor.New(name, shape, data)
}

// Memory is an in-process checkpoint, used by tests and by callers that
// already hold their tensors.
type Memory struct {
	tensors map[string]*tensor.Tensor
}

// NewMemory indexes tensors by name. Duplicate names are rejected.
func NewMemory(tensors ...*tensor.Tensor) (*Memory, error) {
	m := &Memory{tensors: make(map[string]*tensor.Tensor, len(tensors))}
	for _, t := range tensors {
		if t == nil {
			return nil, errors.New("checkpoint: nil tensor")
		}
		if _, dup := m.tensors[t.Name]; dup {
			return nil, fmt.Errorf("checkpoint: duplicate tensor %q", t.Name)
		}
		m.tensors[t.Name] = t
	}
	return m, nil
}

func (m *Memory) Format() Format { return FormatMemory }

func (m *Memory) Names() []string {
	out := make([]string, 0, len(m.tensors))
	for name := range m.tensors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) Shape(name string) ([]int, error) {
	t, ok := m.tensors[name]
	if !ok {
		return nil, fmt.Errorf("checkpoint: tensor not found: %s", name)
	}
	return slices.Clone(t.Shape), nil
}

// Load returns a copy so callers may reshape freely.
func (m *Memory) Load(name string) (*tensor.Tensor, error) {
	t, ok := m.tensors[name]
	if !ok {
		return nil, fmt.Errorf("checkpoint: tensor not found: %s", name)
	}
	return tensor.New(t.Name, t.Shape, slices.Clone(t.Data))
}

func (m *Memory) Close() error { return nil }
