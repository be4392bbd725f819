// Package pytorch reads PyTorch pickle checkpoints (pytorch_model.bin and its
// sharded index form) into float32 tensors.
package pytorch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/samcharles93/tpconvert/internal/tensor"
)

const (
	// WeightsFile is the default single-file checkpoint name.
	WeightsFile = "pytorch_model.bin"
	// IndexFile maps parameter names to shard files.
	IndexFile = "pytorch_model.bin.index.json"
)

// Model holds the state dicts of one or more pickle shards. Shards are
// unpickled lazily on first access.
type Model struct {
	BasePath string

	mu     sync.Mutex
	owner  map[string]string // tensor name -> shard path
	shards map[string]map[string]*pytorch.Tensor
}

// Open accepts a .bin file, a directory holding IndexFile, or a directory
// holding WeightsFile.
func Open(path string) (*Model, error) {
	if path == "" {
		return nil, errors.New("pytorch: empty path")
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !st.IsDir() {
		if strings.HasSuffix(path, ".index.json") {
			return openIndex(filepath.Dir(path), path)
		}
		return openSingle(path)
	}

	idxPath := filepath.Join(path, IndexFile)
	if _, err := os.Stat(idxPath); err == nil {
		return openIndex(path, idxPath)
	}
	single := filepath.Join(path, WeightsFile)
	if _, err := os.Stat(single); err != nil {
		return nil, fmt.Errorf("pytorch: no %s or %s in directory: %s", WeightsFile, IndexFile, path)
	}
	return openSingle(single)
}

func openSingle(path string) (*Model, error) {
	params, err := load(path)
	if err != nil {
		return nil, err
	}
	m := &Model{
		BasePath: path,
		owner:    make(map[string]string, len(params)),
		shards:   map[string]map[string]*pytorch.Tensor{path: params},
	}
	for name := range params {
		m.owner[name] = path
	}
	return m, nil
}

type index struct {
	WeightMap map[string]string `json:"weight_map"`
}

func openIndex(dir, idxPath string) (*Model, error) {
	b, err := os.ReadFile(idxPath)
	if err != nil {
		return nil, err
	}
	var idx index
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("pytorch: parse index: %w", err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("pytorch: index has empty weight_map: %s", idxPath)
	}
	m := &Model{
		BasePath: dir,
		owner:    make(map[string]string, len(idx.WeightMap)),
		shards:   make(map[string]map[string]*pytorch.Tensor),
	}
	for name, shard := range idx.WeightMap {
		if shard == "" {
			return nil, fmt.Errorf("pytorch: invalid shard name for tensor %q", name)
		}
		m.owner[name] = filepath.Join(dir, shard)
	}
	return m, nil
}

// load unpickles one checkpoint file into a name -> tensor map.
func load(path string) (map[string]*pytorch.Tensor, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("pytorch: load %q: %w", path, err)
	}
	od, ok := obj.(*types.OrderedDict)
	if !ok {
		return nil, fmt.Errorf("pytorch: %q: expected a state dict, got %T", path, obj)
	}

	params := make(map[string]*pytorch.Tensor, od.Len())
	for k, entry := range od.Map {
		name, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("pytorch: %q: parameter name has type %T", path, k)
		}
		t, ok := entry.Value.(*pytorch.Tensor)
		if !ok {
			return nil, fmt.Errorf("pytorch: %q: parameter %q has type %T", path, name, entry.Value)
		}
		params[name] = t
	}
	return params, nil
}

// Names returns every parameter name in sorted order.
func (m *Model) Names() []string {
	out := make([]string, 0, len(m.owner))
	for name := range m.owner {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Model) shard(name string) (*pytorch.Tensor, error) {
	path, ok := m.owner[name]
	if !ok {
		return nil, fmt.Errorf("pytorch: tensor not found: %s", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shards == nil {
		return nil, errors.New("pytorch: model closed")
	}
	params, ok := m.shards[path]
	if !ok {
		var err error
		if params, err = load(path); err != nil {
			return nil, err
		}
		m.shards[path] = params
	}
	t, ok := params[name]
	if !ok {
		return nil, fmt.Errorf("pytorch: tensor %q not found in shard %q", name, filepath.Base(path))
	}
	return t, nil
}

// Shape returns the dims of a parameter, loading its shard if needed.
func (m *Model) Shape(name string) ([]int, error) {
	t, err := m.shard(name)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), t.Size...), nil
}

// ReadTensorF32 materialises a parameter as a contiguous row-major float32 slice.
func (m *Model) ReadTensorF32(name string) ([]float32, []int, error) {
	t, err := m.shard(name)
	if err != nil {
		return nil, nil, err
	}
	data, err := Contiguous(t)
	if err != nil {
		return nil, nil, fmt.Errorf("pytorch: tensor %q: %w", name, err)
	}
	return data, append([]int(nil), t.Size...), nil
}

// Close drops loaded shards.
func (m *Model) Close() error {
	m.mu.Lock()
	m.shards = nil
	m.mu.Unlock()
	return nil
}

// Contiguous copies t out of its storage honouring offset and strides.
func Contiguous(t *pytorch.Tensor) ([]float32, error) {
	var src []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		src = s.Data
	case *pytorch.HalfStorage:
		src = s.Data
	case *pytorch.BFloat16Storage:
		src = s.Data
	case *pytorch.DoubleStorage:
		src = make([]float32, len(s.Data))
		for i, v := range s.Data {
			src[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("unsupported storage %T", t.Source)
	}

	n, err := tensor.NumElements(t.Size)
	if err != nil {
		return nil, err
	}
	if len(t.Stride) != len(t.Size) {
		return nil, fmt.Errorf("stride rank %d does not match shape rank %d", len(t.Stride), len(t.Size))
	}

	if isRowMajor(t.Size, t.Stride) {
		end := t.StorageOffset + n
		if t.StorageOffset < 0 || end > len(src) {
			return nil, fmt.Errorf("storage range [%d,%d) out of bounds (%d)", t.StorageOffset, end, len(src))
		}
		return append([]float32(nil), src[t.StorageOffset:end]...), nil
	}

	out := make([]float32, n)
	idx := make([]int, len(t.Size))
	for i := range out {
		off := t.StorageOffset
		for d, v := range idx {
			off += v * t.Stride[d]
		}
		if off < 0 || off >= len(src) {
			return nil, fmt.Errorf("storage offset %d out of bounds (%d)", off, len(src))
		}
		out[i] = src[off]
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.Size[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}

func isRowMajor(size, stride []int) bool {
	want := 1
	for d := len(size) - 1; d >= 0; d-- {
		if size[d] != 1 && stride[d] != want {
			return false
		}
		want *= size[d]
	}
	return true
}
