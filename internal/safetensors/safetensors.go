package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/tpconvert/internal/tensor"
)

// IndexFile is the standard Hugging Face sharded safetensors index filename.
const IndexFile = "model.safetensors.index.json"

// real-world headers are a few KB
const maxHeaderSize = 256 << 20

// TensorInfo describes a tensor payload. Start/End are absolute file offsets
// (End is exclusive).
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

func (ti TensorInfo) Size() int64 { return ti.End - ti.Start }

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// File provides random access to the tensors of one .safetensors file.
//
// The file is memory mapped when possible; otherwise reads go through
// ReadAt. Both paths are safe for concurrent use.
type File struct {
	Path     string
	Tensors  map[string]TensorInfo
	Metadata map[string]string

	f    *os.File
	data []byte
}

// OpenFile opens and parses a single .safetensors file.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sf, err := parse(path, f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return sf, nil
}

func parse(path string, f *os.File) (*File, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 {
		return nil, fmt.Errorf("safetensors: file too small: %s", path)
	}

	sf := &File{Path: path, f: f}
	if size <= int64(int(^uint(0)>>1)) {
		if data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED); err == nil {
			sf.data = data
		}
	}

	var lenBuf [8]byte
	if err := sf.readAt(lenBuf[:], 0); err != nil {
		sf.unmap()
		return nil, err
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > maxHeaderSize || int64(headerLen)+8 > size {
		sf.unmap()
		return nil, fmt.Errorf("safetensors: invalid header length %d: %s", headerLen, path)
	}
	header := make([]byte, headerLen)
	if err := sf.readAt(header, 8); err != nil {
		sf.unmap()
		return nil, err
	}

	if err := sf.parseHeader(header, 8+int64(headerLen), size); err != nil {
		sf.unmap()
		return nil, err
	}
	return sf, nil
}

func (sf *File) parseHeader(header []byte, dataStart, size int64) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return fmt.Errorf("safetensors: parse header: %w", err)
	}
	if meta, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &sf.Metadata); err != nil {
			return fmt.Errorf("safetensors: parse metadata: %w", err)
		}
		delete(raw, "__metadata__")
	}

	sf.Tensors = make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return fmt.Errorf("safetensors: parse tensor %q: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return fmt.Errorf("safetensors: tensor %q: invalid data_offsets", name)
		}
		start, end := dataStart+th.DataOffsets[0], dataStart+th.DataOffsets[1]
		if th.DataOffsets[0] < 0 || end < start || end > size {
			return fmt.Errorf("safetensors: tensor %q: out-of-bounds data range", name)
		}
		if _, err := tensor.NumElements(th.Shape); err != nil {
			return fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}
		sf.Tensors[name] = TensorInfo{DType: th.DType, Shape: th.Shape, Start: start, End: end}
	}
	return nil
}

func (sf *File) readAt(dst []byte, off int64) error {
	if sf.data != nil {
		if off+int64(len(dst)) > int64(len(sf.data)) {
			return io.ErrUnexpectedEOF
		}
		copy(dst, sf.data[off:])
		return nil
	}
	_, err := sf.f.ReadAt(dst, off)
	return err
}

func (sf *File) unmap() {
	if sf.data != nil {
		_ = unix.Munmap(sf.data)
		sf.data = nil
	}
}

func (sf *File) Close() error {
	if sf == nil || sf.f == nil {
		return nil
	}
	sf.unmap()
	err := sf.f.Close()
	sf.f = nil
	return err
}

func (sf *File) Tensor(name string) (TensorInfo, bool) {
	ti, ok := sf.Tensors[name]
	return ti, ok
}

// ReadTensor returns the raw little-endian payload of a tensor.
func (sf *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	if sf == nil || sf.f == nil {
		return nil, TensorInfo{}, errors.New("safetensors: file closed")
	}
	ti, ok := sf.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: tensor not found: %s", name)
	}
	buf := make([]byte, ti.Size())
	if err := sf.readAt(buf, ti.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: read tensor %q: %w", name, err)
	}
	return buf, ti, nil
}

// ReadTensorF32 reads a tensor and widens F32, F16 and BF16 payloads to float32.
func (sf *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := sf.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	n, err := tensor.NumElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}

	var elem int
	var decode func([]byte) []float32
	switch strings.ToUpper(info.DType) {
	case "F32":
		elem, decode = 4, tensor.DecodeF32
	case "F16":
		elem, decode = 2, tensor.DecodeF16
	case "BF16":
		elem, decode = 2, tensor.DecodeBF16
	default:
		return nil, TensorInfo{}, fmt.Errorf("safetensors: tensor %q: unsupported dtype %s", name, info.DType)
	}
	if len(raw) != n*elem {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: tensor %q: dtype/shape mismatch (want %d bytes, have %d)", name, n*elem, len(raw))
	}
	return decode(raw), info, nil
}

// Model is a unified view of a single safetensors file or a sharded model
// described by IndexFile.
type Model struct {
	BasePath string
	Files    map[string]*File // key: shard filename
	owner    map[string]*File // key: tensor name
}

// Open opens either:
//   - a single .safetensors file
//   - a directory containing IndexFile
//   - a directory containing exactly one *.safetensors file
func Open(path string) (*Model, error) {
	if path == "" {
		return nil, errors.New("safetensors: empty path")
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !st.IsDir() {
		if !strings.HasSuffix(strings.ToLower(path), ".safetensors") {
			return nil, fmt.Errorf("safetensors: expected .safetensors file: %s", path)
		}
		sf, err := OpenFile(path)
		if err != nil {
			return nil, err
		}
		m := &Model{
			BasePath: path,
			Files:    map[string]*File{filepath.Base(path): sf},
			owner:    make(map[string]*File, len(sf.Tensors)),
		}
		for name := range sf.Tensors {
			m.owner[name] = sf
		}
		return m, nil
	}

	idxPath := filepath.Join(path, IndexFile)
	if _, err := os.Stat(idxPath); err == nil {
		return openIndex(path, idxPath)
	}

	single, err := findSingle(path)
	if err != nil {
		return nil, err
	}
	return Open(single)
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
		return nil, fmt.Errorf("safetensors: parse index: %w", err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("safetensors: index has empty weight_map: %s", idxPath)
	}

	m := &Model{
		BasePath: dir,
		Files:    make(map[string]*File),
		owner:    make(map[string]*File, len(idx.WeightMap)),
	}
	for name, shard := range idx.WeightMap {
		sf, ok := m.Files[shard]
		if !ok {
			if shard == "" {
				_ = m.Close()
				return nil, fmt.Errorf("safetensors: invalid shard name for tensor %q", name)
			}
			sf, err = OpenFile(filepath.Join(dir, shard))
			if err != nil {
				_ = m.Close()
				return nil, err
			}
			m.Files[shard] = sf
		}
		if _, ok := sf.Tensor(name); !ok {
			_ = m.Close()
			return nil, fmt.Errorf("safetensors: tensor %q not found in shard %q", name, shard)
		}
		m.owner[name] = sf
	}
	return m, nil
}

func findSingle(dir string) (string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".safetensors") {
			matches = append(matches, filepath.Join(dir, e.Name()))
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("safetensors: no .safetensors file and no %s in directory: %s", IndexFile, dir)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("safetensors: found %d .safetensors files but no %s in directory: %s", len(matches), IndexFile, dir)
	}
}

func (m *Model) Close() error {
	if m == nil {
		return nil
	}
	var first error
	for _, f := range m.Files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Names returns all tensor names in sorted order.
func (m *Model) Names() []string {
	out := make([]string, 0, len(m.owner))
	for name := range m.owner {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Model) Info(name string) (TensorInfo, bool) {
	sf, ok := m.owner[name]
	if !ok {
		return TensorInfo{}, false
	}
	return sf.Tensor(name)
}

func (m *Model) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	sf, ok := m.owner[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: tensor not found: %s", name)
	}
	return sf.ReadTensorF32(name)
}
