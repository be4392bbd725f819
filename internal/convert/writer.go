package convert

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/tpconvert/internal/tensor"
)

// ShardFile records one written file.
type ShardFile struct {
	Canonical string
	Index     int
	Path      string
	Bytes     int64
	// Digest is the xxhash64 of the file contents. It is not stored in the file.
	Digest uint64
}

// ShardPath returns <dir>/model.<canonical>[.<index>].bin. A canonical name
// that already starts with "model." is not prefixed again.
func ShardPath(dir, canonical string, index int) string {
	name := canonical
	if !strings.HasPrefix(name, "model.") {
		name = "model." + name
	}
	if index >= 0 {
		name += "." + strconv.Itoa(index)
	}
	return filepath.Join(dir, name+".bin")
}

// Writer serialises shards into one output directory. It is safe for
// concurrent use.
type Writer struct {
	dir       string
	precision tensor.Precision

	mu      sync.Mutex
	claimed map[string]struct{}
}

func NewWriter(dir string, precision tensor.Precision) *Writer {
	return &Writer{dir: dir, precision: precision, claimed: make(map[string]struct{})}
}

func (w *Writer) Dir() string { return w.dir }

func (w *Writer) claim(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.claimed[path]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateShard, path)
	}
	w.claimed[path] = struct{}{}
	return nil
}

// Write creates or truncates the shard's file and dumps its data as bare
// little-endian values in the writer's precision.
func (w *Writer) Write(s Shard) (sf ShardFile, err error) {
	path := ShardPath(w.dir, s.Canonical, s.Index)
	if err := w.claim(path); err != nil {
		return ShardFile{}, err
	}

	f, err := os.Create(path)
	if err != nil {
		return ShardFile{}, fmt.Errorf("convert: create shard: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("convert: close shard %s: %w", path, cerr)
		}
	}()

	h := xxhash.New()
	bw := bufio.NewWriterSize(f, 1<<20)
	n, err := tensor.Encode(io.MultiWriter(bw, h), s.Tensor.Data, w.precision)
	if err != nil {
		return ShardFile{}, fmt.Errorf("convert: write shard %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		return ShardFile{}, fmt.Errorf("convert: write shard %s: %w", path, err)
	}

	return ShardFile{
		Canonical: s.Canonical,
		Index:     s.Index,
		Path:      path,
		Bytes:     n,
		Digest:    h.Sum64(),
	}, nil
}
