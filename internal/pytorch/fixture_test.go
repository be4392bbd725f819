package pytorch

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"strconv"
	"testing"

	"github.com/x448/float16"
)

type fixtureTensor struct {
	name    string
	half    bool
	storage []float32
	offset  int
	size    []int
	stride  []int
}

// pickler emits the protocol 2 opcodes torch.save produces for a state dict.
type pickler struct{ bytes.Buffer }

func (p *pickler) unicode(s string) {
	p.WriteByte('X')
	_ = binary.Write(&p.Buffer, binary.LittleEndian, uint32(len(s)))
	p.WriteString(s)
}

func (p *pickler) binint(v int) {
	p.WriteByte('J')
	_ = binary.Write(&p.Buffer, binary.LittleEndian, int32(v))
}

func (p *pickler) global(module, name string) {
	p.WriteString("c" + module + "\n" + name + "\n")
}

func (p *pickler) ints(vs []int) {
	p.WriteByte('(')
	for _, v := range vs {
		p.binint(v)
	}
	p.WriteByte('t')
}

// writeCheckpoint creates a zip-format pytorch checkpoint. Each tensor gets
// its own storage record.
func writeCheckpoint(t *testing.T, path string, tensors []fixtureTensor) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	add := func(name string, data []byte) {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		if err != nil {
			t.Fatalf("zip %s: %v", name, err)
		}
		if _, err := w.Write(data); err != nil {
			t.Fatalf("zip %s: %v", name, err)
		}
	}

	var p pickler
	p.WriteString("\x80\x02")
	p.global("collections", "OrderedDict")
	p.WriteString(")R(")
	for i, ft := range tensors {
		key := strconv.Itoa(i)
		class := "FloatStorage"
		var raw []byte
		if ft.half {
			class = "HalfStorage"
			raw = make([]byte, 2*len(ft.storage))
			for j, v := range ft.storage {
				binary.LittleEndian.PutUint16(raw[j*2:], float16.Fromfloat32(v).Bits())
			}
		} else {
			raw = make([]byte, 4*len(ft.storage))
			for j, v := range ft.storage {
				binary.LittleEndian.PutUint32(raw[j*4:], math.Float32bits(v))
			}
		}
		add("archive/data/"+key, raw)

		p.unicode(ft.name)
		p.global("torch._utils", "_rebuild_tensor_v2")
		p.WriteString("((")
		p.unicode("storage")
		p.global("torch", class)
		p.unicode(key)
		p.unicode("cpu")
		p.binint(len(ft.storage))
		p.WriteString("tQ")
		p.binint(ft.offset)
		p.ints(ft.size)
		p.ints(ft.stride)
		p.WriteString("\x89}tR")
	}
	p.WriteString("u.")
	add("archive/data.pkl", p.Bytes())
	add("archive/version", []byte("3\n"))

	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
}

// sampleTensors holds one contiguous F32 tensor and one F16 tensor stored as
// the transpose of its storage.
func sampleTensors() []fixtureTensor {
	return []fixtureTensor{
		{name: "embed.weight", storage: seq(8), offset: 2, size: []int{3, 2}, stride: []int{2, 1}},
		{name: "head.weight", half: true, storage: seq(6), size: []int{3, 2}, stride: []int{1, 3}},
	}
}
