package tensor

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/x448/float16"
)

// Precision is the element encoding of written tensors.
type Precision int

const (
	FP32 Precision = iota
	FP16
)

// ParsePrecision accepts the manifest spellings "fp32" and "fp16".
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fp32":
		return FP32, nil
	case "fp16":
		return FP16, nil
	default:
		return 0, fmt.Errorf("tensor: invalid weight data type %q (use fp32|fp16)", s)
	}
}

func (p Precision) String() string {
	switch p {
	case FP32:
		return "fp32"
	case FP16:
		return "fp16"
	default:
		return fmt.Sprintf("Precision(%d)", int(p))
	}
}

// ElemSize is the encoded size of one element in bytes.
func (p Precision) ElemSize() int {
	if p == FP16 {
		return 2
	}
	return 4
}

const encodeChunk = 1 << 20

// Encode writes data to w as a bare little-endian dump in precision p.
func Encode(w io.Writer, data []float32, p Precision) (int64, error) {
	size := p.ElemSize()
	if p != FP32 && p != FP16 {
		return 0, fmt.Errorf("tensor: encode: unsupported precision %v", p)
	}

	buf := make([]byte, min(encodeChunk, len(data)*size))
	var total int64
	for len(data) > 0 {
		n := min(len(buf)/size, len(data))
		out := buf[:n*size]
		switch p {
		case FP32:
			for i, v := range data[:n] {
				binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
			}
		case FP16:
			for i, v := range data[:n] {
				binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
			}
		}
		wn, err := w.Write(out)
		total += int64(wn)
		if err != nil {
			return total, err
		}
		data = data[n:]
	}
	return total, nil
}

// DecodeF16 widens little-endian IEEE binary16 values.
func DecodeF16(raw []byte) []float32 {
	out := make([]float32, len(raw)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
	}
	return out
}

// DecodeBF16 widens little-endian bfloat16 values.
func DecodeBF16(raw []byte) []float32 {
	out := make([]float32, len(raw)/2)
	for i := range out {
		out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
	}
	return out
}

// DecodeF32 reads little-endian float32 values.
func DecodeF32(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}
