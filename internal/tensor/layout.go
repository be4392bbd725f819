package tensor

import (
	"fmt"
	"slices"

	dense "github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
)

// ColumnRange is a half-open [Start, End) range over the last axis.
type ColumnRange struct {
	Start, End int
}

func (r ColumnRange) Width() int { return r.End - r.Start }

// Transpose2D swaps the two axes of a matrix and returns a new tensor.
func Transpose2D(t *Tensor) (*Tensor, error) {
	if t.Rank() != 2 {
		return nil, fmt.Errorf("tensor: transpose %s: want 2 dims", t)
	}
	r, c := t.Shape[0], t.Shape[1]
	if r == 1 || c == 1 {
		// row and column vectors share a memory order
		return &Tensor{Name: t.Name, Shape: []int{c, r}, Data: slices.Clone(t.Data)}, nil
	}

	var tt dense.Tensor = dense.New(dense.WithShape(r, c), dense.WithBacking(slices.Clone(t.Data)))
	tt, err := dense.Transpose(tt, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose %s: %w", t, err)
	}
	tt = dense.Materialize(tt)

	if err := tt.Reshape(r * c); err != nil {
		return nil, fmt.Errorf("tensor: transpose %s: %w", t, err)
	}
	data, err := native.VectorF32(tt.(*dense.Dense))
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose %s: %w", t, err)
	}
	return &Tensor{Name: t.Name, Shape: []int{c, r}, Data: data}, nil
}

// SplitRows cuts t into n equal contiguous blocks along axis 0. The blocks
// share memory with t.
func SplitRows(t *Tensor, n int) ([]*Tensor, error) {
	if n <= 0 {
		return nil, fmt.Errorf("tensor: split %s into %d parts", t, n)
	}
	if t.Shape[0]%n != 0 {
		return nil, fmt.Errorf("tensor: split %s: %d rows not divisible by %d", t, t.Shape[0], n)
	}
	block := len(t.Data) / n
	shape := slices.Clone(t.Shape)
	shape[0] /= n

	out := make([]*Tensor, n)
	for j := range n {
		out[j] = &Tensor{
			Name:  t.Name,
			Shape: slices.Clone(shape),
			Data:  t.Data[j*block : (j+1)*block : (j+1)*block],
		}
	}
	return out, nil
}

// GatherColumns builds a tensor holding, for every leading row of t, the
// listed column ranges of the last axis laid side by side in order.
func GatherColumns(t *Tensor, ranges ...ColumnRange) (*Tensor, error) {
	rows, cols := t.Lead()
	width := 0
	for _, r := range ranges {
		if r.Start < 0 || r.End > cols || r.Start > r.End {
			return nil, fmt.Errorf("tensor: gather %s: column range [%d,%d) out of bounds", t, r.Start, r.End)
		}
		width += r.Width()
	}

	data := make([]float32, 0, rows*width)
	for row := range rows {
		src := t.Data[row*cols : (row+1)*cols]
		for _, r := range ranges {
			data = append(data, src[r.Start:r.End]...)
		}
	}

	shape := slices.Clone(t.Shape)
	shape[len(shape)-1] = width
	return &Tensor{Name: t.Name, Shape: shape, Data: data}, nil
}

// ConcatColumns joins tensors along their last axis. All leading dims must
// match.
func ConcatColumns(name string, parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("tensor: concat %s: no parts", name)
	}
	lead := parts[0].Shape[:len(parts[0].Shape)-1]
	rows, _ := parts[0].Lead()
	width := 0
	for _, p := range parts {
		if !slices.Equal(p.Shape[:len(p.Shape)-1], lead) {
			return nil, fmt.Errorf("tensor: concat %s: %s does not match leading dims %v", name, p, lead)
		}
		width += p.Shape[len(p.Shape)-1]
	}

	data := make([]float32, 0, rows*width)
	for row := range rows {
		for _, p := range parts {
			c := p.Shape[len(p.Shape)-1]
			data = append(data, p.Data[row*c:(row+1)*c]...)
		}
	}

	shape := append(slices.Clone(lead), width)
	return &Tensor{Name: name, Shape: shape, Data: data}, nil
}
