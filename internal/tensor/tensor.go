package tensor

import (
	"errors"
	"fmt"
	"slices"
)

var (
	errEmptyShape   = errors.New("tensor: empty shape")
	errTooLarge     = errors.New("tensor: too large")
	errDataMismatch = errors.New("tensor: data length does not match shape")
)

// Tensor is a named, dense, row-major array of float32 values.
//
// Checkpoint readers widen every supported source dtype to float32; narrowing
// to the output precision only happens when the tensor is encoded.
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// New validates shape against data and returns a tensor that shares data.
func New(name string, shape []int, data []float32) (*Tensor, error) {
	n, err := NumElements(shape)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if n != len(data) {
		return nil, fmt.Errorf("%s: %w (shape %v, have %d)", name, errDataMismatch, shape, len(data))
	}
	return &Tensor{Name: name, Shape: slices.Clone(shape), Data: data}, nil
}

// NumElements returns the product of shape, rejecting empty shapes,
// non-positive dims and overflow.
func NumElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, errEmptyShape
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("tensor: invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, errTooLarge
		}
		n *= d
	}
	return n, nil
}

func (t *Tensor) Rank() int { return len(t.Shape) }

func (t *Tensor) Len() int { return len(t.Data) }

// Renamed returns a shallow copy of t under a new name.
func (t *Tensor) Renamed(name string) *Tensor {
	return &Tensor{Name: name, Shape: slices.Clone(t.Shape), Data: t.Data}
}

// Lead returns the product of all dims but the last one, and the last dim.
// A 1-D tensor is treated as a single row.
func (t *Tensor) Lead() (rows, cols int) {
	cols = t.Shape[len(t.Shape)-1]
	rows = 1
	for _, d := range t.Shape[:len(t.Shape)-1] {
		rows *= d
	}
	return rows, cols
}

func (t *Tensor) String() string {
	return fmt.Sprintf("%s%v", t.Name, t.Shape)
}
