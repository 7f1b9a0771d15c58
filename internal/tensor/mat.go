package tensor

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

// Tensor is a dense row-major N-d array of float64 values.
//
// Shape lists the extent of each axis, outermost first. For activations the
// first axis is the batch axis. Data holds the flattened values; its length
// always equals the product of Shape.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New allocates a zeroed tensor with the given shape.
func New(shape ...int) *Tensor {
	n := numel(shape)
	return &Tensor{
		Shape: slices.Clone(shape),
		Data:  make([]float64, n),
	}
}

// FromData wraps data in a tensor. It panics if len(data) does not match the
// shape, like the other constructors that take ownership of caller memory.
func FromData(data []float64, shape ...int) *Tensor {
	if numel(shape) != len(data) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}
}

// Scalar returns a rank-0 tensor holding v.
func Scalar(v float64) *Tensor {
	return &Tensor{Shape: []int{}, Data: []float64{v}}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("tensor: negative dimension")
		}
		n *= d
	}
	return n
}

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.Data) }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Clone returns a deep copy that shares no memory with t.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Reshape returns a view of t with a new shape. The element count must match.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	if numel(shape) != len(t.Data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", t.Shape, shape))
	}
	return &Tensor{Shape: slices.Clone(shape), Data: t.Data}
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

// Batch returns the extent of the first axis, or 1 for rank-0 tensors.
func (t *Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// Sample returns a view of the i-th slice along the first axis, keeping a
// leading axis of size one.
func (t *Tensor) Sample(i int) *Tensor {
	if len(t.Shape) == 0 || i < 0 || i >= t.Shape[0] {
		panic("tensor: sample index out of range")
	}
	inner := len(t.Data) / t.Shape[0]
	shape := slices.Clone(t.Shape)
	shape[0] = 1
	return &Tensor{Shape: shape, Data: t.Data[i*inner : (i+1)*inner]}
}

// Head returns a view of the first n slices along the first axis.
func (t *Tensor) Head(n int) *Tensor {
	if len(t.Shape) == 0 || n < 0 || n > t.Shape[0] {
		panic("tensor: head length out of range")
	}
	inner := 0
	if t.Shape[0] > 0 {
		inner = len(t.Data) / t.Shape[0]
	}
	shape := slices.Clone(t.Shape)
	shape[0] = n
	return &Tensor{Shape: shape, Data: t.Data[:n*inner]}
}

// Concat joins tensors along the first axis. All inputs must agree on the
// trailing shape.
func Concat(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errEmptyConcat
	}
	inner := ts[0].Shape[1:]
	rows := 0
	for _, t := range ts {
		if len(t.Shape) == 0 || !slices.Equal(t.Shape[1:], inner) {
			return nil, fmt.Errorf("tensor: concat shape mismatch %v vs %v", ts[0].Shape, t.Shape)
		}
		rows += t.Shape[0]
	}
	out := New(append([]int{rows}, inner...)...)
	off := 0
	for _, t := range ts {
		off += copy(out.Data[off:], t.Data)
	}
	return out, nil
}

// Stack joins same-shaped tensors along a new leading axis.
func Stack(ts []*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errEmptyConcat
	}
	shape := ts[0].Shape
	out := New(append([]int{len(ts)}, shape...)...)
	n := len(ts[0].Data)
	for i, t := range ts {
		if !slices.Equal(t.Shape, shape) {
			return nil, fmt.Errorf("tensor: stack shape mismatch %v vs %v", shape, t.Shape)
		}
		copy(out.Data[i*n:], t.Data)
	}
	return out, nil
}

// NormalizeAxis maps a possibly negative axis into [0, rank).
func NormalizeAxis(axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return 0, fmt.Errorf("tensor: axis %d out of range for rank %d", axis, rank)
	}
	return axis, nil
}

// FillRand fills t with reproducible uniform values in (-scale, scale). The
// same seed always produces the same tensor.
func FillRand(t *Tensor, seed uint64, scale float64) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range t.Data {
		t.Data[i] = (rng.Float64()*2 - 1) * scale
	}
}

// FillNormal fills t with reproducible normally distributed values.
func FillNormal(t *Tensor, seed uint64, std float64) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64() * std
	}
}

// IsFinite reports whether every element is a finite number.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

var errEmptyConcat = fmtError("tensor: nothing to concatenate")

type fmtError string

func (e fmtError) Error() string { return string(e) }
