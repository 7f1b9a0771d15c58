package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// AddInPlace adds src to dst element-wise.
func AddInPlace(dst, src *Tensor) {
	floats.Add(dst.Data, src.Data)
}

// Scale multiplies every element of t by s.
func Scale(t *Tensor, s float64) {
	floats.Scale(s, t.Data)
}

// Sub returns a - b as a new tensor.
func Sub(a, b *Tensor) *Tensor {
	out := New(a.Shape...)
	floats.SubTo(out.Data, a.Data, b.Data)
	return out
}

// MSE returns the mean squared difference between a and b.
func MSE(a, b *Tensor) float64 {
	if len(a.Data) == 0 {
		return 0
	}
	d := floats.Distance(a.Data, b.Data, 2)
	return d * d / float64(len(a.Data))
}

// MaxAbs returns the largest absolute value in t.
func MaxAbs(t *Tensor) float64 {
	var m float64
	for _, v := range t.Data {
		m = math.Max(m, math.Abs(v))
	}
	return m
}

// MinMax returns the smallest and largest values in t.
func MinMax(t *Tensor) (lo, hi float64) {
	if len(t.Data) == 0 {
		return 0, 0
	}
	return floats.Min(t.Data), floats.Max(t.Data)
}

// Sigmoid computes the logistic sigmoid.
func Sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

// ChannelStride returns the extent of axis and the number of contiguous
// elements that share one position along it.
func ChannelStride(shape []int, axis int) (channels, stride int) {
	stride = 1
	for _, d := range shape[axis+1:] {
		stride *= d
	}
	return shape[axis], stride
}

// Channels copies the elements of t into one slice per position along axis.
func Channels(t *Tensor, axis int) ([][]float64, error) {
	ax, err := NormalizeAxis(axis, t.Rank())
	if err != nil {
		return nil, err
	}
	n, stride := ChannelStride(t.Shape, ax)
	out := make([][]float64, n)
	per := 0
	if n > 0 {
		per = len(t.Data) / n
	}
	for c := range out {
		out[c] = make([]float64, 0, per)
	}
	for i, v := range t.Data {
		c := (i / stride) % n
		out[c] = append(out[c], v)
	}
	return out, nil
}

// SetChannels writes per-channel slices produced by Channels back into t.
func SetChannels(t *Tensor, axis int, chans [][]float64) error {
	ax, err := NormalizeAxis(axis, t.Rank())
	if err != nil {
		return err
	}
	n, stride := ChannelStride(t.Shape, ax)
	if len(chans) != n {
		return fmt.Errorf("tensor: got %d channels, want %d", len(chans), n)
	}
	next := make([]int, n)
	for i := range t.Data {
		c := (i / stride) % n
		t.Data[i] = chans[c][next[c]]
		next[c]++
	}
	return nil
}

// ReduceChannels sums t over every axis except axis.
func ReduceChannels(t *Tensor, axis int) ([]float64, error) {
	ax, err := NormalizeAxis(axis, t.Rank())
	if err != nil {
		return nil, err
	}
	n, stride := ChannelStride(t.Shape, ax)
	out := make([]float64, n)
	for i, v := range t.Data {
		out[(i/stride)%n] += v
	}
	return out, nil
}
