package tensor

import (
	"errors"
	"fmt"
	"iter"
	"slices"
)

// ErrBatchShape reports batches that disagree on input count or sample shape.
var ErrBatchShape = errors.New("tensor: inconsistent dataset batches")

// Dataset is a restartable source of input batches. Each call returns a fresh
// sequence; every yielded batch holds one tensor per model input with the
// batch on the first axis.
type Dataset func() iter.Seq[[]*Tensor]

// SliceDataset serves the given batches in order on every pass.
func SliceDataset(batches ...[]*Tensor) Dataset {
	return func() iter.Seq[[]*Tensor] {
		return func(yield func([]*Tensor) bool) {
			for _, b := range batches {
				if !yield(b) {
					return
				}
			}
		}
	}
}

// RandomDataset returns nBatches batches of seeded uniform noise shaped
// [batch, shape...] for a single-input model. Every pass yields the same data.
func RandomDataset(nBatches, batch int, seed uint64, shape ...int) Dataset {
	return func() iter.Seq[[]*Tensor] {
		return func(yield func([]*Tensor) bool) {
			for i := range nBatches {
				t := New(append([]int{batch}, shape...)...)
				FillRand(t, seed+uint64(i), 1)
				if !yield([]*Tensor{t}) {
					return
				}
			}
		}
	}
}

// Len counts the batches of one full pass.
func (d Dataset) Len() int {
	n := 0
	for range d() {
		n++
	}
	return n
}

// Rebatch regroups the samples of d into batches of size samples each. The
// last batch of a pass may be smaller. It makes one pass over d to check that
// all batches have the same inputs and sample shapes.
func Rebatch(d Dataset, size int) (Dataset, error) {
	if size <= 0 {
		return d, nil
	}
	shapes, err := sampleShapes(d)
	if err != nil {
		return nil, err
	}
	return func() iter.Seq[[]*Tensor] {
		return func(yield func([]*Tensor) bool) {
			pending := make([][]float64, len(shapes))
			count := 0
			flush := func() bool {
				if count == 0 {
					return true
				}
				out := make([]*Tensor, len(shapes))
				for i, data := range pending {
					out[i] = FromData(data, append([]int{count}, shapes[i]...)...)
					pending[i] = nil
				}
				count = 0
				return yield(out)
			}
			for batch := range d() {
				for i := range batch[0].Batch() {
					for j, t := range batch {
						pending[j] = append(pending[j], t.Sample(i).Data...)
					}
					count++
					if count == size && !flush() {
						return
					}
				}
			}
			flush()
		}
	}, nil
}

// sampleShapes returns the per-input sample shape shared by every batch of d.
func sampleShapes(d Dataset) ([][]int, error) {
	var shapes [][]int
	n := 0
	for batch := range d() {
		if len(batch) == 0 {
			return nil, fmt.Errorf("%w: batch %d has no inputs", ErrBatchShape, n)
		}
		if shapes == nil {
			for _, t := range batch {
				if t.Rank() == 0 {
					return nil, fmt.Errorf("%w: scalar input in batch %d", ErrBatchShape, n)
				}
				shapes = append(shapes, slices.Clone(t.Shape[1:]))
			}
		}
		if len(batch) != len(shapes) {
			return nil, fmt.Errorf("%w: batch %d has %d inputs, want %d", ErrBatchShape, n, len(batch), len(shapes))
		}
		for j, t := range batch {
			if t.Rank() == 0 || !slices.Equal(t.Shape[1:], shapes[j]) || t.Batch() != batch[0].Batch() {
				return nil, fmt.Errorf("%w: batch %d input %d has shape %v", ErrBatchShape, n, j, t.Shape)
			}
		}
		n++
	}
	return shapes, nil
}
