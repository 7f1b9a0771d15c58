package modelspec

import (
	"fmt"
	"os"
	"slices"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/ptq/internal/tensor"
)

// DatasetSpec is a JSON representative dataset. Samples holds, per sample,
// one flattened row per model input.
type DatasetSpec struct {
	BatchSize int           `json:"batch_size"`
	Samples   [][][]float64 `json:"samples"`
}

// LoadDataset reads a representative dataset for m from path.
func LoadDataset(path string, m *Model) (tensor.Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("modelspec: %w", err)
	}
	var spec DatasetSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("modelspec: decode dataset: %w", err)
	}
	return spec.Dataset(m)
}

// Dataset batches the samples for the inputs of m.
func (s DatasetSpec) Dataset(m *Model) (tensor.Dataset, error) {
	if len(s.Samples) == 0 {
		return nil, fmt.Errorf("%w: empty dataset", ErrInvalidModel)
	}
	bs := s.BatchSize
	if bs <= 0 {
		bs = len(s.Samples)
	}
	rows := make([][]*tensor.Tensor, len(m.Inputs))
	for i, sample := range s.Samples {
		if len(sample) != len(m.Inputs) {
			return nil, fmt.Errorf("%w: sample %d has %d inputs, model has %d", ErrInvalidModel, i, len(sample), len(m.Inputs))
		}
		for j, in := range m.Inputs {
			if len(sample[j]) != shapeSize(in.Shape) {
				return nil, fmt.Errorf("%w: sample %d input %s has %d values, want %d",
					ErrInvalidModel, i, in.Name, len(sample[j]), shapeSize(in.Shape))
			}
			rows[j] = append(rows[j], tensor.FromData(slices.Clone(sample[j]), append([]int{1}, in.Shape...)...))
		}
	}
	var batches [][]*tensor.Tensor
	for start := 0; start < len(s.Samples); start += bs {
		end := min(start+bs, len(s.Samples))
		batch := make([]*tensor.Tensor, len(m.Inputs))
		for j := range m.Inputs {
			t, err := tensor.Concat(rows[j][start:end]...)
			if err != nil {
				return nil, err
			}
			batch[j] = t
		}
		batches = append(batches, batch)
	}
	return tensor.SliceDataset(batches...), nil
}

// RandomDataset returns seeded uniform noise for the single input of m.
func RandomDataset(m *Model, nBatches, batchSize int, seed uint64) (tensor.Dataset, error) {
	if len(m.Inputs) != 1 {
		return nil, fmt.Errorf("%w: random data needs a single-input model, got %d inputs", ErrInvalidModel, len(m.Inputs))
	}
	return tensor.RandomDataset(nBatches, batchSize, seed, m.Inputs[0].Shape...), nil
}
