package mixedprecision

import (
	"fmt"

	"github.com/samcharles93/ptq/pkg/quant"
)

// DefaultNumBatches is the number of representative batches used to measure
// candidate sensitivity.
const DefaultNumBatches = 4

// Config configures the sensitivity evaluation of the search.
type Config struct {
	// NumBatches bounds the representative batches evaluated per candidate.
	NumBatches int `yaml:"num_batches"`
	// DistanceMetric compares quantized and float outputs. MSE, MAE and LP
	// are accepted.
	DistanceMetric quant.ErrorMethod `yaml:"distance_metric"`
	// LPNorm is the norm of the LP metric.
	LPNorm float64 `yaml:"lp_norm"`
}

// DefaultConfig returns an MSE configuration over DefaultNumBatches batches.
func DefaultConfig() *Config {
	return &Config{NumBatches: DefaultNumBatches, DistanceMetric: quant.MSE, LPNorm: 2}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if c.NumBatches < 1 {
		return fmt.Errorf("%w: num_batches must be at least 1, got %d", ErrInvalidConfig, c.NumBatches)
	}
	switch c.DistanceMetric {
	case quant.MSE, quant.MAE, quant.LP:
	default:
		return fmt.Errorf("%w: unsupported distance metric %v", ErrInvalidConfig, c.DistanceMetric)
	}
	return nil
}
