package core

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/ptq/internal/mixedprecision"
	"github.com/samcharles93/ptq/internal/qparams"
	"github.com/samcharles93/ptq/internal/stats"
	"github.com/samcharles93/ptq/pkg/quant"
)

// QuantizationConfig holds the run-level quantization settings.
type QuantizationConfig struct {
	WeightsErrorMethod    quant.ErrorMethod `yaml:"weights_error_method"`
	ActivationErrorMethod quant.ErrorMethod `yaml:"activation_error_method"`
	// LPNorm is the norm of the LP error method.
	LPNorm float64 `yaml:"lp_norm"`
	// ReluBoundToPowerOfTwo rescales bounded ReLUs to power-of-two bounds.
	ReluBoundToPowerOfTwo bool `yaml:"relu_bound_to_power_of_two"`
	NumHessianSamples     int  `yaml:"num_hessian_samples"`
	HistogramBins         int  `yaml:"histogram_bins"`
}

// DebugConfig enables diagnostics that cost extra passes over the data.
type DebugConfig struct {
	AnalyzeSimilarity bool `yaml:"analyze_similarity"`
	// SimilarityBatches bounds the batches compared. Zero uses every batch.
	SimilarityBatches int `yaml:"similarity_batches"`
}

// CoreConfig configures Run.
type CoreConfig struct {
	Quantization         QuantizationConfig     `yaml:"quantization"`
	MixedPrecisionEnable bool                   `yaml:"mixed_precision_enable"`
	MixedPrecision       *mixedprecision.Config `yaml:"mixed_precision"`
	// BitWidth holds manual activation bit widths. Its matchers are not
	// serializable.
	BitWidth mixedprecision.BitWidthConfig `yaml:"-"`
	Debug    DebugConfig                   `yaml:"debug"`
}

// DefaultConfig returns MSE parameter selection without mixed precision.
func DefaultConfig() CoreConfig {
	return CoreConfig{
		Quantization: QuantizationConfig{
			WeightsErrorMethod:    quant.MSE,
			ActivationErrorMethod: quant.MSE,
			LPNorm:                2,
			NumHessianSamples:     qparams.DefaultNumHessianSamples,
			HistogramBins:         stats.DefaultBins,
		},
	}
}

// LoadConfig reads a YAML config file over DefaultConfig.
func LoadConfig(path string) (CoreConfig, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("core: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("core: parse config %s: %w", path, err)
	}
	if cfg.MixedPrecisionEnable && cfg.MixedPrecision == nil {
		cfg.MixedPrecision = mixedprecision.DefaultConfig()
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration.
func (c CoreConfig) Validate() error {
	q := c.Quantization
	if q.LPNorm <= 0 {
		return fmt.Errorf("%w: lp_norm must be positive, got %v", ErrInvalidConfig, q.LPNorm)
	}
	if q.NumHessianSamples < 1 {
		return fmt.Errorf("%w: num_hessian_samples must be at least 1, got %d", ErrInvalidConfig, q.NumHessianSamples)
	}
	if q.HistogramBins < 1 {
		return fmt.Errorf("%w: histogram_bins must be at least 1, got %d", ErrInvalidConfig, q.HistogramBins)
	}
	if c.MixedPrecisionEnable {
		if err := c.MixedPrecision.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMixedPrecisionConfig, err)
		}
	}
	return nil
}
