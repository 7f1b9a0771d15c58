// Package gptq fine-tunes the quantized weights of a graph against its float
// reference with gradient descent over soft-rounding variables.
package gptq

import (
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/ptq/internal/tensor"
)

var ErrInvalidConfig = errors.New("gptq: invalid config")

// OptimizerKind selects the update rule of an optimizer.
type OptimizerKind int

const (
	Adam OptimizerKind = iota
	SGD
)

func (k OptimizerKind) String() string {
	switch k {
	case Adam:
		return "adam"
	case SGD:
		return "sgd"
	}
	return fmt.Sprintf("OptimizerKind(%d)", int(k))
}

// ParseOptimizerKind accepts "adam" or "sgd".
func ParseOptimizerKind(s string) (OptimizerKind, error) {
	switch s {
	case "adam":
		return Adam, nil
	case "sgd":
		return SGD, nil
	}
	return 0, fmt.Errorf("%w: unknown optimizer %q", ErrInvalidConfig, s)
}

// OptimizerConfig describes one optimizer. Beta and epsilon fields apply to
// Adam, Momentum to SGD.
type OptimizerConfig struct {
	Kind     OptimizerKind
	LR       float64
	Momentum float64
	Beta1    float64
	Beta2    float64
	Epsilon  float64
}

// DefaultLR is the learning rate of the default optimizers.
const DefaultLR = 1e-4

// AdamConfig returns an Adam configuration with the usual moment decays.
func AdamConfig(lr float64) OptimizerConfig {
	return OptimizerConfig{Kind: Adam, LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// SGDConfig returns an SGD configuration with momentum.
func SGDConfig(lr, momentum float64) OptimizerConfig {
	return OptimizerConfig{Kind: SGD, LR: lr, Momentum: momentum}
}

func (o OptimizerConfig) validate(name string) error {
	switch {
	case !(o.LR > 0) || math.IsInf(o.LR, 0):
		return fmt.Errorf("%w: %s learning rate must be positive, got %v", ErrInvalidConfig, name, o.LR)
	case o.Kind == SGD && (o.Momentum < 0 || o.Momentum >= 1):
		return fmt.Errorf("%w: %s momentum must be in [0, 1), got %v", ErrInvalidConfig, name, o.Momentum)
	case o.Kind == Adam && (o.Beta1 < 0 || o.Beta1 >= 1 || o.Beta2 < 0 || o.Beta2 >= 1):
		return fmt.Errorf("%w: %s betas must be in [0, 1)", ErrInvalidConfig, name)
	case o.Kind != Adam && o.Kind != SGD:
		return fmt.Errorf("%w: %s kind %v", ErrInvalidConfig, name, o.Kind)
	}
	return nil
}

// HessianScoresConfig controls the Hessian-based weighting of compare points.
type HessianScoresConfig struct {
	NumSamples int
	BatchSize  int
	// LogNorm takes log10 of the averaged scores and shifts them to start at
	// zero.
	LogNorm bool
	// ScaleLogNorm additionally scales log-normalized scores into [0, 1].
	ScaleLogNorm bool
}

// DefaultHessianScoresConfig returns the default Hessian weighting settings.
func DefaultHessianScoresConfig() HessianScoresConfig {
	return HessianScoresConfig{NumSamples: 32, BatchSize: 32, LogNorm: true}
}

// LossFunc computes the loss between quantized and float compare-point
// outputs and its gradient with respect to each quantized output.
type LossFunc func(quant, float []*tensor.Tensor, weights []float64) (float64, []*tensor.Tensor)

// LogFunc receives the loss of every optimizer step.
type LogFunc func(step int, loss float64)

// Config is an immutable GPTQ configuration. Build it with NewConfig.
type Config struct {
	nEpochs              int
	optimizer            OptimizerConfig
	optimizerRest        OptimizerConfig
	optimizerBias        OptimizerConfig
	loss                 LossFunc
	logFunc              LogFunc
	trainBias            bool
	trainThresholds      bool
	hessianWeights       bool
	regularizationFactor float64
	hessianScores        HessianScoresConfig
	gradualActivation    *GradualActivationQuantizationConfig
}

// Option customizes a Config.
type Option func(*Config)

func WithOptimizer(o OptimizerConfig) Option {
	return func(c *Config) { c.optimizer = o }
}

// WithOptimizerRest sets the optimizer of float kernels that are not weight
// quantized.
func WithOptimizerRest(o OptimizerConfig) Option {
	return func(c *Config) { c.optimizerRest = o }
}

func WithOptimizerBias(o OptimizerConfig) Option {
	return func(c *Config) { c.optimizerBias = o }
}

func WithLoss(f LossFunc) Option {
	return func(c *Config) { c.loss = f }
}

func WithLogFunc(f LogFunc) Option {
	return func(c *Config) { c.logFunc = f }
}

func WithTrainBias(on bool) Option {
	return func(c *Config) { c.trainBias = on }
}

// WithTrainThresholds also optimizes the log-threshold of symmetric kernels.
func WithTrainThresholds(on bool) Option {
	return func(c *Config) { c.trainThresholds = on }
}

// WithHessianWeights weights compare points by their activation Hessian
// scores instead of uniformly.
func WithHessianWeights(on bool) Option {
	return func(c *Config) { c.hessianWeights = on }
}

func WithRegularizationFactor(f float64) Option {
	return func(c *Config) { c.regularizationFactor = f }
}

func WithHessianScores(h HessianScoresConfig) Option {
	return func(c *Config) { c.hessianScores = h }
}

// WithGradualActivationQuantization blends float and quantized activations
// during training with an annealed factor. A nil config turns it off.
func WithGradualActivationQuantization(g *GradualActivationQuantizationConfig) Option {
	return func(c *Config) { c.gradualActivation = g }
}

// NewConfig returns a validated configuration for nEpochs passes over the
// GPTQ dataset.
func NewConfig(nEpochs int, opts ...Option) (*Config, error) {
	c := &Config{
		nEpochs:              nEpochs,
		optimizer:            AdamConfig(DefaultLR),
		optimizerRest:        AdamConfig(DefaultLR),
		optimizerBias:        SGDConfig(DefaultLR, 0.9),
		loss:                 MultipleTensorsMSE,
		hessianWeights:       true,
		regularizationFactor: 1,
		hessianScores:        DefaultHessianScoresConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.nEpochs < 0 {
		return fmt.Errorf("%w: n_epochs must be non-negative, got %d", ErrInvalidConfig, c.nEpochs)
	}
	if c.loss == nil {
		return fmt.Errorf("%w: loss function is required", ErrInvalidConfig)
	}
	if c.regularizationFactor < 0 || math.IsNaN(c.regularizationFactor) {
		return fmt.Errorf("%w: regularization factor must be non-negative", ErrInvalidConfig)
	}
	if c.hessianWeights && (c.hessianScores.NumSamples < 1 || c.hessianScores.BatchSize < 1) {
		return fmt.Errorf("%w: hessian scores need positive samples and batch size", ErrInvalidConfig)
	}
	if err := c.optimizer.validate("optimizer"); err != nil {
		return err
	}
	if err := c.optimizerRest.validate("rest optimizer"); err != nil {
		return err
	}
	if err := c.optimizerBias.validate("bias optimizer"); err != nil {
		return err
	}
	if c.gradualActivation != nil {
		if err := c.gradualActivation.Annealing.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) NEpochs() int { return c.nEpochs }
func (c *Config) Optimizer() OptimizerConfig { return c.optimizer }
func (c *Config) OptimizerRest() OptimizerConfig { return c.optimizerRest }
func (c *Config) OptimizerBias() OptimizerConfig { return c.optimizerBias }
func (c *Config) Loss() LossFunc { return c.loss }
func (c *Config) LogFunc() LogFunc { return c.logFunc }
func (c *Config) TrainBias() bool { return c.trainBias }
func (c *Config) TrainThresholds() bool { return c.trainThresholds }
func (c *Config) HessianWeights() bool { return c.hessianWeights }
func (c *Config) RegularizationFactor() float64 { return c.regularizationFactor }
func (c *Config) HessianScores() HessianScoresConfig { return c.hessianScores }

// GradualActivationQuantization returns a copy of the gradual activation
// settings, or nil when disabled.
func (c *Config) GradualActivationQuantization() *GradualActivationQuantizationConfig {
	if c.gradualActivation == nil {
		return nil
	}
	g := *c.gradualActivation
	return &g
}
