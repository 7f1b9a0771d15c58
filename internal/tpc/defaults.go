package tpc

import (
	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/pkg/quant"
)

// BaseOpConfig returns the 8-bit operator configuration: power-of-two
// per-channel kernels, unquantized biases and power-of-two activations.
func BaseOpConfig() OpQuantizationConfig {
	return OpQuantizationConfig{
		DefaultWeightAttr: AttributeQuantizationConfig{
			Method: quant.PowerOfTwo,
			NBits:  8,
		},
		AttrWeights: map[string]AttributeQuantizationConfig{
			framework.KernelAttr: {
				Method:     quant.PowerOfTwo,
				NBits:      8,
				PerChannel: true,
				Enabled:    true,
			},
			framework.BiasAttr: {
				Method: quant.PowerOfTwo,
				NBits:  32,
			},
		},
		ActivationMethod:  quant.PowerOfTwo,
		ActivationNBits:   8,
		EnableActivation:  true,
		SupportsMixedBits: true,
	}
}

func noQuantConfig() OpQuantizationConfig {
	c := BaseOpConfig().clone()
	c.EnableActivation = false
	c.QuantPreserving = true
	for k, a := range c.AttrWeights {
		a.Enabled = false
		c.AttrWeights[k] = a
	}
	return c
}

// Default returns the reference capabilities built on BaseOpConfig.
func Default() *Capabilities {
	return Build("default", BaseOpConfig(), nil)
}

// Build assembles capabilities around base. Kernel operators use the
// mixed-precision options when given, otherwise only base.
func Build(name string, base OpQuantizationConfig, mixed []OpQuantizationConfig) *Capabilities {
	kernelOpts := &QuantizationConfigOptions{Configs: []OpQuantizationConfig{base}}
	if len(mixed) > 0 {
		kernelOpts = &QuantizationConfigOptions{Configs: mixed}
		for i, c := range mixed {
			if c.Attr(framework.KernelAttr).NBits == base.Attr(framework.KernelAttr).NBits &&
				c.ActivationNBits == base.ActivationNBits {
				kernelOpts.Base = i
			}
		}
	}
	noQuant := &QuantizationConfigOptions{Configs: []OpQuantizationConfig{noQuantConfig()}}
	return &Capabilities{
		Name:    name,
		Version: "v1",
		Default: &QuantizationConfigOptions{Configs: []OpQuantizationConfig{base}},
		OperatorSets: []OperatorsSet{
			{Name: "NoQuantization", Kinds: []framework.Kind{framework.Flatten, framework.Identity}, Options: noQuant},
			{Name: "Conv", Kinds: []framework.Kind{framework.Conv2D}, Options: kernelOpts},
			{Name: "FullyConnected", Kinds: []framework.Kind{framework.Dense}, Options: kernelOpts},
			{Name: "AnyReLU", Kinds: []framework.Kind{framework.ReLU}},
			{Name: "Add", Kinds: []framework.Kind{framework.Add}},
			{Name: "Sigmoid", Kinds: []framework.Kind{framework.Sigmoid}},
			{Name: "Input", Kinds: []framework.Kind{framework.Input}},
		},
		Fusings: []Fusing{
			{Name: "conv_relu", Sequence: []string{"Conv", "AnyReLU"}},
			{Name: "fc_relu", Sequence: []string{"FullyConnected", "AnyReLU"}},
			{Name: "conv_add", Sequence: []string{"Conv", "Add"}},
		},
		AddMetadata: true,
	}
}

// TestOption edits the base configuration of test capabilities.
type TestOption func(*OpQuantizationConfig)

// WithWeightsMethod sets the kernel quantization method.
func WithWeightsMethod(m quant.Method) TestOption {
	return func(c *OpQuantizationConfig) {
		a := c.Attr(framework.KernelAttr)
		a.Method = m
		c.AttrWeights[framework.KernelAttr] = a
	}
}

// WithWeightsNBits sets the kernel bit width.
func WithWeightsNBits(n int) TestOption {
	return func(c *OpQuantizationConfig) {
		a := c.Attr(framework.KernelAttr)
		a.NBits = n
		c.AttrWeights[framework.KernelAttr] = a
	}
}

// WithPerChannel sets kernel per-channel quantization.
func WithPerChannel(on bool) TestOption {
	return func(c *OpQuantizationConfig) {
		a := c.Attr(framework.KernelAttr)
		a.PerChannel = on
		c.AttrWeights[framework.KernelAttr] = a
	}
}

// WithActivation sets the activation method and bit width.
func WithActivation(m quant.Method, nbits int, enabled bool) TestOption {
	return func(c *OpQuantizationConfig) {
		c.ActivationMethod = m
		c.ActivationNBits = nbits
		c.EnableActivation = enabled
	}
}

// WithWeightsEnabled toggles kernel quantization.
func WithWeightsEnabled(on bool) TestOption {
	return func(c *OpQuantizationConfig) {
		a := c.Attr(framework.KernelAttr)
		a.Enabled = on
		c.AttrWeights[framework.KernelAttr] = a
	}
}

// WithBatchNormQuantization enables quantization of the default weight
// attribute, which covers BatchNorm parameters.
func WithBatchNormQuantization(m quant.Method, nbits int) TestOption {
	return func(c *OpQuantizationConfig) {
		c.DefaultWeightAttr = AttributeQuantizationConfig{Method: m, NBits: nbits, Enabled: true}
	}
}

// NewTestCapabilities returns single-option capabilities with edited base
// configuration.
func NewTestCapabilities(opts ...TestOption) *Capabilities {
	base := BaseOpConfig().clone()
	for _, o := range opts {
		o(&base)
	}
	return Build("test", base, nil)
}

// BitPair is a (weights, activation) bit-width candidate.
type BitPair struct {
	Weights, Activation int
}

// NewMixedPrecisionTestCapabilities returns capabilities whose kernel
// operators offer one option per bit pair. The base option is the pair with
// the highest weight bits.
func NewMixedPrecisionTestCapabilities(pairs []BitPair, opts ...TestOption) *Capabilities {
	base := BaseOpConfig().clone()
	for _, o := range opts {
		o(&base)
	}
	var mixed []OpQuantizationConfig
	best := 0
	for i, p := range pairs {
		mixed = append(mixed, base.WithKernelBits(p.Weights).WithActivationBits(p.Activation))
		if p.Weights > pairs[best].Weights || (p.Weights == pairs[best].Weights && p.Activation > pairs[best].Activation) {
			best = i
		}
	}
	c := Build("mixed_precision_test", mixed[best], mixed)
	return c
}
