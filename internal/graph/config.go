package graph

import (
	"maps"
	"slices"

	"github.com/samcharles93/ptq/pkg/quant"
)

// AttrConfig is the quantization configuration of one weight attribute
// within a candidate.
type AttrConfig struct {
	Attr              string
	Method            quant.Method
	NBits             int
	PerChannel        bool
	ChannelAxis       int
	Enabled           bool
	ErrorMethod       quant.ErrorMethod
	LUTValuesBitwidth int
	Params            quant.Params
}

// Spec returns the quantizer description of the attribute. Weights are always
// signed.
func (a *AttrConfig) Spec() quant.Spec {
	return quant.Spec{Method: a.Method, NBits: a.NBits, Signed: true, LUTBits: a.LUTValuesBitwidth}
}

func (a *AttrConfig) clone() *AttrConfig {
	c := *a
	c.Params = a.Params.Clone()
	return &c
}

// ActivationConfig is the quantization configuration of a node output.
type ActivationConfig struct {
	Enabled         bool
	Method          quant.Method
	NBits           int
	ErrorMethod     quant.ErrorMethod
	Signed          bool
	QuantPreserving bool
	Params          quant.Params
}

// Spec returns the quantizer description of the activation.
func (a *ActivationConfig) Spec() quant.Spec {
	return quant.Spec{Method: a.Method, NBits: a.NBits, Signed: a.Signed}
}

// CandidateConfig is one quantization option of a node.
type CandidateConfig struct {
	Weights    map[string]*AttrConfig
	Activation ActivationConfig
}

// Attr returns the configuration of the named attribute, or nil.
func (c *CandidateConfig) Attr(name string) *AttrConfig {
	return c.Weights[name]
}

// AttrNames returns the configured attributes in sorted order.
func (c *CandidateConfig) AttrNames() []string {
	return slices.Sorted(maps.Keys(c.Weights))
}

// WeightsBits returns the bit width of attr, or 0 when it is not quantized.
func (c *CandidateConfig) WeightsBits(attr string) int {
	if a := c.Weights[attr]; a != nil && a.Enabled {
		return a.NBits
	}
	return 0
}

// ActivationBits returns the activation bit width, or 0 when not quantized.
func (c *CandidateConfig) ActivationBits() int {
	if c.Activation.Enabled {
		return c.Activation.NBits
	}
	return 0
}

// Clone returns a deep copy.
func (c *CandidateConfig) Clone() *CandidateConfig {
	out := &CandidateConfig{
		Weights:    make(map[string]*AttrConfig, len(c.Weights)),
		Activation: c.Activation,
	}
	out.Activation.Params = c.Activation.Params.Clone()
	for k, v := range c.Weights {
		out.Weights[k] = v.clone()
	}
	return out
}
