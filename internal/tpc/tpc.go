// Package tpc describes target platform capabilities: which attributes of
// which operators a device can quantize, at which bit widths and how.
package tpc

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/pkg/quant"
)

var (
	ErrInvalidCapabilities = errors.New("tpc: invalid capabilities")
	ErrUnknownOperatorSet  = errors.New("tpc: unknown operator set")
)

// AttributeQuantizationConfig configures the quantization of one weight
// attribute.
type AttributeQuantizationConfig struct {
	Method            quant.Method `yaml:"method"`
	NBits             int          `yaml:"n_bits"`
	PerChannel        bool         `yaml:"per_channel"`
	Enabled           bool         `yaml:"enabled"`
	LUTValuesBitwidth int          `yaml:"lut_values_bitwidth"`
}

// OpQuantizationConfig configures one quantization option of an operator.
type OpQuantizationConfig struct {
	// DefaultWeightAttr applies to weight attributes without an explicit entry.
	DefaultWeightAttr AttributeQuantizationConfig
	// AttrWeights overrides DefaultWeightAttr per attribute name.
	AttrWeights map[string]AttributeQuantizationConfig

	ActivationMethod  quant.Method
	ActivationNBits   int
	EnableActivation  bool
	QuantPreserving   bool
	SupportsMixedBits bool
}

// Attr returns the configuration of the named weight attribute.
func (c OpQuantizationConfig) Attr(name string) AttributeQuantizationConfig {
	if a, ok := c.AttrWeights[name]; ok {
		return a
	}
	return c.DefaultWeightAttr
}

// WithKernelBits returns a copy whose kernel attribute uses nbits.
func (c OpQuantizationConfig) WithKernelBits(nbits int) OpQuantizationConfig {
	out := c.clone()
	a := out.Attr(framework.KernelAttr)
	a.NBits = nbits
	out.AttrWeights[framework.KernelAttr] = a
	return out
}

// WithActivationBits returns a copy whose activation uses nbits.
func (c OpQuantizationConfig) WithActivationBits(nbits int) OpQuantizationConfig {
	out := c.clone()
	out.ActivationNBits = nbits
	return out
}

func (c OpQuantizationConfig) clone() OpQuantizationConfig {
	out := c
	out.AttrWeights = maps.Clone(c.AttrWeights)
	if out.AttrWeights == nil {
		out.AttrWeights = map[string]AttributeQuantizationConfig{}
	}
	return out
}

func (c OpQuantizationConfig) validate() error {
	check := func(name string, a AttributeQuantizationConfig) error {
		if !a.Enabled {
			return nil
		}
		if a.NBits < 1 || a.NBits > 32 {
			return fmt.Errorf("%w: attribute %s has %d bits", ErrInvalidCapabilities, name, a.NBits)
		}
		if a.Method.IsLUT() && a.LUTValuesBitwidth != 0 && a.LUTValuesBitwidth < a.NBits {
			return fmt.Errorf("%w: attribute %s lut values bitwidth %d below %d bits",
				ErrInvalidCapabilities, name, a.LUTValuesBitwidth, a.NBits)
		}
		return nil
	}
	if err := check("default", c.DefaultWeightAttr); err != nil {
		return err
	}
	for _, name := range slices.Sorted(maps.Keys(c.AttrWeights)) {
		if err := check(name, c.AttrWeights[name]); err != nil {
			return err
		}
	}
	if c.EnableActivation && (c.ActivationNBits < 1 || c.ActivationNBits > 32) {
		return fmt.Errorf("%w: activation has %d bits", ErrInvalidCapabilities, c.ActivationNBits)
	}
	if c.EnableActivation && c.ActivationMethod.IsLUT() {
		return fmt.Errorf("%w: lut activation quantization", ErrInvalidCapabilities)
	}
	return nil
}

// QuantizationConfigOptions lists the options of an operator. Base is the
// option used when mixed precision is not searched.
type QuantizationConfigOptions struct {
	Configs []OpQuantizationConfig
	Base    int
}

// BaseConfig returns the base option.
func (o *QuantizationConfigOptions) BaseConfig() OpQuantizationConfig {
	return o.Configs[o.Base]
}

func (o *QuantizationConfigOptions) validate() error {
	if len(o.Configs) == 0 {
		return fmt.Errorf("%w: empty quantization config options", ErrInvalidCapabilities)
	}
	if o.Base < 0 || o.Base >= len(o.Configs) {
		return fmt.Errorf("%w: base index %d out of range", ErrInvalidCapabilities, o.Base)
	}
	for i, c := range o.Configs {
		if err := c.validate(); err != nil {
			return fmt.Errorf("option %d: %w", i, err)
		}
	}
	return nil
}

// OperatorsSet groups operator kinds that share quantization options.
type OperatorsSet struct {
	Name    string
	Kinds   []framework.Kind
	Options *QuantizationConfigOptions // nil: use the capabilities default
}

// Fusing names a chain of operator sets executed as one kernel. Only the last
// operator of a fused chain quantizes its output.
type Fusing struct {
	Name     string
	Sequence []string
}

// Capabilities is the full description of a target platform.
type Capabilities struct {
	Name         string
	Version      string
	Default      *QuantizationConfigOptions
	OperatorSets []OperatorsSet
	Fusings      []Fusing
	// AddMetadata requests a metadata blob on the exported model.
	AddMetadata bool
}

// Validate checks the capabilities for internal consistency.
func (c *Capabilities) Validate() error {
	if c.Default == nil {
		return fmt.Errorf("%w: missing default options", ErrInvalidCapabilities)
	}
	if err := c.Default.validate(); err != nil {
		return fmt.Errorf("default: %w", err)
	}
	seenSet := map[string]bool{}
	seenKind := map[framework.Kind]string{}
	for _, s := range c.OperatorSets {
		if s.Name == "" || seenSet[s.Name] {
			return fmt.Errorf("%w: operator set name %q empty or duplicated", ErrInvalidCapabilities, s.Name)
		}
		seenSet[s.Name] = true
		for _, k := range s.Kinds {
			if prev, ok := seenKind[k]; ok {
				return fmt.Errorf("%w: kind %s in operator sets %s and %s", ErrInvalidCapabilities, k, prev, s.Name)
			}
			seenKind[k] = s.Name
		}
		if s.Options != nil {
			if err := s.Options.validate(); err != nil {
				return fmt.Errorf("operator set %s: %w", s.Name, err)
			}
		}
	}
	for _, f := range c.Fusings {
		if len(f.Sequence) < 2 {
			return fmt.Errorf("%w: fusing %q needs at least two operator sets", ErrInvalidCapabilities, f.Name)
		}
		for _, n := range f.Sequence {
			if !seenSet[n] {
				return fmt.Errorf("%w: fusing %q references %q", ErrUnknownOperatorSet, f.Name, n)
			}
		}
	}
	return nil
}

// OptionsFor returns the options for kind k.
func (c *Capabilities) OptionsFor(k framework.Kind) *QuantizationConfigOptions {
	for _, s := range c.OperatorSets {
		if slices.Contains(s.Kinds, k) && s.Options != nil {
			return s.Options
		}
	}
	return c.Default
}

// SetOf returns the operator set name of kind k.
func (c *Capabilities) SetOf(k framework.Kind) (string, bool) {
	for _, s := range c.OperatorSets {
		if slices.Contains(s.Kinds, k) {
			return s.Name, true
		}
	}
	return "", false
}
