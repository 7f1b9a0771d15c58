// Package framework describes the operator kinds the pipeline understands:
// which attribute holds the kernel, along which axes channels run and what
// output range an activation is known to have.
package framework

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Kind is an operator kind.
type Kind string

const (
	Input     Kind = "Input"
	Dense     Kind = "Dense"
	Conv2D    Kind = "Conv2D"
	BatchNorm Kind = "BatchNorm"
	ReLU      Kind = "ReLU"
	Sigmoid   Kind = "Sigmoid"
	Add       Kind = "Add"
	Flatten   Kind = "Flatten"
	Identity  Kind = "Identity"
)

// Kinds lists every supported kind.
var Kinds = []Kind{Input, Dense, Conv2D, BatchNorm, ReLU, Sigmoid, Add, Flatten, Identity}

// ParseKind resolves a kind name case-insensitively.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(string(k), s) {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Attribute names.
const (
	KernelAttr         = "kernel"
	BiasAttr           = "bias"
	GammaAttr          = "gamma"
	BetaAttr           = "beta"
	MovingMeanAttr     = "moving_mean"
	MovingVarianceAttr = "moving_variance"
)

// Numeric node attribute keys.
const (
	EpsilonKey  = "epsilon"
	MaxValueKey = "max_value"
	StrideKey   = "stride"
	PaddingKey  = "padding" // 0 valid, 1 same
)

var (
	ErrUnknownKind    = errors.New("framework: unknown operator kind")
)

// DefaultMap is a per-kind lookup with a mandatory fallback value.
type DefaultMap[V any] struct {
	values map[Kind]V
	def    V
}

// NewDefaultMap builds a map with the given default. Every key must be a known
// kind.
func NewDefaultMap[V any](def V, values map[Kind]V) (DefaultMap[V], error) {
	for k := range values {
		if _, err := ParseKind(string(k)); err != nil {
			return DefaultMap[V]{}, err
		}
	}
	m := make(map[Kind]V, len(values))
	for k, v := range values {
		m[k] = v
	}
	return DefaultMap[V]{values: m, def: def}, nil
}

// Get returns the value for k or the default.
func (m DefaultMap[V]) Get(k Kind) V {
	if v, ok := m.values[k]; ok {
		return v
	}
	return m.def
}

// Lookup returns the explicit value for k.
func (m DefaultMap[V]) Lookup(k Kind) (V, bool) {
	v, ok := m.values[k]
	return v, ok
}

// ChannelAxes holds the output- and input-channel axes of a kernel. A negative
// value means the axis does not exist.
type ChannelAxes struct {
	Out int
	In  int
}

// Range is a closed value interval.
type Range struct {
	Min, Max float64
}

// Info is the per-kind catalog consumed by the pipeline.
type Info struct {
	// KernelAttrs names the attribute that holds each kind's kernel. An empty
	// name means the kind has no kernel.
	KernelAttrs DefaultMap[string]
	// KernelChannels gives the channel axes of each kind's kernel.
	KernelChannels DefaultMap[ChannelAxes]
	// OutputChannelAxis is the channel axis of a kind's activation, counting
	// the batch axis. Negative values select the last axis.
	OutputChannelAxis DefaultMap[int]
	// ActivationRanges bounds the outputs of kinds with a known range. Bounded
	// ranges with Min >= 0 mark unsigned activations.
	ActivationRanges DefaultMap[Range]
	// NoQuantization lists kinds whose outputs are never quantized.
	NoQuantization map[Kind]bool
}

// KernelAttr returns the kernel attribute of k, if it has one.
func (i *Info) KernelAttr(k Kind) (string, bool) {
	a := i.KernelAttrs.Get(k)
	return a, a != ""
}

// ActivationRange returns the known output range of k.
func (i *Info) ActivationRange(k Kind) Range {
	return i.ActivationRanges.Get(k)
}

// Default returns the catalog for the reference engine layouts: Dense kernels
// are [in, out] and Conv2D kernels are [kh, kw, cin, cout] over NHWC inputs.
func Default() *Info {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	kernels, err := NewDefaultMap("", map[Kind]string{
		Dense:  KernelAttr,
		Conv2D: KernelAttr,
	})
	must(err)
	axes, err := NewDefaultMap(ChannelAxes{Out: -1, In: -1}, map[Kind]ChannelAxes{
		Dense:  {Out: 1, In: 0},
		Conv2D: {Out: 3, In: 2},
	})
	must(err)
	outAxis, err := NewDefaultMap(-1, nil)
	must(err)
	ranges, err := NewDefaultMap(Range{Min: math.Inf(-1), Max: math.Inf(1)}, map[Kind]Range{
		ReLU:    {Min: 0, Max: math.Inf(1)},
		Sigmoid: {Min: 0, Max: 1},
	})
	must(err)
	return &Info{
		KernelAttrs:       kernels,
		KernelChannels:    axes,
		OutputChannelAxis: outAxis,
		ActivationRanges:  ranges,
		NoQuantization:    map[Kind]bool{Flatten: true, Identity: true},
	}
}
