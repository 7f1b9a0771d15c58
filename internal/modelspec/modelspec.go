// Package modelspec reads JSON model descriptions into graphs. Layers are
// listed with their inputs; weights are either given inline or initialised
// from the model seed.
package modelspec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/ptq/internal/engine"
	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/tensor"
)

var (
	ErrInvalidModel = errors.New("modelspec: invalid model")
	ErrUnknownInput = errors.New("modelspec: unknown layer input")
	ErrModelType    = errors.New("modelspec: unsupported model value")
)

// Model is the JSON description of a network.
type Model struct {
	Name    string      `json:"name"`
	Seed    uint64      `json:"seed"`
	Inputs  []InputSpec `json:"inputs"`
	Layers  []Layer     `json:"layers"`
	Outputs []string    `json:"outputs"`
}

// InputSpec declares one model input. Shape excludes the batch axis.
type InputSpec struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// Layer is one operator. Only the fields relevant to Kind are read.
type Layer struct {
	Name   string   `json:"name"`
	Kind   string   `json:"kind"`
	Inputs []string `json:"inputs"`

	Units      int     `json:"units,omitempty"`
	Filters    int     `json:"filters,omitempty"`
	KernelSize int     `json:"kernel_size,omitempty"`
	Stride     int     `json:"stride,omitempty"`
	Padding    string  `json:"padding,omitempty"` // "valid" or "same"
	UseBias    *bool   `json:"use_bias,omitempty"`
	Epsilon    float64 `json:"epsilon,omitempty"`
	MaxValue   float64 `json:"max_value,omitempty"`

	Weights map[string]TensorSpec `json:"weights,omitempty"`
}

// TensorSpec is an inline tensor in row-major order.
type TensorSpec struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

func (l Layer) useBias() bool {
	return l.UseBias == nil || *l.UseBias
}

// Parse decodes a model description.
func Parse(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("modelspec: decode: %w", err)
	}
	return &m, nil
}

// Load reads a model description from path.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("modelspec: %w", err)
	}
	return Parse(data)
}

// Marshal encodes m as indented JSON.
func (m *Model) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Reader implements graph.Reader for *Model, Model, JSON bytes and file
// paths.
type Reader struct{}

var _ graph.Reader = Reader{}

func (Reader) Read(ctx context.Context, model any) (*graph.Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		m   *Model
		err error
	)
	switch v := model.(type) {
	case *Model:
		m = v
	case Model:
		m = &v
	case []byte:
		m, err = Parse(v)
	case string:
		m, err = Load(v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrModelType, model)
	}
	if err != nil {
		return nil, err
	}
	return m.Build()
}

// Build constructs the graph, inferring output shapes and initialising
// missing weights.
func (m *Model) Build() (*graph.Graph, error) {
	if len(m.Inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs", ErrInvalidModel)
	}
	g := graph.New()
	byName := map[string]*graph.Node{}
	var inputs []*graph.Node
	for _, in := range m.Inputs {
		n, err := g.AddNode(&graph.Node{Name: in.Name, Kind: framework.Input, OutputShape: slices.Clone(in.Shape)})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
		}
		byName[in.Name] = n
		inputs = append(inputs, n)
	}
	g.SetInputs(inputs...)

	for i, l := range m.Layers {
		kind, err := framework.ParseKind(l.Kind)
		if err != nil {
			return nil, fmt.Errorf("modelspec: layer %s: %w", l.Name, err)
		}
		if len(l.Inputs) == 0 {
			return nil, fmt.Errorf("%w: layer %s has no inputs", ErrInvalidModel, l.Name)
		}
		var preds []*graph.Node
		for _, name := range l.Inputs {
			p := byName[name]
			if p == nil {
				return nil, fmt.Errorf("%w: %s (layer %s)", ErrUnknownInput, name, l.Name)
			}
			preds = append(preds, p)
		}
		n, err := newNode(l, kind, preds[0].OutputShape, m.Seed+uint64(i)*16)
		if err != nil {
			return nil, fmt.Errorf("modelspec: layer %s: %w", l.Name, err)
		}
		if n, err = g.AddNode(n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
		}
		for _, p := range preds {
			if err := g.Connect(p, n); err != nil {
				return nil, err
			}
		}
		byName[l.Name] = n
	}

	outs := m.Outputs
	if len(outs) == 0 && len(m.Layers) > 0 {
		outs = []string{m.Layers[len(m.Layers)-1].Name}
	}
	var outputs []*graph.Node
	for _, name := range outs {
		n := byName[name]
		if n == nil {
			return nil, fmt.Errorf("%w: output %s", ErrUnknownInput, name)
		}
		outputs = append(outputs, n)
	}
	g.SetOutputs(outputs...)
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	return g, nil
}

func newNode(l Layer, kind framework.Kind, in []int, seed uint64) (*graph.Node, error) {
	n := &graph.Node{Name: l.Name, Kind: kind, Attrs: map[string]float64{}, Weights: map[string]*tensor.Tensor{}}
	w := func(name string, init func() *tensor.Tensor) error {
		if ts, ok := l.Weights[name]; ok {
			if len(ts.Data) != shapeSize(ts.Shape) {
				return fmt.Errorf("%w: weight %s has %d values for shape %v", ErrInvalidModel, name, len(ts.Data), ts.Shape)
			}
			n.Weights[name] = tensor.FromData(slices.Clone(ts.Data), ts.Shape...)
			return nil
		}
		n.Weights[name] = init()
		return nil
	}

	switch kind {
	case framework.Dense:
		if len(in) != 1 || l.Units <= 0 {
			return nil, fmt.Errorf("%w: dense needs a flat input and positive units, got %v and %d", ErrInvalidModel, in, l.Units)
		}
		if err := w(framework.KernelAttr, func() *tensor.Tensor { return heNormal(seed, in[0], in[0], l.Units) }); err != nil {
			return nil, err
		}
		if l.useBias() {
			if err := w(framework.BiasAttr, func() *tensor.Tensor { return tensor.New(l.Units) }); err != nil {
				return nil, err
			}
		}
		n.OutputShape = []int{l.Units}

	case framework.Conv2D:
		if len(in) != 3 || l.Filters <= 0 || l.KernelSize <= 0 {
			return nil, fmt.Errorf("%w: conv2d needs an HWC input, filters and kernel_size", ErrInvalidModel)
		}
		stride := max(l.Stride, 1)
		same := l.Padding == "same"
		if l.Padding != "" && l.Padding != "same" && l.Padding != "valid" {
			return nil, fmt.Errorf("%w: padding %q", ErrInvalidModel, l.Padding)
		}
		n.Attrs[framework.StrideKey] = float64(stride)
		if same {
			n.Attrs[framework.PaddingKey] = 1
		}
		fanIn := l.KernelSize * l.KernelSize * in[2]
		if err := w(framework.KernelAttr, func() *tensor.Tensor {
			return heNormal(seed, fanIn, l.KernelSize, l.KernelSize, in[2], l.Filters)
		}); err != nil {
			return nil, err
		}
		if l.useBias() {
			if err := w(framework.BiasAttr, func() *tensor.Tensor { return tensor.New(l.Filters) }); err != nil {
				return nil, err
			}
		}
		out, err := engine.ConvOutputShape(in, n.Weights[framework.KernelAttr].Shape, stride, same)
		if err != nil {
			return nil, err
		}
		n.OutputShape = out

	case framework.BatchNorm:
		c := in[len(in)-1]
		ones := func() *tensor.Tensor {
			t := tensor.New(c)
			for i := range t.Data {
				t.Data[i] = 1
			}
			return t
		}
		zeros := func() *tensor.Tensor { return tensor.New(c) }
		for name, init := range map[string]func() *tensor.Tensor{
			framework.GammaAttr:          ones,
			framework.BetaAttr:           zeros,
			framework.MovingMeanAttr:     zeros,
			framework.MovingVarianceAttr: ones,
		} {
			if err := w(name, init); err != nil {
				return nil, err
			}
		}
		if l.Epsilon > 0 {
			n.Attrs[framework.EpsilonKey] = l.Epsilon
		}
		n.OutputShape = slices.Clone(in)

	case framework.ReLU:
		if l.MaxValue > 0 {
			n.Attrs[framework.MaxValueKey] = l.MaxValue
		}
		n.OutputShape = slices.Clone(in)

	case framework.Flatten:
		n.OutputShape = []int{shapeSize(in)}

	case framework.Sigmoid, framework.Add, framework.Identity:
		n.OutputShape = slices.Clone(in)

	default:
		return nil, fmt.Errorf("%w: kind %s cannot be a layer", ErrInvalidModel, kind)
	}
	if len(n.Weights) == 0 {
		n.Weights = nil
	}
	return n, nil
}

func shapeSize(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// heNormal draws seeded normal weights with variance 2/fanIn.
func heNormal(seed uint64, fanIn int, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	tensor.FillNormal(t, seed, math.Sqrt(2/float64(max(fanIn, 1))))
	return t
}
