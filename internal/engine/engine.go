// Package engine is a small reference executor for graphs built from the
// framework kinds. It runs forward passes with optional fake quantization and
// backpropagates gradients to node outputs and kernel weights.
package engine

import (
	"errors"
	"fmt"

	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/tensor"
	"github.com/samcharles93/ptq/pkg/quant"
)

var (
	ErrUnsupportedKind = errors.New("engine: unsupported operator kind")
	ErrShape           = errors.New("engine: shape mismatch")
	ErrInputArity      = errors.New("engine: wrong number of model inputs")
	ErrMissingParams   = errors.New("engine: activation quantization params not computed")
)

// Options controls one forward pass.
type Options struct {
	// QuantizeWeights fake-quantizes every enabled weight attribute with the
	// node's current candidate.
	QuantizeWeights bool
	// QuantizeActivations fake-quantizes node outputs.
	QuantizeActivations bool
	// FloatFactor blends activations as f*x + (1-f)*Q(x). Zero means fully
	// quantized.
	FloatFactor float64
	// Weights replaces node weights by name and attribute. Replaced weights
	// are used as given and are not quantized again.
	Weights map[string]map[string]*tensor.Tensor
	// Candidates overrides the candidate used for a node, by node ID.
	Candidates map[int]int
}

// Engine executes one graph. The graph must not change structurally while an
// engine is in use.
type Engine struct {
	g     *graph.Graph
	order []*graph.Node
}

// New prepares an engine for g.
func New(g *graph.Graph) (*Engine, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	return &Engine{g: g, order: order}, nil
}

// Graph returns the executed graph.
func (e *Engine) Graph() *graph.Graph { return e.g }

// Trace records one forward pass.
type Trace struct {
	opts    Options
	values  map[int]*tensor.Tensor // outputs seen by consumers
	raw     map[int]*tensor.Tensor // outputs before activation quantization
	qz      map[int]*quant.Quantizer
	weights map[int]map[string]*tensor.Tensor
	states  map[int]*opState
}

// Output returns the recorded output of a node.
func (t *Trace) Output(id int) *tensor.Tensor { return t.values[id] }

// Forward runs the graph on one batch.
func (e *Engine) Forward(inputs []*tensor.Tensor, opts Options) (*Trace, error) {
	ins := e.g.Inputs()
	if len(inputs) != len(ins) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInputArity, len(inputs), len(ins))
	}
	tr := &Trace{
		opts:    opts,
		values:  make(map[int]*tensor.Tensor, len(e.order)),
		raw:     map[int]*tensor.Tensor{},
		qz:      map[int]*quant.Quantizer{},
		weights: make(map[int]map[string]*tensor.Tensor, len(e.order)),
		states:  make(map[int]*opState, len(e.order)),
	}
	feed := make(map[int]*tensor.Tensor, len(ins))
	for i, n := range ins {
		feed[n.ID] = inputs[i]
	}

	for _, n := range e.order {
		var in []*tensor.Tensor
		if x, ok := feed[n.ID]; ok {
			in = []*tensor.Tensor{x}
		} else {
			for _, p := range e.g.Predecessors(n.ID) {
				in = append(in, tr.values[p.ID])
			}
		}
		if len(in) == 0 {
			return nil, fmt.Errorf("engine: node %s has no inputs", n.Name)
		}
		cand := e.candidate(n, opts)
		w, err := effectiveWeights(n, cand, opts)
		if err != nil {
			return nil, err
		}
		y, st, err := forwardOp(n, in, w)
		if err != nil {
			return nil, err
		}
		tr.weights[n.ID] = w
		tr.states[n.ID] = st

		if opts.QuantizeActivations && cand != nil && cand.Activation.Enabled && !n.Fused {
			q, err := activationQuantizer(n, cand)
			if err != nil {
				return nil, err
			}
			tr.raw[n.ID] = y
			tr.qz[n.ID] = q
			y = blend(y, q, opts.FloatFactor)
		}
		tr.values[n.ID] = y
	}
	return tr, nil
}

// Outputs returns the graph outputs of a trace in declaration order.
func (e *Engine) Outputs(tr *Trace) []*tensor.Tensor {
	outs := e.g.Outputs()
	res := make([]*tensor.Tensor, len(outs))
	for i, n := range outs {
		res[i] = tr.values[n.ID]
	}
	return res
}

// Run is Forward followed by Outputs.
func (e *Engine) Run(inputs []*tensor.Tensor, opts Options) ([]*tensor.Tensor, error) {
	tr, err := e.Forward(inputs, opts)
	if err != nil {
		return nil, err
	}
	return e.Outputs(tr), nil
}

// Grads holds the gradients of one backward pass.
type Grads struct {
	// Outputs maps node ID to the gradient w.r.t. the node output as seen by
	// its consumers.
	Outputs map[int]*tensor.Tensor
	// Weights maps node ID and attribute to the gradient w.r.t. the
	// effective weight used in the forward pass.
	Weights map[int]map[string]*tensor.Tensor
}

// Backward propagates seed gradients, given per node output, back through the
// trace. Activation quantization uses a straight-through estimator that
// passes gradients inside the representable range.
func (e *Engine) Backward(tr *Trace, seeds map[int]*tensor.Tensor) (*Grads, error) {
	acc := make(map[int]*tensor.Tensor, len(seeds))
	for id, s := range seeds {
		if tr.values[id] == nil {
			return nil, fmt.Errorf("engine: seed for unknown node %d", id)
		}
		if !s.SameShape(tr.values[id]) {
			return nil, fmt.Errorf("%w: seed %v for output %v", ErrShape, s.Shape, tr.values[id].Shape)
		}
		acc[id] = s.Clone()
	}
	grads := &Grads{Outputs: map[int]*tensor.Tensor{}, Weights: map[int]map[string]*tensor.Tensor{}}

	for i := len(e.order) - 1; i >= 0; i-- {
		n := e.order[i]
		dy, ok := acc[n.ID]
		if !ok {
			continue
		}
		grads.Outputs[n.ID] = dy
		if q := tr.qz[n.ID]; q != nil {
			dy = steGrad(dy, tr.raw[n.ID], q, tr.opts.FloatFactor)
		}
		preds := e.g.Predecessors(n.ID)
		in := make([]*tensor.Tensor, len(preds))
		for j, p := range preds {
			in[j] = tr.values[p.ID]
		}
		if len(preds) == 0 {
			continue
		}
		out := tr.values[n.ID]
		if r := tr.raw[n.ID]; r != nil {
			out = r
		}
		dx, dw := backwardOp(n, in, out, dy, tr.weights[n.ID], tr.states[n.ID])
		if dw != nil {
			grads.Weights[n.ID] = dw
		}
		for j, p := range preds {
			if prev, ok := acc[p.ID]; ok {
				tensor.AddInPlace(prev, dx[j])
			} else {
				acc[p.ID] = dx[j].Clone()
			}
		}
	}
	return grads, nil
}

func (e *Engine) candidate(n *graph.Node, opts Options) *graph.CandidateConfig {
	if idx, ok := opts.Candidates[n.ID]; ok && idx >= 0 && idx < len(n.Candidates) {
		return n.Candidates[idx]
	}
	return n.Config()
}

func effectiveWeights(n *graph.Node, cand *graph.CandidateConfig, opts Options) (map[string]*tensor.Tensor, error) {
	override := opts.Weights[n.Name]
	if len(n.Weights) == 0 && override == nil {
		return nil, nil
	}
	w := make(map[string]*tensor.Tensor, len(n.Weights))
	for name, t := range n.Weights {
		if o, ok := override[name]; ok {
			w[name] = o
			continue
		}
		w[name] = t
		if !opts.QuantizeWeights || cand == nil {
			continue
		}
		ac := cand.Attr(name)
		if ac == nil || !ac.Enabled {
			continue
		}
		q, err := QuantizeWeight(t, ac)
		if err != nil {
			return nil, fmt.Errorf("engine: node %s attribute %s: %w", n.Name, name, err)
		}
		w[name] = q
	}
	return w, nil
}

// QuantizeWeight returns a fake-quantized copy of w under the attribute
// config.
func QuantizeWeight(w *tensor.Tensor, ac *graph.AttrConfig) (*tensor.Tensor, error) {
	axis := 0
	chans := [][]float64{w.Data}
	if ac.PerChannel {
		axis = ac.ChannelAxis
		var err error
		if chans, err = tensor.Channels(w, axis); err != nil {
			return nil, err
		}
	}
	qc, err := quant.FakeQuantize(ac.Spec(), ac.Params, chans)
	if err != nil {
		return nil, err
	}
	if !ac.PerChannel {
		return tensor.FromData(qc[0], w.Shape...), nil
	}
	out := tensor.New(w.Shape...)
	if err := tensor.SetChannels(out, axis, qc); err != nil {
		return nil, err
	}
	return out, nil
}

func activationQuantizer(n *graph.Node, cand *graph.CandidateConfig) (*quant.Quantizer, error) {
	if len(cand.Activation.Params) == 0 {
		return nil, fmt.Errorf("%w: node %s", ErrMissingParams, n.Name)
	}
	q, err := quant.NewQuantizer(cand.Activation.Spec(), cand.Activation.Params, 0)
	if err != nil {
		return nil, fmt.Errorf("engine: node %s activation: %w", n.Name, err)
	}
	return q, nil
}

func blend(x *tensor.Tensor, q *quant.Quantizer, f float64) *tensor.Tensor {
	y := tensor.New(x.Shape...)
	for i, v := range x.Data {
		y.Data[i] = f*v + (1-f)*q.Quantize(v)
	}
	return y
}

func steGrad(dy, raw *tensor.Tensor, q *quant.Quantizer, f float64) *tensor.Tensor {
	dx := tensor.New(dy.Shape...)
	for i, g := range dy.Data {
		pass := f
		if q.InRange(raw.Data[i]) {
			pass = 1
		}
		dx.Data[i] = g * pass
	}
	return dx
}
