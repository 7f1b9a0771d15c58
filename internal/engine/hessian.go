package engine

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/hessian"
	"github.com/samcharles93/ptq/internal/tensor"
)

// DefaultHessianIterations is the number of random projections averaged per
// sample.
const DefaultHessianIterations = 10

// HessianCalculator approximates Hessian diagonals with squared gradients of
// random Rademacher projections of the model outputs, one sample at a time.
type HessianCalculator struct {
	eng        *Engine
	info       *framework.Info
	iterations int
	seed       uint64
}

// HessianOption configures a HessianCalculator.
type HessianOption func(*HessianCalculator)

// WithIterations sets the number of projections per sample.
func WithIterations(n int) HessianOption {
	return func(h *HessianCalculator) { h.iterations = n }
}

// WithSeed sets the projection seed.
func WithSeed(seed uint64) HessianOption {
	return func(h *HessianCalculator) { h.seed = seed }
}

// WithInfo sets the operator catalog.
func WithInfo(info *framework.Info) HessianOption {
	return func(h *HessianCalculator) { h.info = info }
}

// NewHessianCalculator returns a calculator over the float graph g.
func NewHessianCalculator(g *graph.Graph, opts ...HessianOption) (*HessianCalculator, error) {
	eng, err := New(g)
	if err != nil {
		return nil, err
	}
	h := &HessianCalculator{eng: eng, info: framework.Default(), iterations: DefaultHessianIterations, seed: 1}
	for _, o := range opts {
		o(h)
	}
	if h.iterations < 1 {
		return nil, fmt.Errorf("engine: hessian iterations must be positive, got %d", h.iterations)
	}
	return h, nil
}

var _ hessian.Calculator = (*HessianCalculator)(nil)

// Compute implements hessian.Calculator.
func (h *HessianCalculator) Compute(ctx context.Context, batch []*tensor.Tensor, mode hessian.Mode, gran hessian.Granularity, targets []*graph.Node) (map[string]*tensor.Tensor, error) {
	if len(batch) == 0 {
		return nil, ErrInputArity
	}
	nb := batch[0].Batch()
	rows := make(map[string][]*tensor.Tensor, len(targets))
	outs := h.eng.g.Outputs()

	for i := range nb {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sample := make([]*tensor.Tensor, len(batch))
		for j, b := range batch {
			sample[j] = b.Sample(i)
		}
		tr, err := h.eng.Forward(sample, Options{})
		if err != nil {
			return nil, err
		}
		rng := rand.New(rand.NewPCG(h.seed, uint64(i)))
		acc := make(map[string]*tensor.Tensor, len(targets))
		for range h.iterations {
			seeds := make(map[int]*tensor.Tensor, len(outs))
			for _, o := range outs {
				y := tr.Output(o.ID)
				v := tensor.New(y.Shape...)
				for k := range v.Data {
					if rng.IntN(2) == 0 {
						v.Data[k] = -1
					} else {
						v.Data[k] = 1
					}
				}
				seeds[o.ID] = v
			}
			grads, err := h.eng.Backward(tr, seeds)
			if err != nil {
				return nil, err
			}
			for _, n := range targets {
				gr, err := h.target(n, tr, grads, mode)
				if err != nil {
					return nil, err
				}
				a := acc[n.Name]
				if a == nil {
					a = tensor.New(gr.Shape...)
					acc[n.Name] = a
				}
				for k, g := range gr.Data {
					a.Data[k] += g * g
				}
			}
		}
		for _, n := range targets {
			a := acc[n.Name]
			tensor.Scale(a, 1/float64(h.iterations))
			row, err := h.reduce(n, a, mode, gran)
			if err != nil {
				return nil, err
			}
			rows[n.Name] = append(rows[n.Name], row)
		}
	}

	out := make(map[string]*tensor.Tensor, len(targets))
	for name, rs := range rows {
		t, err := tensor.Stack(rs)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

func (h *HessianCalculator) target(n *graph.Node, tr *Trace, grads *Grads, mode hessian.Mode) (*tensor.Tensor, error) {
	if mode == hessian.Activations {
		if g := grads.Outputs[n.ID]; g != nil {
			return g, nil
		}
		return tensor.New(tr.Output(n.ID).Shape...), nil
	}
	attr, ok := h.info.KernelAttr(n.Kind)
	if !ok {
		return nil, fmt.Errorf("engine: node %s has no kernel", n.Name)
	}
	if g := grads.Weights[n.ID][attr]; g != nil {
		return g, nil
	}
	return tensor.New(n.Weight(attr).Shape...), nil
}

// reduce turns one sample's squared gradients into a score row without the
// batch axis.
func (h *HessianCalculator) reduce(n *graph.Node, a *tensor.Tensor, mode hessian.Mode, gran hessian.Granularity) (*tensor.Tensor, error) {
	if mode == hessian.Activations {
		a = a.Reshape(a.Shape[1:]...)
	}
	switch gran {
	case hessian.PerElement:
		return a, nil
	case hessian.PerTensor:
		var s float64
		for _, v := range a.Data {
			s += v
		}
		return tensor.FromData([]float64{s / float64(max(a.Size(), 1))}, 1), nil
	case hessian.PerChannel:
		axis := -1
		if mode == hessian.Weights {
			axis = h.info.KernelChannels.Get(n.Kind).Out
		} else if ax := h.info.OutputChannelAxis.Get(n.Kind); ax >= 0 {
			axis = ax - 1
		}
		sums, err := tensor.ReduceChannels(a, axis)
		if err != nil {
			return nil, err
		}
		per := float64(a.Size() / max(len(sums), 1))
		for i := range sums {
			sums[i] /= per
		}
		return tensor.FromData(sums, len(sums)), nil
	}
	return nil, fmt.Errorf("engine: unknown granularity %v", gran)
}
