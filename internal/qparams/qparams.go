// Package qparams computes the quantization parameters of every candidate
// configuration in a graph, for weights and activations.
package qparams

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/hessian"
	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/internal/metrics"
	"github.com/samcharles93/ptq/internal/stats"
	"github.com/samcharles93/ptq/internal/tensor"
	"github.com/samcharles93/ptq/pkg/quant"
)

// DefaultNumHessianSamples is the number of samples averaged for HMSE.
const DefaultNumHessianSamples = 16

var (
	// ErrHMSERequiresGPTQ carries fixed user-facing text, so it keeps its
	// capital letter and trailing period instead of the usual lowercase
	// error string.
	ErrHMSERequiresGPTQ = errors.New("The HMSE error method for parameters selection is only supported when running GPTQ optimization due to long execution time that is not suitable for basic PTQ.")
	ErrNoHessianService = errors.New("qparams: hmse error method requires a hessian service")
	ErrMissingStats     = errors.New("qparams: missing activation statistics")
)

// Options configures CalculateQuantizationParams.
type Options struct {
	// WeightsErrorMethod is the run-level weights error method. Candidates
	// carry their own copy; both are checked for HMSE.
	WeightsErrorMethod quant.ErrorMethod
	// LPNorm is the norm of the LP error method.
	LPNorm            float64
	RunningGPTQ       bool
	HessianService    *hessian.Service
	NumHessianSamples int
	// Dataset feeds Hessian computation for HMSE.
	Dataset tensor.Dataset
	// Stats holds activation statistics. Activation params are skipped when
	// nil.
	Stats stats.Statistics
	Info  *framework.Info
}

// CheckHMSE fails when HMSE is requested outside of GPTQ or without a Hessian
// service. It does no other work.
func CheckHMSE(g *graph.Graph, opts Options) error {
	if !usesHMSE(g, opts) {
		return nil
	}
	if !opts.RunningGPTQ {
		return ErrHMSERequiresGPTQ
	}
	if opts.HessianService == nil {
		return ErrNoHessianService
	}
	return nil
}

func usesHMSE(g *graph.Graph, opts Options) bool {
	if opts.WeightsErrorMethod == quant.HMSE {
		return true
	}
	for _, n := range g.Nodes() {
		for _, c := range n.Candidates {
			for _, a := range c.Weights {
				if a.Enabled && a.ErrorMethod == quant.HMSE {
					return true
				}
			}
		}
	}
	return false
}

// CalculateQuantizationParams fills the Params of every enabled weight
// attribute and activation of every candidate in g.
func CalculateQuantizationParams(ctx context.Context, g *graph.Graph, opts Options) error {
	if err := CheckHMSE(g, opts); err != nil {
		return err
	}
	if opts.Info == nil {
		opts.Info = framework.Default()
	}
	if opts.NumHessianSamples <= 0 {
		opts.NumHessianSamples = DefaultNumHessianSamples
	}
	log := logger.Component(ctx, "qparams")

	for _, n := range g.Nodes() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := weightsParams(ctx, n, opts); err != nil {
			return fmt.Errorf("qparams: node %s: %w", n.Name, err)
		}
		if opts.Stats != nil {
			if err := activationParams(ctx, n, opts); err != nil {
				return fmt.Errorf("qparams: node %s: %w", n.Name, err)
			}
		}
	}
	log.Debug("quantization params computed", "nodes", g.NumNodes())
	return nil
}

func weightsParams(ctx context.Context, n *graph.Node, opts Options) error {
	kernel, _ := opts.Info.KernelAttr(n.Kind)
	var hmse *tensor.Tensor
	for _, c := range n.Candidates {
		for _, name := range c.AttrNames() {
			ac := c.Weights[name]
			if !ac.Enabled {
				continue
			}
			w := n.Weight(name)
			em := ac.ErrorMethod
			if em == quant.HMSE && (kernel == "" || name != kernel) {
				em = quant.MSE
			}
			chans, err := split(w, ac)
			if err != nil {
				return err
			}
			cfg := quant.SearchConfig{Spec: ac.Spec(), ErrorMethod: em, P: opts.LPNorm}
			if em == quant.HMSE {
				if hmse == nil {
					if hmse, err = hessianWeights(ctx, n, opts); err != nil {
						return err
					}
				}
				if cfg.Weights, err = split(hmse, ac); err != nil {
					return err
				}
			}
			p, err := quant.Search(ctx, chans, cfg)
			if err != nil {
				return fmt.Errorf("attribute %s: %w", name, err)
			}
			ac.Params = p
			metrics.RecordParams(ac.Method.String())
		}
	}
	return nil
}

func split(t *tensor.Tensor, ac *graph.AttrConfig) ([][]float64, error) {
	if !ac.PerChannel {
		return [][]float64{t.Data}, nil
	}
	return tensor.Channels(t, ac.ChannelAxis)
}

// hessianWeights returns per-element kernel Hessian scores averaged over the
// requested samples.
func hessianWeights(ctx context.Context, n *graph.Node, opts Options) (*tensor.Tensor, error) {
	scores, err := opts.HessianService.Fetch(ctx, hessian.Request{
		Mode:        hessian.Weights,
		Granularity: hessian.PerElement,
		TargetNodes: []*graph.Node{n},
		NSamples:    opts.NumHessianSamples,
		DataLoader:  opts.Dataset,
	})
	if err != nil {
		return nil, err
	}
	s := scores[n.Name]
	rows := s.Batch()
	out := tensor.New(s.Shape[1:]...)
	for i := range rows {
		tensor.AddInPlace(out, s.Sample(i).Reshape(out.Shape...))
	}
	tensor.Scale(out, 1/float64(rows))
	return out, nil
}

func activationParams(ctx context.Context, n *graph.Node, opts Options) error {
	if n.Fused {
		return nil
	}
	for _, c := range n.Candidates {
		a := &c.Activation
		if !a.Enabled {
			continue
		}
		col := opts.Stats[n.Name]
		if col == nil || col.Histogram.Empty() {
			return fmt.Errorf("%w: node %s", ErrMissingStats, n.Name)
		}
		r := opts.Info.ActivationRange(n.Kind)
		a.Signed = col.Min < 0 && r.Min < 0

		var vals, counts []float64
		centers := col.Histogram.Centers()
		for i, cnt := range col.Histogram.Counts {
			if cnt > 0 {
				vals = append(vals, centers[i])
				counts = append(counts, cnt)
			}
		}
		em := a.ErrorMethod
		if em == quant.HMSE {
			em = quant.MSE
		}
		p, err := quant.Search(ctx, [][]float64{vals}, quant.SearchConfig{
			Spec:        a.Spec(),
			ErrorMethod: em,
			P:           opts.LPNorm,
			Weights:     [][]float64{counts},
		})
		if err != nil {
			return fmt.Errorf("activation: %w", err)
		}
		a.Params = p
		metrics.RecordParams(a.Method.String())
	}
	return nil
}
