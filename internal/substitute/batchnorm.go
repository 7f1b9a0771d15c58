package substitute

import (
	"fmt"
	"math"

	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/tensor"
)

const defaultBatchNormEpsilon = 1e-3

// FoldBatchNorm folds a BatchNorm that directly follows a Dense or Conv2D
// node into that node's kernel and bias.
type FoldBatchNorm struct{}

func (FoldBatchNorm) Name() string { return "batchnorm_folding" }

func (FoldBatchNorm) Apply(g *graph.Graph, _ *framework.Info) (int, error) {
	count := 0
	for _, bn := range g.Filter(graph.ByKind(framework.BatchNorm)) {
		preds := g.Predecessors(bn.ID)
		if len(preds) != 1 || !linearKinds(preds[0]) || soleConsumer(g, preds[0]) != bn {
			continue
		}
		if err := foldInto(preds[0], bn); err != nil {
			return count, err
		}
		if err := g.Bypass(bn.ID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// BatchNormScale returns the per-channel scale and shift a BatchNorm applies:
// y = x*scale + shift.
func BatchNormScale(bn *graph.Node) (scale, shift []float64, err error) {
	gamma := bn.Weight(framework.GammaAttr)
	beta := bn.Weight(framework.BetaAttr)
	mean := bn.Weight(framework.MovingMeanAttr)
	variance := bn.Weight(framework.MovingVarianceAttr)
	if mean == nil || variance == nil {
		return nil, nil, fmt.Errorf("batchnorm %s: missing moving statistics", bn.Name)
	}
	c := mean.Size()
	if variance.Size() != c || (gamma != nil && gamma.Size() != c) || (beta != nil && beta.Size() != c) {
		return nil, nil, fmt.Errorf("batchnorm %s: parameter sizes disagree", bn.Name)
	}
	eps := bn.Attr(framework.EpsilonKey, defaultBatchNormEpsilon)
	scale = make([]float64, c)
	shift = make([]float64, c)
	for i := range c {
		gm := 1.0
		if gamma != nil {
			gm = gamma.Data[i]
		}
		b := 0.0
		if beta != nil {
			b = beta.Data[i]
		}
		scale[i] = gm / math.Sqrt(variance.Data[i]+eps)
		shift[i] = b - mean.Data[i]*scale[i]
	}
	return scale, shift, nil
}

func foldInto(lin, bn *graph.Node) error {
	scale, shift, err := BatchNormScale(bn)
	if err != nil {
		return err
	}
	kernel := lin.Weight(framework.KernelAttr)
	if kernel == nil {
		return fmt.Errorf("node %s has no kernel", lin.Name)
	}
	out := kernel.Shape[kernel.Rank()-1]
	if out != len(scale) {
		return fmt.Errorf("node %s has %d output channels, batchnorm %s has %d",
			lin.Name, out, bn.Name, len(scale))
	}
	for i := range kernel.Data {
		kernel.Data[i] *= scale[i%out]
	}
	bias := lin.Weight(framework.BiasAttr)
	if bias == nil {
		bias = tensor.New(out)
		lin.Weights[framework.BiasAttr] = bias
	}
	for c := range out {
		bias.Data[c] = bias.Data[c]*scale[c] + shift[c]
	}
	return nil
}
