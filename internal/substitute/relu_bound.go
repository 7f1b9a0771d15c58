package substitute

import (
	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/pkg/quant"
)

// ReLUBoundCorrection rescales linear -> bounded ReLU -> linear patterns so a
// power-of-two activation threshold coincides with the ReLU bound. The first
// linear node is divided by s = max_value/threshold, the bound is raised to
// the threshold and the second kernel is multiplied by s, which leaves the
// float function unchanged.
type ReLUBoundCorrection struct{}

func (ReLUBoundCorrection) Name() string { return "relu_bound_correction" }

func (ReLUBoundCorrection) Apply(g *graph.Graph, _ *framework.Info) (int, error) {
	count := 0
	for _, relu := range g.Filter(graph.ByKind(framework.ReLU)) {
		maxValue, bounded := relu.Attrs[framework.MaxValueKey]
		if !bounded || maxValue <= 0 {
			continue
		}
		preds := g.Predecessors(relu.ID)
		if len(preds) != 1 || !linearKinds(preds[0]) || soleConsumer(g, preds[0]) != relu {
			continue
		}
		next := soleConsumer(g, relu)
		if next == nil || !linearKinds(next) {
			continue
		}
		threshold := quant.PowerOfTwoCeil(maxValue)
		if threshold <= maxValue {
			continue
		}
		s := maxValue / threshold
		first := preds[0]
		for _, attr := range []string{framework.KernelAttr, framework.BiasAttr} {
			if w := first.Weight(attr); w != nil {
				for i := range w.Data {
					w.Data[i] /= s
				}
			}
		}
		if w := next.Weight(framework.KernelAttr); w != nil {
			for i := range w.Data {
				w.Data[i] *= s
			}
		}
		relu.Attrs[framework.MaxValueKey] = threshold
		count++
	}
	return count, nil
}
