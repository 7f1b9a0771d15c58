package core

import (
	"math"

	"github.com/samcharles93/ptq/internal/graph"
)

const floatBytes = 4

// SchedulingInfo describes the execution of the quantized graph.
type SchedulingInfo struct {
	// OperatorOrder lists node names in execution order.
	OperatorOrder []string
	// FusedNodes maps the last node of every fused chain to the chain.
	FusedNodes map[string][]string
	// PeakActivationBytes is the largest total size of the activations
	// alive at once for one sample, following OperatorOrder.
	PeakActivationBytes float64
}

// Schedule computes the scheduling info of g.
func Schedule(g *graph.Graph, fused map[string][]string) (SchedulingInfo, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return SchedulingInfo{}, err
	}
	info := SchedulingInfo{FusedNodes: fused}
	remaining := make(map[int]int, len(order))
	live := map[int]float64{}
	var cur float64
	for _, n := range order {
		info.OperatorOrder = append(info.OperatorOrder, n.Name)
		size := activationBytes(n)
		live[n.ID] = size
		cur += size
		info.PeakActivationBytes = math.Max(info.PeakActivationBytes, cur)

		remaining[n.ID] = len(g.Outgoing(n.ID))
		if remaining[n.ID] == 0 && !g.IsOutput(n.ID) {
			cur -= size
			delete(live, n.ID)
		}
		for _, p := range g.Predecessors(n.ID) {
			remaining[p.ID]--
			if remaining[p.ID] == 0 && !g.IsOutput(p.ID) {
				cur -= live[p.ID]
				delete(live, p.ID)
			}
		}
	}
	return info, nil
}

func activationBytes(n *graph.Node) float64 {
	size := 1
	for _, d := range n.OutputShape {
		size *= d
	}
	if c := n.Config(); c != nil && c.Activation.Enabled && !n.Fused {
		return float64(size*c.Activation.NBits) / 8
	}
	return float64(size * floatBytes)
}
