package mixedprecision

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/ptq/internal/engine"
	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/internal/tensor"
	"github.com/samcharles93/ptq/pkg/quant"
)

// floatBits is the storage width assumed for unquantized values.
const floatBits = 32

// Candidate is the cost and sensitivity of one candidate configuration.
type Candidate struct {
	WeightsBits    int
	ActivationBits int
	// WeightsBytes is the storage of every weight attribute of the node.
	WeightsBytes float64
	// ActivationBytes is the storage of one sample of the node output.
	ActivationBytes float64
	BOPS            float64
	// Sensitivity is the output distortion when only this node uses the
	// candidate and every other configurable node uses its first candidate.
	Sensitivity float64
}

// Problem is the input of Search. It does not reference the graph.
type Problem struct {
	// Nodes lists the configurable nodes in topological order.
	Nodes      []string
	NodeIDs    []int
	Candidates [][]Candidate
	// Fixed usage of the non-configurable nodes. FixedActivation is their
	// largest output.
	FixedWeights    float64
	FixedActivation float64
	FixedBOPS       float64
}

// Usage returns the resources used by an assignment.
func (p *Problem) Usage(assign []int) ResourceUtilization {
	u := ResourceUtilization{
		WeightsMemory:    p.FixedWeights,
		ActivationMemory: p.FixedActivation,
		BOPS:             p.FixedBOPS,
	}
	for i, j := range assign {
		c := p.Candidates[i][j]
		u.WeightsMemory += c.WeightsBytes
		u.ActivationMemory = math.Max(u.ActivationMemory, c.ActivationBytes)
		u.BOPS += c.BOPS
	}
	u.TotalMemory = u.WeightsMemory + u.ActivationMemory
	return u
}

// Objective returns the summed sensitivity of an assignment.
func (p *Problem) Objective(assign []int) float64 {
	var s float64
	for i, j := range assign {
		s += p.Candidates[i][j].Sensitivity
	}
	return s
}

// BuildProblem measures the costs and sensitivities of every candidate of
// the configurable nodes of g. Quantization params must already be computed
// for every candidate.
func BuildProblem(ctx context.Context, g *graph.Graph, ds tensor.Dataset, cfg *Config, info *framework.Info) (*Problem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if info == nil {
		info = framework.Default()
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	p := &Problem{}
	for _, n := range order {
		inBits := inputActivationBits(g, n)
		if !n.HasConfigurableCandidates() {
			c := cost(n, n.Config(), inBits, info)
			p.FixedWeights += c.WeightsBytes
			p.FixedActivation = math.Max(p.FixedActivation, c.ActivationBytes)
			p.FixedBOPS += c.BOPS
			continue
		}
		cands := make([]Candidate, len(n.Candidates))
		for j, cand := range n.Candidates {
			cands[j] = cost(n, cand, inBits, info)
		}
		p.Nodes = append(p.Nodes, n.Name)
		p.NodeIDs = append(p.NodeIDs, n.ID)
		p.Candidates = append(p.Candidates, cands)
	}
	if len(p.Nodes) == 0 {
		return p, nil
	}
	if err := sensitivities(ctx, g, ds, cfg, p); err != nil {
		return nil, err
	}
	return p, nil
}

func cost(n *graph.Node, cand *graph.CandidateConfig, inBits int, info *framework.Info) Candidate {
	c := Candidate{}
	kernel, _ := info.KernelAttr(n.Kind)
	for _, name := range n.WeightNames() {
		bits := floatBits
		var ac *graph.AttrConfig
		if cand != nil {
			ac = cand.Attr(name)
		}
		if ac != nil && ac.Enabled {
			bits = ac.NBits
		}
		if name == kernel {
			c.WeightsBits = bits
		}
		c.WeightsBytes += float64(n.Weight(name).Size()*bits) / 8
	}
	outBits := floatBits
	if cand != nil && cand.Activation.Enabled && !n.Fused {
		outBits = cand.Activation.NBits
		c.ActivationBits = outBits
	}
	c.ActivationBytes = float64(numel(n.OutputShape)*outBits) / 8
	if kernel != "" && n.Weight(kernel) != nil {
		c.BOPS = macs(n, kernel) * float64(c.WeightsBits*inBits)
	}
	return c
}

// inputActivationBits is the base activation width of the first producer
// of n, or floatBits when it is not quantized.
func inputActivationBits(g *graph.Graph, n *graph.Node) int {
	preds := g.Predecessors(n.ID)
	if len(preds) == 0 {
		return floatBits
	}
	p := preds[0]
	if c := p.Config(); c != nil && c.Activation.Enabled && !p.Fused {
		return c.Activation.NBits
	}
	return floatBits
}

// macs counts multiply-accumulates per sample.
func macs(n *graph.Node, kernel string) float64 {
	k := float64(n.Weight(kernel).Size())
	switch n.Kind {
	case framework.Conv2D:
		if len(n.OutputShape) == 3 {
			return k * float64(n.OutputShape[0]*n.OutputShape[1])
		}
	}
	return k
}

func numel(shape []int) int {
	s := 1
	for _, d := range shape {
		s *= d
	}
	return s
}

func sensitivities(ctx context.Context, g *graph.Graph, ds tensor.Dataset, cfg *Config, p *Problem) error {
	log := logger.Component(ctx, "mixedprecision")
	eng, err := engine.New(g)
	if err != nil {
		return err
	}
	var batches [][]*tensor.Tensor
	for b := range ds() {
		batches = append(batches, b)
		if len(batches) == cfg.NumBatches {
			break
		}
	}
	if len(batches) == 0 {
		return fmt.Errorf("%w: empty representative dataset", ErrInvalidConfig)
	}
	refs := make([][]*tensor.Tensor, len(batches))
	for i, b := range batches {
		if refs[i], err = eng.Run(b, engine.Options{}); err != nil {
			return err
		}
	}

	base := make(map[int]int, len(p.NodeIDs))
	for _, id := range p.NodeIDs {
		base[id] = 0
	}
	for i, id := range p.NodeIDs {
		for j := range p.Candidates[i] {
			if err := ctx.Err(); err != nil {
				return err
			}
			cands := make(map[int]int, len(base))
			for k, v := range base {
				cands[k] = v
			}
			cands[id] = j
			opts := engine.Options{QuantizeWeights: true, QuantizeActivations: true, Candidates: cands}
			var total float64
			for b, batch := range batches {
				outs, err := eng.Run(batch, opts)
				if err != nil {
					return fmt.Errorf("mixedprecision: node %s candidate %d: %w", p.Nodes[i], j, err)
				}
				total += distance(outs, refs[b], cfg)
			}
			p.Candidates[i][j].Sensitivity = total / float64(len(batches))
		}
		log.Debug("sensitivity measured", "node", p.Nodes[i], "candidates", len(p.Candidates[i]))
	}
	return nil
}

func distance(got, want []*tensor.Tensor, cfg *Config) float64 {
	var d float64
	for i := range want {
		d += quant.Error(want[i].Data, got[i].Data, nil, cfg.DistanceMetric, cfg.LPNorm)
	}
	return d / float64(len(want))
}

// assignmentFor maps a search result back to candidate indices by node ID.
func (p *Problem) assignmentFor(assign []int) map[int]int {
	out := make(map[int]int, len(assign))
	for i, j := range assign {
		out[p.NodeIDs[i]] = j
	}
	return out
}

// Apply sets the active candidate of every node: the assigned one for
// configurable nodes, the base one otherwise.
func (p *Problem) Apply(g *graph.Graph, assign []int) error {
	if len(assign) != len(p.Nodes) {
		return fmt.Errorf("mixedprecision: %d assignments for %d nodes", len(assign), len(p.Nodes))
	}
	byID := p.assignmentFor(assign)
	for _, n := range g.Nodes() {
		if len(n.Candidates) == 0 {
			continue
		}
		if j, ok := byID[n.ID]; ok {
			n.ActiveCandidate = j
			continue
		}
		n.ActiveCandidate = n.BaseCandidate
	}
	return nil
}

// MaxBits returns the assignment picking the first, widest candidate of
// every node.
func (p *Problem) MaxBits() []int {
	return slices.Repeat([]int{0}, len(p.Nodes))
}
