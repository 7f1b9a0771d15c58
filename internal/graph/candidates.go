package graph

import (
	"cmp"
	"slices"

	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/tpc"
	"github.com/samcharles93/ptq/pkg/quant"
)

// CandidateOptions carries the run-level settings copied into every
// candidate.
type CandidateOptions struct {
	WeightsErrorMethod    quant.ErrorMethod
	ActivationErrorMethod quant.ErrorMethod
	// MixedPrecision keeps every option of the capabilities. Otherwise only
	// the base option is kept.
	MixedPrecision bool
}

// SetCandidates populates the candidate list of every node from the target
// platform capabilities. Candidates are ordered from the highest to the
// lowest bit widths and the base option is recorded.
func SetCandidates(g *Graph, caps *tpc.Capabilities, info *framework.Info, opts CandidateOptions) {
	for _, n := range g.Nodes() {
		qco := caps.OptionsFor(n.Kind)
		configs := qco.Configs
		base := qco.BaseConfig()
		if !opts.MixedPrecision {
			configs = []tpc.OpQuantizationConfig{base}
		}

		cands := make([]*CandidateConfig, 0, len(configs))
		for _, oc := range configs {
			cands = append(cands, newCandidate(n, oc, info, opts))
		}
		baseCand := newCandidate(n, base, info, opts)
		slices.SortStableFunc(cands, func(a, b *CandidateConfig) int {
			return -compareBits(n, info, a, b)
		})
		cands = slices.CompactFunc(cands, func(a, b *CandidateConfig) bool {
			return compareBits(n, info, a, b) == 0
		})
		n.Candidates = cands
		n.BaseCandidate = 0
		for i, c := range cands {
			if compareBits(n, info, c, baseCand) == 0 {
				n.BaseCandidate = i
				break
			}
		}
		n.ActiveCandidate = -1
		if info.NoQuantization[n.Kind] {
			for _, c := range n.Candidates {
				c.Activation.Enabled = false
				c.Activation.QuantPreserving = true
			}
		}
	}
}

func newCandidate(n *Node, oc tpc.OpQuantizationConfig, info *framework.Info, opts CandidateOptions) *CandidateConfig {
	c := &CandidateConfig{
		Weights: make(map[string]*AttrConfig, len(n.Weights)),
		Activation: ActivationConfig{
			Enabled:         oc.EnableActivation,
			Method:          oc.ActivationMethod,
			NBits:           oc.ActivationNBits,
			ErrorMethod:     opts.ActivationErrorMethod,
			QuantPreserving: oc.QuantPreserving,
		},
	}
	kernel, _ := info.KernelAttr(n.Kind)
	for name, w := range n.Weights {
		ac := oc.Attr(name)
		axis := 0
		if name == kernel {
			axis = info.KernelChannels.Get(n.Kind).Out
		}
		perChannel := ac.PerChannel && axis >= 0 && axis < w.Rank()
		c.Weights[name] = &AttrConfig{
			Attr:              name,
			Method:            ac.Method,
			NBits:             ac.NBits,
			PerChannel:        perChannel,
			ChannelAxis:       axis,
			Enabled:           ac.Enabled,
			ErrorMethod:       opts.WeightsErrorMethod,
			LUTValuesBitwidth: ac.LUTValuesBitwidth,
		}
	}
	return c
}

func compareBits(n *Node, info *framework.Info, a, b *CandidateConfig) int {
	if kernel, ok := info.KernelAttr(n.Kind); ok {
		if c := cmp.Compare(a.WeightsBits(kernel), b.WeightsBits(kernel)); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.ActivationBits(), b.ActivationBits())
}

// ApplyFusing marks nodes that form a fused chain according to the
// capabilities. Every node of a chain except the last is flagged as fused,
// which disables quantization of its output. It returns the chains found,
// keyed by the name of their last node.
func ApplyFusing(g *Graph, caps *tpc.Capabilities) (map[string][]string, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	chains := map[string][]string{}
	claimed := map[int]bool{}
	for _, f := range caps.Fusings {
		for _, start := range order {
			if claimed[start.ID] {
				continue
			}
			chain := g.matchChain(start, f.Sequence, caps, claimed)
			if chain == nil {
				continue
			}
			names := make([]string, len(chain))
			for i, n := range chain {
				claimed[n.ID] = true
				names[i] = n.Name
				n.FusedGroup = f.Name
				n.Fused = i < len(chain)-1
			}
			chains[chain[len(chain)-1].Name] = names
		}
	}
	return chains, nil
}

func (g *Graph) matchChain(start *Node, seq []string, caps *tpc.Capabilities, claimed map[int]bool) []*Node {
	chain := []*Node{start}
	cur := start
	for i, set := range seq {
		if s, ok := caps.SetOf(cur.Kind); !ok || s != set {
			return nil
		}
		if i == len(seq)-1 {
			return chain
		}
		next := g.Successors(cur.ID)
		if len(next) != 1 || g.IsOutput(cur.ID) || claimed[next[0].ID] {
			return nil
		}
		cur = next[0]
		chain = append(chain, cur)
	}
	return nil
}
