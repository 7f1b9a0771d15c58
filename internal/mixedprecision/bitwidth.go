package mixedprecision

import (
	"errors"
	"fmt"

	"github.com/samcharles93/ptq/internal/graph"
)

var (
	ErrBitWidthCount = errors.New("mixedprecision: bit width count must match the filter count or be one")
	ErrNoMatch       = errors.New("mixedprecision: no nodes match the filter")
	ErrNoCandidate   = errors.New("mixedprecision: no candidate has the requested activation bit width")
)

// ManualBitWidthSelection forces the activation bit width of the nodes a
// filter matches.
type ManualBitWidthSelection struct {
	Filter   graph.Matcher
	BitWidth int
}

// BitWidthConfig holds manual activation bit-width selections.
type BitWidthConfig struct {
	Selections []ManualBitWidthSelection
}

// SetManualActivationBitWidth adds one selection per filter. A single bit
// width applies to every filter.
func (c *BitWidthConfig) SetManualActivationBitWidth(filters []graph.Matcher, bitWidths []int) error {
	switch {
	case len(bitWidths) == 1:
		for len(bitWidths) < len(filters) {
			bitWidths = append(bitWidths, bitWidths[0])
		}
	case len(bitWidths) != len(filters):
		return fmt.Errorf("%w: %d bit widths for %d filters", ErrBitWidthCount, len(bitWidths), len(filters))
	}
	for i, f := range filters {
		c.Selections = append(c.Selections, ManualBitWidthSelection{Filter: f, BitWidth: bitWidths[i]})
	}
	return nil
}

// NodesToChange maps every matched node to its requested bit width. Later
// selections override earlier ones.
func (c *BitWidthConfig) NodesToChange(g *graph.Graph) (map[*graph.Node]int, error) {
	out := map[*graph.Node]int{}
	for _, s := range c.Selections {
		nodes := g.Filter(s.Filter)
		if len(nodes) == 0 {
			return nil, fmt.Errorf("%w: cannot set bit width %d", ErrNoMatch, s.BitWidth)
		}
		for _, n := range nodes {
			out[n] = s.BitWidth
		}
	}
	return out, nil
}

// Apply keeps only the candidates of matched nodes whose activation bit
// width equals the requested one.
func (c *BitWidthConfig) Apply(g *graph.Graph) error {
	if len(c.Selections) == 0 {
		return nil
	}
	nodes, err := c.NodesToChange(g)
	if err != nil {
		return err
	}
	for n, bits := range nodes {
		var base *graph.CandidateConfig
		if n.BaseCandidate >= 0 && n.BaseCandidate < len(n.Candidates) {
			base = n.Candidates[n.BaseCandidate]
		}
		var kept []*graph.CandidateConfig
		for _, cand := range n.Candidates {
			if cand.Activation.Enabled && cand.ActivationBits() == bits {
				kept = append(kept, cand)
			}
		}
		if len(kept) == 0 {
			return fmt.Errorf("%w: node %s, %d bits", ErrNoCandidate, n.Name, bits)
		}
		n.Candidates = kept
		n.BaseCandidate = 0
		for i, cand := range kept {
			if cand == base {
				n.BaseCandidate = i
			}
		}
	}
	return nil
}
