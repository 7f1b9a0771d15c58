package graph

import (
	"maps"
	"slices"

	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/tensor"
)

// Node is one operation in the graph.
type Node struct {
	ID      int
	Name    string
	Kind    framework.Kind
	Attrs   map[string]float64
	Weights map[string]*tensor.Tensor
	// OutputShape excludes the batch axis.
	OutputShape []int

	Candidates      []*CandidateConfig
	BaseCandidate   int
	ActiveCandidate int // -1 until a candidate is selected

	// Fused marks a node inside a fused chain whose output is consumed
	// unquantized by the next operator of the chain.
	Fused      bool
	FusedGroup string
}

// Attr returns a numeric attribute or def when it is unset.
func (n *Node) Attr(key string, def float64) float64 {
	if v, ok := n.Attrs[key]; ok {
		return v
	}
	return def
}

// Weight returns the named weight tensor or nil.
func (n *Node) Weight(name string) *tensor.Tensor {
	return n.Weights[name]
}

// WeightNames returns the node's weight attributes in sorted order.
func (n *Node) WeightNames() []string {
	return slices.Sorted(maps.Keys(n.Weights))
}

// Config returns the active candidate, falling back to the base candidate
// before selection. It returns nil for nodes without candidates.
func (n *Node) Config() *CandidateConfig {
	switch {
	case len(n.Candidates) == 0:
		return nil
	case n.ActiveCandidate >= 0 && n.ActiveCandidate < len(n.Candidates):
		return n.Candidates[n.ActiveCandidate]
	}
	return n.Candidates[n.BaseCandidate]
}

// IsWeightsQuantized reports whether attr is quantized by the current config.
func (n *Node) IsWeightsQuantized(attr string) bool {
	c := n.Config()
	if c == nil {
		return false
	}
	a := c.Attr(attr)
	return a != nil && a.Enabled
}

// IsActivationQuantized reports whether the node output is quantized.
func (n *Node) IsActivationQuantized() bool {
	c := n.Config()
	return c != nil && c.Activation.Enabled && !n.Fused
}

// HasConfigurableCandidates reports whether more than one candidate remains.
func (n *Node) HasConfigurableCandidates() bool {
	return len(n.Candidates) > 1
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	out := *n
	out.Attrs = maps.Clone(n.Attrs)
	out.OutputShape = slices.Clone(n.OutputShape)
	if n.Weights != nil {
		out.Weights = make(map[string]*tensor.Tensor, len(n.Weights))
		for k, w := range n.Weights {
			out.Weights[k] = w.Clone()
		}
	}
	if n.Candidates != nil {
		out.Candidates = make([]*CandidateConfig, len(n.Candidates))
		for i, c := range n.Candidates {
			out.Candidates[i] = c.Clone()
		}
	}
	return &out
}
