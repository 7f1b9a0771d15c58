// Package graph is the computation-graph IR the quantization pipeline works
// on: an arena of nodes with explicit edges and per-node candidate
// quantization configurations.
package graph

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/emirpasic/gods/v2/lists/arraylist"

	"github.com/samcharles93/ptq/internal/framework"
)

var (
	ErrCycle         = errors.New("graph: cycle detected")
	ErrDuplicateName = errors.New("graph: duplicate node name")
	ErrUnknownNode   = errors.New("graph: unknown node")
	ErrInvalidGraph  = errors.New("graph: invalid graph")
)

// Edge connects output SrcIndex of node Src to input DstIndex of node Dst.
type Edge struct {
	Src      int
	Dst      int
	SrcIndex int
	DstIndex int
}

// Reader builds a graph from a framework-native model.
type Reader interface {
	Read(ctx context.Context, model any) (*Graph, error)
}

// Graph is a directed acyclic computation graph. Node IDs index an arena and
// are never reused within one graph.
type Graph struct {
	nodes   []*Node
	edges   []Edge
	inputs  []int
	outputs []int
}

// New returns an empty graph.
func New() *Graph { return &Graph{} }

// AddNode inserts n, assigning its ID. Names must be unique.
func (g *Graph) AddNode(n *Node) (*Node, error) {
	if n.Name == "" {
		return nil, fmt.Errorf("%w: empty node name", ErrInvalidGraph)
	}
	if g.FindByName(n.Name) != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateName, n.Name)
	}
	n.ID = len(g.nodes)
	if len(n.Candidates) == 0 {
		n.ActiveCandidate = -1
	}
	g.nodes = append(g.nodes, n)
	return n, nil
}

// AddEdge connects two existing nodes.
func (g *Graph) AddEdge(e Edge) error {
	if g.Node(e.Src) == nil || g.Node(e.Dst) == nil {
		return fmt.Errorf("%w: edge %d->%d", ErrUnknownNode, e.Src, e.Dst)
	}
	g.edges = append(g.edges, e)
	return nil
}

// Connect adds an edge from src to the next free input of dst.
func (g *Graph) Connect(src, dst *Node) error {
	return g.AddEdge(Edge{Src: src.ID, Dst: dst.ID, DstIndex: len(g.Incoming(dst.ID))})
}

// SetInputs declares the graph inputs in model-input order.
func (g *Graph) SetInputs(nodes ...*Node) {
	g.inputs = g.inputs[:0]
	for _, n := range nodes {
		g.inputs = append(g.inputs, n.ID)
	}
}

// SetOutputs declares the graph outputs in model-output order.
func (g *Graph) SetOutputs(nodes ...*Node) {
	g.outputs = g.outputs[:0]
	for _, n := range nodes {
		g.outputs = append(g.outputs, n.ID)
	}
}

// Inputs returns the input nodes.
func (g *Graph) Inputs() []*Node { return g.lookup(g.inputs) }

// Outputs returns the output nodes.
func (g *Graph) Outputs() []*Node { return g.lookup(g.outputs) }

func (g *Graph) lookup(ids []int) []*Node {
	out := make([]*Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id])
	}
	return out
}

// Node returns the node with the given ID, or nil.
func (g *Graph) Node(id int) *Node {
	if id < 0 || id >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// FindByName returns the node with the given name, or nil.
func (g *Graph) FindByName(name string) *Node {
	for _, n := range g.nodes {
		if n != nil && n.Name == name {
			return n
		}
	}
	return nil
}

// Nodes returns the live nodes in ID order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

// NumNodes returns the number of live nodes.
func (g *Graph) NumNodes() int { return len(g.Nodes()) }

// Edges returns a copy of the edge list.
func (g *Graph) Edges() []Edge { return slices.Clone(g.edges) }

// Filter returns the nodes matched by m in ID order.
func (g *Graph) Filter(m Matcher) []*Node {
	var out []*Node
	for _, n := range g.Nodes() {
		if m(n) {
			out = append(out, n)
		}
	}
	return out
}

// Incoming returns the edges into id ordered by input index.
func (g *Graph) Incoming(id int) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.Dst == id {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b Edge) int { return a.DstIndex - b.DstIndex })
	return out
}

// Outgoing returns the edges out of id ordered by destination.
func (g *Graph) Outgoing(id int) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.Src == id {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b Edge) int { return a.Dst - b.Dst })
	return out
}

// Predecessors returns the producers of id's inputs in input order.
func (g *Graph) Predecessors(id int) []*Node {
	in := g.Incoming(id)
	out := make([]*Node, len(in))
	for i, e := range in {
		out[i] = g.nodes[e.Src]
	}
	return out
}

// Successors returns the consumers of id's output.
func (g *Graph) Successors(id int) []*Node {
	oe := g.Outgoing(id)
	out := make([]*Node, len(oe))
	for i, e := range oe {
		out[i] = g.nodes[e.Dst]
	}
	return out
}

// IsOutput reports whether id is a graph output.
func (g *Graph) IsOutput(id int) bool { return slices.Contains(g.outputs, id) }

// ReplaceEdgesFrom redirects every edge leaving from to leave to instead, and
// moves graph-output status along with it.
func (g *Graph) ReplaceEdgesFrom(from, to int) {
	for i := range g.edges {
		if g.edges[i].Src == from {
			g.edges[i].Src = to
		}
	}
	for i, id := range g.outputs {
		if id == from {
			g.outputs[i] = to
		}
	}
}

// RemoveNode deletes id and every edge touching it.
func (g *Graph) RemoveNode(id int) error {
	if g.Node(id) == nil {
		return fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	if slices.Contains(g.inputs, id) {
		return fmt.Errorf("%w: cannot remove input node %s", ErrInvalidGraph, g.nodes[id].Name)
	}
	g.edges = slices.DeleteFunc(g.edges, func(e Edge) bool { return e.Src == id || e.Dst == id })
	g.outputs = slices.DeleteFunc(g.outputs, func(o int) bool { return o == id })
	g.nodes[id] = nil
	return nil
}

// Bypass removes a single-input node, wiring its producer straight to its
// consumers.
func (g *Graph) Bypass(id int) error {
	in := g.Incoming(id)
	if len(in) != 1 {
		return fmt.Errorf("%w: bypass of node %d with %d inputs", ErrInvalidGraph, id, len(in))
	}
	g.ReplaceEdgesFrom(id, in[0].Src)
	return g.RemoveNode(id)
}

// TopologicalSort returns the nodes in dependency order. Ties are broken by
// node ID so the order is deterministic.
func (g *Graph) TopologicalSort() ([]*Node, error) {
	indeg := make(map[int]int, len(g.nodes))
	for _, n := range g.Nodes() {
		indeg[n.ID] = 0
	}
	for _, e := range g.edges {
		indeg[e.Dst]++
	}

	ready := arraylist.New[int]()
	push := func(id int) {
		i := 0
		for ; i < ready.Size(); i++ {
			if v, _ := ready.Get(i); v > id {
				break
			}
		}
		ready.Insert(i, id)
	}
	for _, n := range g.Nodes() {
		if indeg[n.ID] == 0 {
			push(n.ID)
		}
	}

	order := make([]*Node, 0, len(indeg))
	for !ready.Empty() {
		id, _ := ready.Get(0)
		ready.Remove(0)
		order = append(order, g.nodes[id])
		for _, e := range g.edges {
			if e.Src != id {
				continue
			}
			indeg[e.Dst]--
			if indeg[e.Dst] == 0 {
				push(e.Dst)
			}
		}
	}
	if len(order) != len(indeg) {
		return nil, ErrCycle
	}
	return order, nil
}

// Validate checks structural invariants and candidate consistency.
func (g *Graph) Validate() error {
	if len(g.inputs) == 0 || len(g.outputs) == 0 {
		return fmt.Errorf("%w: graph needs inputs and outputs", ErrInvalidGraph)
	}
	for _, e := range g.edges {
		if g.Node(e.Src) == nil || g.Node(e.Dst) == nil {
			return fmt.Errorf("%w: dangling edge %d->%d", ErrInvalidGraph, e.Src, e.Dst)
		}
	}
	for _, id := range g.inputs {
		if n := g.Node(id); n == nil || n.Kind != framework.Input {
			return fmt.Errorf("%w: graph input %d is not an Input node", ErrInvalidGraph, id)
		}
		if len(g.Incoming(id)) != 0 {
			return fmt.Errorf("%w: input node %d has producers", ErrInvalidGraph, id)
		}
	}
	if _, err := g.TopologicalSort(); err != nil {
		return err
	}
	for _, n := range g.Nodes() {
		for i, c := range n.Candidates {
			for _, name := range c.AttrNames() {
				a := c.Weights[name]
				w := n.Weights[name]
				if w == nil {
					return fmt.Errorf("%w: node %s candidate %d configures missing attribute %s",
						ErrInvalidGraph, n.Name, i, name)
				}
				if a.PerChannel && (a.ChannelAxis < 0 || a.ChannelAxis >= w.Rank()) {
					return fmt.Errorf("%w: node %s attribute %s channel axis %d invalid for rank %d",
						ErrInvalidGraph, n.Name, name, a.ChannelAxis, w.Rank())
				}
			}
		}
	}
	return nil
}

// Clone returns a deep copy sharing no mutable state with g.
func (g *Graph) Clone() *Graph {
	out := &Graph{
		nodes:   make([]*Node, len(g.nodes)),
		edges:   slices.Clone(g.edges),
		inputs:  slices.Clone(g.inputs),
		outputs: slices.Clone(g.outputs),
	}
	for i, n := range g.nodes {
		if n != nil {
			out.nodes[i] = n.Clone()
		}
	}
	return out
}
