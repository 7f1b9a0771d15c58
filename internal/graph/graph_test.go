package graph

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/tensor"
	"github.com/samcharles93/ptq/internal/tpc"
	"github.com/samcharles93/ptq/pkg/quant"
)

// chain builds input -> dense -> relu -> dense2.
func chain(t *testing.T) *Graph {
	t.Helper()

	g := New()
	add := func(n *Node) *Node {
		t.Helper()
		out, err := g.AddNode(n)
		if err != nil {
			t.Fatalf("AddNode(%s): %v", n.Name, err)
		}
		return out
	}
	in := add(&Node{Name: "in", Kind: framework.Input, OutputShape: []int{4}})
	k1 := tensor.New(4, 3)
	tensor.FillRand(k1, 1, 1)
	d1 := add(&Node{Name: "dense", Kind: framework.Dense, OutputShape: []int{3},
		Weights: map[string]*tensor.Tensor{framework.KernelAttr: k1, framework.BiasAttr: tensor.New(3)}})
	r := add(&Node{Name: "relu", Kind: framework.ReLU, OutputShape: []int{3}})
	k2 := tensor.New(3, 2)
	tensor.FillRand(k2, 2, 1)
	d2 := add(&Node{Name: "dense2", Kind: framework.Dense, OutputShape: []int{2},
		Weights: map[string]*tensor.Tensor{framework.KernelAttr: k2}})
	for _, pair := range [][2]*Node{{in, d1}, {d1, r}, {r, d2}} {
		if err := g.Connect(pair[0], pair[1]); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	g.SetInputs(in)
	g.SetOutputs(d2)
	return g
}

func names(ns []*Node) []string {
	out := make([]string, len(ns))
	for i, n := range ns {
		out[i] = n.Name
	}
	return out
}

func TestTopologicalSort(t *testing.T) {
	t.Parallel()

	g := chain(t)
	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort: %v", err)
	}
	want := []string{"in", "dense", "relu", "dense2"}
	if diff := cmp.Diff(want, names(order)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestTopologicalSortCycle(t *testing.T) {
	t.Parallel()

	g := chain(t)
	if err := g.AddEdge(Edge{Src: g.FindByName("dense2").ID, Dst: g.FindByName("dense").ID, DstIndex: 1}); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if _, err := g.TopologicalSort(); !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if err := g.Validate(); !errors.Is(err, ErrCycle) {
		t.Fatalf("Validate: expected ErrCycle, got %v", err)
	}
}

func TestDuplicateName(t *testing.T) {
	t.Parallel()

	g := chain(t)
	if _, err := g.AddNode(&Node{Name: "relu", Kind: framework.ReLU}); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
}

func TestCloneIndependence(t *testing.T) {
	t.Parallel()

	g := chain(t)
	SetCandidates(g, tpc.Default(), framework.Default(), CandidateOptions{WeightsErrorMethod: quant.MSE})
	g.FindByName("dense").Candidates[0].Attr(framework.KernelAttr).Params = quant.Params{quant.Threshold: {1}}

	c := g.Clone()
	if diff := cmp.Diff(g.Nodes(), c.Nodes()); diff != "" {
		t.Fatalf("clone differs from source (-src +clone):\n%s", diff)
	}

	cd := c.FindByName("dense")
	cd.Weights[framework.KernelAttr].Data[0] = 1e6
	cd.Candidates[0].Attr(framework.KernelAttr).Params[quant.Threshold][0] = 42
	cd.Attrs = map[string]float64{"x": 1}
	if err := c.Bypass(c.FindByName("relu").ID); err != nil {
		t.Fatalf("Bypass: %v", err)
	}

	d := g.FindByName("dense")
	if d.Weights[framework.KernelAttr].Data[0] == 1e6 {
		t.Fatalf("kernel shared between clone and source")
	}
	if d.Candidates[0].Attr(framework.KernelAttr).Params[quant.Threshold][0] != 1 {
		t.Fatalf("params shared between clone and source")
	}
	if g.NumNodes() != 4 || len(g.Edges()) != 3 {
		t.Fatalf("source topology changed: %d nodes %d edges", g.NumNodes(), len(g.Edges()))
	}
}

func TestBypass(t *testing.T) {
	t.Parallel()

	g := chain(t)
	if err := g.Bypass(g.FindByName("relu").ID); err != nil {
		t.Fatalf("Bypass: %v", err)
	}
	preds := g.Predecessors(g.FindByName("dense2").ID)
	if len(preds) != 1 || preds[0].Name != "dense" {
		t.Fatalf("dense2 predecessors = %v", names(preds))
	}
	if g.FindByName("relu") != nil {
		t.Fatalf("relu still present")
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestSetCandidatesMixedPrecision(t *testing.T) {
	t.Parallel()

	g := chain(t)
	caps := tpc.NewMixedPrecisionTestCapabilities([]tpc.BitPair{{Weights: 4, Activation: 8}, {Weights: 8, Activation: 8}, {Weights: 2, Activation: 8}})
	SetCandidates(g, caps, framework.Default(), CandidateOptions{MixedPrecision: true})

	d := g.FindByName("dense")
	var bits []int
	for _, c := range d.Candidates {
		bits = append(bits, c.WeightsBits(framework.KernelAttr))
	}
	if diff := cmp.Diff([]int{8, 4, 2}, bits); diff != "" {
		t.Fatalf("candidate order mismatch (-want +got):\n%s", diff)
	}
	if d.BaseCandidate != 0 {
		t.Fatalf("base candidate = %d, want 0", d.BaseCandidate)
	}
	if d.ActiveCandidate != -1 {
		t.Fatalf("active candidate = %d, want -1", d.ActiveCandidate)
	}
	k := d.Config().Attr(framework.KernelAttr)
	if !k.PerChannel || k.ChannelAxis != 1 {
		t.Fatalf("kernel config = %+v", k)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateChannelAxis(t *testing.T) {
	t.Parallel()

	g := chain(t)
	SetCandidates(g, tpc.Default(), framework.Default(), CandidateOptions{})
	g.FindByName("dense").Candidates[0].Attr(framework.KernelAttr).ChannelAxis = 5
	if err := g.Validate(); !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph, got %v", err)
	}
}

func TestApplyFusing(t *testing.T) {
	t.Parallel()

	g := chain(t)
	SetCandidates(g, tpc.Default(), framework.Default(), CandidateOptions{})
	chains, err := ApplyFusing(g, tpc.Default())
	if err != nil {
		t.Fatalf("ApplyFusing: %v", err)
	}
	want := map[string][]string{"relu": {"dense", "relu"}}
	if diff := cmp.Diff(want, chains); diff != "" {
		t.Fatalf("chains mismatch (-want +got):\n%s", diff)
	}
	if d := g.FindByName("dense"); !d.Fused || d.IsActivationQuantized() {
		t.Fatalf("dense should be fused with unquantized output")
	}
	if r := g.FindByName("relu"); r.Fused || !r.IsActivationQuantized() {
		t.Fatalf("relu should close the chain with a quantized output")
	}
}

func TestMatchers(t *testing.T) {
	t.Parallel()

	g := chain(t)
	got := names(g.Filter(And(ByKind(framework.Dense), Not(ByName("dense2")))))
	if diff := cmp.Diff([]string{"dense"}, got); diff != "" {
		t.Fatalf("filter mismatch:\n%s", diff)
	}
	if n := len(g.Filter(Or(ByKind(framework.ReLU), ByName("in")))); n != 2 {
		t.Fatalf("Or matched %d nodes, want 2", n)
	}
}
