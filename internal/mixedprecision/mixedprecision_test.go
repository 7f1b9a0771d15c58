package mixedprecision

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/qparams"
	"github.com/samcharles93/ptq/internal/stats"
	"github.com/samcharles93/ptq/internal/tensor"
	"github.com/samcharles93/ptq/internal/tpc"
	"github.com/samcharles93/ptq/pkg/quant"
)

func twoNodeProblem() *Problem {
	return &Problem{
		Nodes:   []string{"a", "b"},
		NodeIDs: []int{1, 2},
		Candidates: [][]Candidate{
			{{WeightsBytes: 8}, {WeightsBytes: 4, Sensitivity: 1}, {WeightsBytes: 2, Sensitivity: 5}},
			{{WeightsBytes: 8}, {WeightsBytes: 4, Sensitivity: 2}, {WeightsBytes: 2, Sensitivity: 2.5}},
		},
	}
}

func TestSearchWeightsBudget(t *testing.T) {
	t.Parallel()

	p := twoNodeProblem()
	budget := Unconstrained()
	budget.WeightsMemory = 10
	got, err := Search(p, budget)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if diff := cmp.Diff([]int{0, 2}, got); diff != "" {
		t.Fatalf("assignment mismatch (-want +got):\n%s", diff)
	}
	if u := p.Usage(got); u.WeightsMemory > 10 {
		t.Fatalf("weights usage %v exceeds budget", u.WeightsMemory)
	}
}

func TestSearchUnconstrained(t *testing.T) {
	t.Parallel()

	got, err := Search(twoNodeProblem(), Unconstrained())
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if diff := cmp.Diff([]int{0, 0}, got); diff != "" {
		t.Fatalf("assignment mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchInfeasible(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		budget func(*ResourceUtilization)
	}{
		{"weights", func(r *ResourceUtilization) { r.WeightsMemory = 3 }},
		{"fixed activation", func(r *ResourceUtilization) { r.ActivationMemory = 1 }},
		{"total", func(r *ResourceUtilization) { r.TotalMemory = 4 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := twoNodeProblem()
			p.FixedActivation = 2
			b := Unconstrained()
			tt.budget(&b)
			if _, err := Search(p, b); !errors.Is(err, ErrInfeasible) {
				t.Fatalf("err = %v, want ErrInfeasible", err)
			}
		})
	}
}

func TestSearchActivationBudgetBoundsEveryNode(t *testing.T) {
	t.Parallel()

	p := &Problem{
		Nodes:   []string{"a", "b"},
		NodeIDs: []int{1, 2},
		Candidates: [][]Candidate{
			{{ActivationBytes: 16}, {ActivationBytes: 8, Sensitivity: 1}},
			{{ActivationBytes: 4}, {ActivationBytes: 2, Sensitivity: 1}},
		},
	}
	b := Unconstrained()
	b.ActivationMemory = 8
	got, err := Search(p, b)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if diff := cmp.Diff([]int{1, 0}, got); diff != "" {
		t.Fatalf("assignment mismatch (-want +got):\n%s", diff)
	}
	if u := p.Usage(got); u.ActivationMemory != 8 || u.TotalMemory != 8 {
		t.Fatalf("usage = %+v", u)
	}
}

func TestBudgetValidate(t *testing.T) {
	t.Parallel()

	b := Unconstrained()
	b.BOPS = -1
	if _, err := Search(twoNodeProblem(), b); !errors.Is(err, ErrInvalidBudget) {
		t.Fatalf("err = %v, want ErrInvalidBudget", err)
	}
	if !Unconstrained().IsUnconstrained() {
		t.Fatalf("Unconstrained is constrained")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	var nilCfg *Config
	if err := nilCfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil config err = %v", err)
	}
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	c.DistanceMetric = quant.HMSE
	if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("hmse metric err = %v", err)
	}
}

func mixedNet(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New()
	in, _ := g.AddNode(&graph.Node{Name: "in", Kind: framework.Input, OutputShape: []int{6}})
	k := tensor.New(6, 4)
	tensor.FillRand(k, 3, 1)
	d, _ := g.AddNode(&graph.Node{Name: "dense", Kind: framework.Dense, OutputShape: []int{4},
		Weights: map[string]*tensor.Tensor{framework.KernelAttr: k}})
	s, _ := g.AddNode(&graph.Node{Name: "sigmoid", Kind: framework.Sigmoid, OutputShape: []int{4}})
	if err := g.Connect(in, d); err != nil {
		t.Fatal(err)
	}
	if err := g.Connect(d, s); err != nil {
		t.Fatal(err)
	}
	g.SetInputs(in)
	g.SetOutputs(s)
	caps := tpc.NewMixedPrecisionTestCapabilities([]tpc.BitPair{{Weights: 8, Activation: 8}, {Weights: 4, Activation: 8}, {Weights: 2, Activation: 8}})
	graph.SetCandidates(g, caps, framework.Default(), graph.CandidateOptions{
		WeightsErrorMethod:    quant.MSE,
		ActivationErrorMethod: quant.MSE,
		MixedPrecision:        true,
	})
	return g
}

func TestBuildProblem(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := mixedNet(t)
	ds := tensor.RandomDataset(3, 8, 9, 6)
	st, err := stats.Collect(ctx, g, ds, stats.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := qparams.CalculateQuantizationParams(ctx, g, qparams.Options{Stats: st}); err != nil {
		t.Fatal(err)
	}
	p, err := BuildProblem(ctx, g, ds, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("BuildProblem: %v", err)
	}
	if diff := cmp.Diff([]string{"dense"}, p.Nodes); diff != "" {
		t.Fatalf("configurable nodes mismatch (-want +got):\n%s", diff)
	}
	cands := p.Candidates[0]
	if len(cands) != 3 {
		t.Fatalf("got %d candidates, want 3", len(cands))
	}
	for j, want := range []float64{24, 12, 6} {
		if cands[j].WeightsBytes != want {
			t.Fatalf("candidate %d weights bytes = %v, want %v", j, cands[j].WeightsBytes, want)
		}
	}
	if cands[2].Sensitivity <= cands[0].Sensitivity {
		t.Fatalf("2-bit sensitivity %v not above 8-bit %v", cands[2].Sensitivity, cands[0].Sensitivity)
	}
	if cands[0].BOPS != 24*8*8 {
		t.Fatalf("bops = %v", cands[0].BOPS)
	}

	budget := Unconstrained()
	budget.WeightsMemory = 12
	assign, err := Search(p, budget)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if err := p.Apply(g, assign); err != nil {
		t.Fatal(err)
	}
	if got := g.FindByName("dense").Config().WeightsBits(framework.KernelAttr); got != 4 {
		t.Fatalf("dense kernel bits = %d, want 4", got)
	}
	if math.IsNaN(p.Objective(assign)) {
		t.Fatalf("objective is NaN")
	}
}

func TestManualActivationBitWidth(t *testing.T) {
	t.Parallel()

	var c BitWidthConfig
	err := c.SetManualActivationBitWidth([]graph.Matcher{graph.ByName("a"), graph.ByName("b")}, []int{4, 8, 2})
	if !errors.Is(err, ErrBitWidthCount) {
		t.Fatalf("err = %v, want ErrBitWidthCount", err)
	}

	g := graph.New()
	in, _ := g.AddNode(&graph.Node{Name: "in", Kind: framework.Input, OutputShape: []int{2}})
	r, _ := g.AddNode(&graph.Node{Name: "relu", Kind: framework.ReLU, OutputShape: []int{2}})
	if err := g.Connect(in, r); err != nil {
		t.Fatal(err)
	}
	g.SetInputs(in)
	g.SetOutputs(r)
	r.Candidates = []*graph.CandidateConfig{
		{Activation: graph.ActivationConfig{Enabled: true, NBits: 8}},
		{Activation: graph.ActivationConfig{Enabled: true, NBits: 4}},
	}

	if err := c.SetManualActivationBitWidth([]graph.Matcher{graph.ByKind(framework.ReLU)}, []int{4}); err != nil {
		t.Fatal(err)
	}
	if err := c.Apply(g); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(r.Candidates) != 1 || r.Candidates[0].ActivationBits() != 4 {
		t.Fatalf("candidates after apply = %d", len(r.Candidates))
	}

	var missing BitWidthConfig
	if err := missing.SetManualActivationBitWidth([]graph.Matcher{graph.ByName("nope")}, []int{4}); err != nil {
		t.Fatal(err)
	}
	if err := missing.Apply(g); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("err = %v, want ErrNoMatch", err)
	}

	var wrong BitWidthConfig
	if err := wrong.SetManualActivationBitWidth([]graph.Matcher{graph.ByName("relu")}, []int{2}); err != nil {
		t.Fatal(err)
	}
	if err := wrong.Apply(g); !errors.Is(err, ErrNoCandidate) {
		t.Fatalf("err = %v, want ErrNoCandidate", err)
	}
}
