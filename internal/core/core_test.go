package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/hessian"
	"github.com/samcharles93/ptq/internal/mixedprecision"
	"github.com/samcharles93/ptq/internal/qparams"
	"github.com/samcharles93/ptq/internal/tensor"
	"github.com/samcharles93/ptq/internal/tpc"
	"github.com/samcharles93/ptq/pkg/quant"
)

// builderReader builds a fresh graph on every Read.
type builderReader func(t *testing.T) *graph.Graph

type testReader struct {
	t     *testing.T
	build builderReader
	err   error
}

func (r testReader) Read(context.Context, any) (*graph.Graph, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.build(r.t), nil
}

func rnd(seed uint64, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	tensor.FillRand(t, seed, 1)
	return t
}

func link(t *testing.T, g *graph.Graph, nodes ...*graph.Node) {
	t.Helper()
	for i, n := range nodes {
		if _, err := g.AddNode(n); err != nil {
			t.Fatal(err)
		}
		if i > 0 {
			if err := g.Connect(nodes[i-1], n); err != nil {
				t.Fatal(err)
			}
		}
	}
	g.SetInputs(nodes[0])
	g.SetOutputs(nodes[len(nodes)-1])
}

// convNet is input[4,4,2] -> conv 3x3 same -> batchnorm -> relu -> flatten -> dense 2.
func convNet(t *testing.T) *graph.Graph {
	variance := rnd(5, 3)
	for i := range variance.Data {
		variance.Data[i] = variance.Data[i]*variance.Data[i] + 0.5
	}
	g := graph.New()
	link(t, g,
		&graph.Node{Name: "in", Kind: framework.Input, OutputShape: []int{4, 4, 2}},
		&graph.Node{Name: "conv", Kind: framework.Conv2D, OutputShape: []int{4, 4, 3},
			Attrs:   map[string]float64{framework.PaddingKey: 1},
			Weights: map[string]*tensor.Tensor{framework.KernelAttr: rnd(1, 3, 3, 2, 3)}},
		&graph.Node{Name: "bn", Kind: framework.BatchNorm, OutputShape: []int{4, 4, 3},
			Weights: map[string]*tensor.Tensor{
				framework.GammaAttr:          rnd(2, 3),
				framework.BetaAttr:           rnd(3, 3),
				framework.MovingMeanAttr:     rnd(4, 3),
				framework.MovingVarianceAttr: variance,
			}},
		&graph.Node{Name: "relu", Kind: framework.ReLU, OutputShape: []int{4, 4, 3}},
		&graph.Node{Name: "flatten", Kind: framework.Flatten, OutputShape: []int{48}},
		&graph.Node{Name: "dense", Kind: framework.Dense, OutputShape: []int{2},
			Weights: map[string]*tensor.Tensor{
				framework.KernelAttr: rnd(6, 48, 2),
				framework.BiasAttr:   rnd(7, 2),
			}},
	)
	return g
}

func baseInput(t *testing.T, build builderReader) Input {
	return Input{
		Reader:  testReader{t: t, build: build},
		Dataset: tensor.RandomDataset(3, 4, 11, 4, 4, 2),
		Config:  DefaultConfig(),
		TPC:     tpc.NewTestCapabilities(tpc.WithWeightsMethod(quant.Symmetric)),
		Backend: ReferenceBackend{HessianIterations: 2},
	}
}

func TestRunValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		edit  func(*Input)
		check func(error) bool
	}{
		{"no backend", func(in *Input) { in.Backend = nil },
			func(err error) bool { return errors.Is(err, ErrBackendUnavailable) }},
		{"mixed precision without config", func(in *Input) { in.Config.MixedPrecisionEnable = true },
			func(err error) bool { return errors.Is(err, ErrInvalidMixedPrecisionConfig) }},
		{"hmse without gptq", func(in *Input) { in.Config.Quantization.WeightsErrorMethod = quant.HMSE },
			func(err error) bool { return errors.Is(err, qparams.ErrHMSERequiresGPTQ) }},
		{"reader failure", func(in *Input) { in.Reader = testReader{err: errors.New("unsupported op")} },
			func(err error) bool {
				var gce *GraphConstructionError
				return errors.As(err, &gce) &&
					strings.Split(err.Error(), "\n")[0] == "the model reader could not trace the model"
			}},
		{"no dataset", func(in *Input) { in.Dataset = nil },
			func(err error) bool { return errors.Is(err, ErrNoDataset) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := baseInput(t, convNet)
			tt.edit(&in)
			_, err := Run(context.Background(), in)
			if err == nil || !tt.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
		})
	}
}

func TestRunConvDenseSymmetricPerChannel(t *testing.T) {
	t.Parallel()

	res, err := Run(context.Background(), baseInput(t, convNet))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	g := res.Graph
	if g.FindByName("bn") != nil {
		t.Fatalf("batchnorm was not folded")
	}
	for name, channels := range map[string]int{"conv": 3, "dense": 2} {
		n := g.FindByName(name)
		ac := n.Config().Attr(framework.KernelAttr)
		if ac.Method != quant.Symmetric || !ac.PerChannel {
			t.Fatalf("%s kernel config = %+v", name, ac)
		}
		if got := len(ac.Params[quant.Threshold]); got != channels {
			t.Fatalf("%s has %d thresholds, want %d", name, got, channels)
		}
		if n.ActiveCandidate != n.BaseCandidate {
			t.Fatalf("%s active candidate %d, want base %d", name, n.ActiveCandidate, n.BaseCandidate)
		}
	}
	if !g.FindByName("conv").Fused {
		t.Fatalf("conv should be fused into relu")
	}
	if diff := cmp.Diff([]string{"in", "conv", "relu", "flatten", "dense"}, res.Scheduling.OperatorOrder); diff != "" {
		t.Fatalf("operator order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string][]string{"relu": {"conv", "relu"}}, res.Scheduling.FusedNodes); diff != "" {
		t.Fatalf("fused nodes mismatch (-want +got):\n%s", diff)
	}
	if res.BitWidths != nil {
		t.Fatalf("bit widths set without mixed precision: %v", res.BitWidths)
	}

	again, err := Run(context.Background(), baseInput(t, convNet))
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"conv", "relu", "dense"} {
		a := g.FindByName(name).Config()
		b := again.Graph.FindByName(name).Config()
		if diff := cmp.Diff(a, b); diff != "" {
			t.Fatalf("%s config differs between runs (-first +second):\n%s", name, diff)
		}
	}
}

func TestHMSEBatchNormNeverComputesHessian(t *testing.T) {
	t.Parallel()

	build := func(t *testing.T) *graph.Graph {
		g := graph.New()
		link(t, g,
			&graph.Node{Name: "in", Kind: framework.Input, OutputShape: []int{4}},
			&graph.Node{Name: "bn", Kind: framework.BatchNorm, OutputShape: []int{4},
				Weights: map[string]*tensor.Tensor{
					framework.GammaAttr:          rnd(1, 4),
					framework.BetaAttr:           rnd(2, 4),
					framework.MovingMeanAttr:     rnd(3, 4),
					framework.MovingVarianceAttr: tensor.FromData([]float64{1, 2, 3, 4}, 4),
				}},
			&graph.Node{Name: "dense", Kind: framework.Dense, OutputShape: []int{2},
				Weights: map[string]*tensor.Tensor{framework.KernelAttr: rnd(4, 4, 2)}},
		)
		return g
	}
	in := baseInput(t, build)
	in.Dataset = tensor.RandomDataset(2, 2, 9, 4)
	in.TPC = tpc.NewTestCapabilities(tpc.WithBatchNormQuantization(quant.PowerOfTwo, 8))
	in.Config.Quantization.WeightsErrorMethod = quant.HMSE
	in.Config.Quantization.NumHessianSamples = 2
	in.RunningGPTQ = true

	res, err := Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	svc := res.HessianService
	if got := svc.CachedSamples(hessian.Weights, hessian.PerElement, "bn"); got != 0 {
		t.Fatalf("batchnorm has %d cached hessians, want none", got)
	}
	if got := svc.CachedSamples(hessian.Weights, hessian.PerElement, "dense"); got < 2 {
		t.Fatalf("dense has %d cached hessians, want at least 2", got)
	}
	_, err = svc.Fetch(context.Background(), hessian.Request{
		Mode:        hessian.Weights,
		Granularity: hessian.PerElement,
		TargetNodes: []*graph.Node{res.Graph.FindByName("bn")},
		NSamples:    1,
	})
	if !errors.Is(err, hessian.ErrInsufficientCache) {
		t.Fatalf("direct fetch err = %v, want ErrInsufficientCache", err)
	}
	gamma := res.Graph.FindByName("bn").Config().Attr(framework.GammaAttr)
	if !gamma.Enabled || !gamma.Params.Has(quant.Threshold) {
		t.Fatalf("gamma config = %+v", gamma)
	}
}

func TestRunMixedPrecision(t *testing.T) {
	t.Parallel()

	build := func(t *testing.T) *graph.Graph {
		g := graph.New()
		link(t, g,
			&graph.Node{Name: "in", Kind: framework.Input, OutputShape: []int{6}},
			&graph.Node{Name: "dense", Kind: framework.Dense, OutputShape: []int{4},
				Weights: map[string]*tensor.Tensor{framework.KernelAttr: rnd(8, 6, 4)}},
			&graph.Node{Name: "sigmoid", Kind: framework.Sigmoid, OutputShape: []int{4}},
		)
		return g
	}
	in := baseInput(t, build)
	in.Dataset = tensor.RandomDataset(2, 8, 3, 6)
	in.TPC = tpc.NewMixedPrecisionTestCapabilities([]tpc.BitPair{
		{Weights: 8, Activation: 8}, {Weights: 4, Activation: 8}, {Weights: 2, Activation: 8},
	})
	in.Config.MixedPrecisionEnable = true
	in.Config.MixedPrecision = mixedprecision.DefaultConfig()
	budget := mixedprecision.Unconstrained()
	budget.WeightsMemory = 12
	in.TargetRU = &budget

	res, err := Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"dense"}, res.ConfigurableNodes); diff != "" {
		t.Fatalf("configurable nodes mismatch (-want +got):\n%s", diff)
	}
	if len(res.BitWidths) != 1 {
		t.Fatalf("bit widths = %v", res.BitWidths)
	}
	if bits := res.Graph.FindByName("dense").Config().WeightsBits(framework.KernelAttr); bits > 4 {
		t.Fatalf("dense kernel uses %d bits, budget allows at most 4", bits)
	}

	budget.WeightsMemory = 1
	if _, err := Run(context.Background(), in); !errors.Is(err, mixedprecision.ErrInfeasible) {
		t.Fatalf("err = %v, want ErrInfeasible", err)
	}
}

func TestSchedulePeakActivation(t *testing.T) {
	t.Parallel()

	g := graph.New()
	in, _ := g.AddNode(&graph.Node{Name: "in", Kind: framework.Input, OutputShape: []int{4}})
	a, _ := g.AddNode(&graph.Node{Name: "a", Kind: framework.ReLU, OutputShape: []int{4}})
	b, _ := g.AddNode(&graph.Node{Name: "b", Kind: framework.Sigmoid, OutputShape: []int{4}})
	add, _ := g.AddNode(&graph.Node{Name: "add", Kind: framework.Add, OutputShape: []int{4}})
	for _, e := range [][2]*graph.Node{{in, a}, {in, b}, {a, add}, {b, add}} {
		if err := g.Connect(e[0], e[1]); err != nil {
			t.Fatal(err)
		}
	}
	g.SetInputs(in)
	g.SetOutputs(add)

	info, err := Schedule(g, nil)
	if err != nil {
		t.Fatal(err)
	}
	// in, a and b are alive together before add frees a and b; in is freed
	// once b consumed it.
	if want := 3 * 4.0 * floatBytes; info.PeakActivationBytes != want {
		t.Fatalf("peak = %v, want %v", info.PeakActivationBytes, want)
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ptq.yaml")
	data := []byte(`quantization:
  weights_error_method: mae
  lp_norm: 3
  relu_bound_to_power_of_two: true
mixed_precision_enable: true
debug:
  analyze_similarity: true
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := DefaultConfig()
	want.Quantization.WeightsErrorMethod = quant.MAE
	want.Quantization.LPNorm = 3
	want.Quantization.ReluBoundToPowerOfTwo = true
	want.MixedPrecisionEnable = true
	want.MixedPrecision = mixedprecision.DefaultConfig()
	want.Debug.AnalyzeSimilarity = true
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("quantization:\n  lp_norm: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestAnalyzeSimilarity(t *testing.T) {
	t.Parallel()

	in := baseInput(t, convNet)
	in.Config.Debug.AnalyzeSimilarity = true
	in.Config.Debug.SimilarityBatches = 1
	res, err := Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Similarity) != len(res.Scheduling.OperatorOrder) {
		t.Fatalf("got %d similarity rows", len(res.Similarity))
	}
	for _, s := range res.Similarity {
		if s.Cosine < 0.5 {
			t.Fatalf("node %s cosine %v too low for 8-bit quantization", s.Node, s.Cosine)
		}
	}
}
