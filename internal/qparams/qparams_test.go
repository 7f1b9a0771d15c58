package qparams

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/samcharles93/ptq/internal/engine"
	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/hessian"
	"github.com/samcharles93/ptq/internal/stats"
	"github.com/samcharles93/ptq/internal/tensor"
	"github.com/samcharles93/ptq/internal/tpc"
	"github.com/samcharles93/ptq/pkg/quant"
)

func denseNet(t *testing.T, opts graph.CandidateOptions, tpcOpts ...tpc.TestOption) *graph.Graph {
	t.Helper()
	g := graph.New()
	in, _ := g.AddNode(&graph.Node{Name: "in", Kind: framework.Input, OutputShape: []int{4}})
	k := tensor.New(4, 3)
	tensor.FillRand(k, 7, 1)
	d, _ := g.AddNode(&graph.Node{
		Name:        "dense",
		Kind:        framework.Dense,
		OutputShape: []int{3},
		Weights: map[string]*tensor.Tensor{
			framework.KernelAttr: k,
			framework.BiasAttr:   tensor.FromData([]float64{0.1, -0.2, 0.3}, 3),
		},
	})
	r, _ := g.AddNode(&graph.Node{Name: "relu", Kind: framework.ReLU, OutputShape: []int{3}})
	if err := g.Connect(in, d); err != nil {
		t.Fatal(err)
	}
	if err := g.Connect(d, r); err != nil {
		t.Fatal(err)
	}
	g.SetInputs(in)
	g.SetOutputs(r)
	graph.SetCandidates(g, tpc.NewTestCapabilities(tpcOpts...), framework.Default(), opts)
	return g
}

func collect(t *testing.T, g *graph.Graph, ds tensor.Dataset) stats.Statistics {
	t.Helper()
	st, err := stats.Collect(context.Background(), g, ds, stats.Options{Bins: 256})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return st
}

func TestHMSERequiresGPTQ(t *testing.T) {
	t.Parallel()

	g := denseNet(t, graph.CandidateOptions{WeightsErrorMethod: quant.HMSE})
	err := CalculateQuantizationParams(context.Background(), g, Options{WeightsErrorMethod: quant.HMSE})
	if !errors.Is(err, ErrHMSERequiresGPTQ) {
		t.Fatalf("err = %v, want ErrHMSERequiresGPTQ", err)
	}
	if err.Error() != "The HMSE error method for parameters selection is only supported when running GPTQ optimization due to long execution time that is not suitable for basic PTQ." {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if p := g.FindByName("dense").Candidates[0].Attr(framework.KernelAttr).Params; p != nil {
		t.Fatalf("params computed before failing: %v", p)
	}
}

func TestHMSERequiresService(t *testing.T) {
	t.Parallel()

	g := denseNet(t, graph.CandidateOptions{WeightsErrorMethod: quant.HMSE})
	err := CalculateQuantizationParams(context.Background(), g, Options{RunningGPTQ: true})
	if !errors.Is(err, ErrNoHessianService) {
		t.Fatalf("err = %v, want ErrNoHessianService", err)
	}
}

func TestSymmetricPerChannel(t *testing.T) {
	t.Parallel()

	g := denseNet(t, graph.CandidateOptions{WeightsErrorMethod: quant.MSE, ActivationErrorMethod: quant.MSE},
		tpc.WithWeightsMethod(quant.Symmetric))
	ds := tensor.RandomDataset(4, 8, 3, 4)
	st := collect(t, g, ds)
	if err := CalculateQuantizationParams(context.Background(), g, Options{Stats: st}); err != nil {
		t.Fatalf("CalculateQuantizationParams: %v", err)
	}

	d := g.FindByName("dense")
	ac := d.Candidates[0].Attr(framework.KernelAttr)
	th := ac.Params[quant.Threshold]
	if len(th) != 3 {
		t.Fatalf("thresholds = %v, want one per output channel", th)
	}
	chans, err := tensor.Channels(d.Weight(framework.KernelAttr), ac.ChannelAxis)
	if err != nil {
		t.Fatal(err)
	}
	for c, vals := range chans {
		var m float64
		for _, v := range vals {
			m = math.Max(m, math.Abs(v))
		}
		if th[c] <= 0 || th[c] > m+1e-12 {
			t.Fatalf("channel %d threshold %v outside (0, %v]", c, th[c], m)
		}
	}

	act := d.Candidates[0].Activation
	if !act.Params.Has(quant.Threshold) || !act.Signed {
		t.Fatalf("dense activation = %+v, want signed threshold", act)
	}
	relu := g.FindByName("relu").Candidates[0].Activation
	if relu.Signed {
		t.Fatalf("relu activation should be unsigned")
	}
	if !quant.IsPowerOfTwo(relu.Params[quant.Threshold][0]) {
		t.Fatalf("relu threshold %v is not a power of two", relu.Params[quant.Threshold][0])
	}
}

func TestMissingStats(t *testing.T) {
	t.Parallel()

	g := denseNet(t, graph.CandidateOptions{})
	err := CalculateQuantizationParams(context.Background(), g, Options{Stats: stats.Statistics{}})
	if !errors.Is(err, ErrMissingStats) {
		t.Fatalf("err = %v, want ErrMissingStats", err)
	}
}

func TestHMSEWithService(t *testing.T) {
	t.Parallel()

	quantBias := func(c *tpc.OpQuantizationConfig) {
		c.AttrWeights[framework.BiasAttr] = tpc.AttributeQuantizationConfig{Method: quant.PowerOfTwo, NBits: 8, Enabled: true}
	}
	g := denseNet(t, graph.CandidateOptions{WeightsErrorMethod: quant.HMSE}, quantBias)
	calc, err := engine.NewHessianCalculator(g, engine.WithIterations(2))
	if err != nil {
		t.Fatal(err)
	}
	svc := hessian.NewService(g, calc)
	ds := tensor.RandomDataset(2, 2, 5, 4)
	err = CalculateQuantizationParams(context.Background(), g, Options{
		WeightsErrorMethod: quant.HMSE,
		RunningGPTQ:        true,
		HessianService:     svc,
		NumHessianSamples:  3,
		Dataset:            ds,
	})
	if err != nil {
		t.Fatalf("CalculateQuantizationParams: %v", err)
	}
	d := g.FindByName("dense")
	if !d.Candidates[0].Attr(framework.KernelAttr).Params.Has(quant.Threshold) {
		t.Fatalf("kernel threshold missing")
	}
	if got := svc.CachedSamples(hessian.Weights, hessian.PerElement, "dense"); got < 3 {
		t.Fatalf("cached samples = %d, want >= 3", got)
	}
	// the bias falls back to MSE and must not need Hessians of its own
	if !d.Candidates[0].Attr(framework.BiasAttr).Params.Has(quant.Threshold) {
		t.Fatalf("bias threshold missing")
	}
}
