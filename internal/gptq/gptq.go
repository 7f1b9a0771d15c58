package gptq

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/ptq/internal/core"
	"github.com/samcharles93/ptq/internal/engine"
	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/hessian"
	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/internal/metrics"
	"github.com/samcharles93/ptq/internal/tensor"
)

var (
	ErrNoGraph   = errors.New("gptq: graph is required")
	ErrNoConfig  = errors.New("gptq: config is required")
	ErrNoDataset = errors.New("gptq: representative dataset is required")
)

// RunInput holds everything a fine-tuning run consumes.
type RunInput struct {
	// Graph is a quantized graph with parameters and active candidates set.
	// It is not modified.
	Graph      *graph.Graph
	CoreConfig *core.CoreConfig
	Config     *Config
	Dataset    tensor.Dataset
	// GPTQDataset feeds the training steps. It defaults to Dataset.
	GPTQDataset    tensor.Dataset
	HessianService *hessian.Service
	Framework      *framework.Info
}

// Run fine-tunes a clone of in.Graph and returns it with hard-rounded
// kernels, trained biases and trained thresholds.
func Run(ctx context.Context, in RunInput) (*graph.Graph, error) {
	defer metrics.Stage("gptq")()
	switch {
	case in.Graph == nil:
		return nil, ErrNoGraph
	case in.Config == nil:
		return nil, ErrNoConfig
	case in.Dataset == nil:
		return nil, ErrNoDataset
	}
	info := in.Framework
	if info == nil {
		info = framework.Default()
	}
	ds := in.GPTQDataset
	if ds == nil {
		ds = in.Dataset
	}
	log := logger.Component(ctx, "gptq")
	cfg := in.Config

	t, err := newTrainer(in.Graph.Clone(), in.Graph.Clone(), cfg, info)
	if err != nil {
		return nil, err
	}
	if cfg.NEpochs() == 0 || len(t.kernels) == 0 {
		log.Info("skipping fine-tuning", "epochs", cfg.NEpochs(), "compare_points", len(t.kernels))
		return t.quant, nil
	}

	total := cfg.NEpochs() * ds.Len()
	var sched *LinearScheduler
	if ga := cfg.GradualActivationQuantization(); ga != nil {
		if sched, err = NewLinearScheduler(ga.Annealing, total); err != nil {
			return nil, fmt.Errorf("gptq: gradual activation quantization: %w", err)
		}
	}

	weights, err := t.compareWeights(ctx, in.HessianService, in.Dataset)
	if err != nil {
		return nil, err
	}
	log.Info("fine-tuning", "epochs", cfg.NEpochs(), "steps", total, "compare_points", len(t.kernels),
		"rest", len(t.rest), "biases", len(t.biases))

	step := 0
	for epoch := range cfg.NEpochs() {
		for batch := range ds() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			factor := 0.0
			if sched != nil {
				factor = sched.Factor(step)
			}
			loss, err := t.step(batch, weights, factor, regularizationBeta(step, total))
			if err != nil {
				return nil, fmt.Errorf("gptq: step %d: %w", step, err)
			}
			metrics.RecordGPTQStep(loss)
			if f := cfg.LogFunc(); f != nil {
				f(step, loss)
			}
			step++
		}
		log.Debug("epoch done", "epoch", epoch, "step", step)
	}
	t.finalize()

	if cc := in.CoreConfig; cc != nil && cc.Debug.AnalyzeSimilarity {
		sims, err := core.AnalyzeSimilarity(ctx, t.quant, in.Dataset, cc.Debug.SimilarityBatches)
		if err != nil {
			return nil, err
		}
		for _, s := range sims {
			log.Debug("similarity", "node", s.Node, "mse", s.MSE, "cosine", s.Cosine)
		}
	}
	return t.quant, nil
}

// Quantize runs the core pipeline with GPTQ enabled and fine-tunes its
// result.
func Quantize(ctx context.Context, in core.Input, cfg *Config, gptqDataset tensor.Dataset) (*graph.Graph, *core.Result, error) {
	in.RunningGPTQ = true
	res, err := core.Run(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	g, err := Run(ctx, RunInput{
		Graph:          res.Graph,
		CoreConfig:     &in.Config,
		Config:         cfg,
		Dataset:        in.Dataset,
		GPTQDataset:    gptqDataset,
		HessianService: res.HessianService,
		Framework:      in.Framework,
	})
	if err != nil {
		return nil, nil, err
	}
	return g, res, nil
}

type floatParam struct {
	node  *graph.Node
	attr  string
	shape []int
	p     *Param
}

func (f *floatParam) value() *tensor.Tensor {
	return tensor.FromData(f.p.Value, f.shape...)
}

type trainer struct {
	cfg   *Config
	quant *graph.Graph
	qEng  *engine.Engine
	fEng  *engine.Engine

	kernels []*softKernel
	rest    []*floatParam
	biases  []*floatParam

	opt, optRest, optBias Optimizer
}

func newTrainer(quantG, floatG *graph.Graph, cfg *Config, info *framework.Info) (*trainer, error) {
	qEng, err := engine.New(quantG)
	if err != nil {
		return nil, err
	}
	fEng, err := engine.New(floatG)
	if err != nil {
		return nil, err
	}
	t := &trainer{cfg: cfg, quant: quantG, qEng: qEng, fEng: fEng}

	order, err := quantG.TopologicalSort()
	if err != nil {
		return nil, err
	}
	for _, n := range order {
		attr, ok := info.KernelAttr(n.Kind)
		if !ok || n.Weight(attr) == nil {
			continue
		}
		var ac *graph.AttrConfig
		if c := n.Config(); c != nil {
			ac = c.Attr(attr)
		}
		switch {
		case ac != nil && ac.Enabled && trainableMethod(ac.Method):
			k, err := newSoftKernel(n, attr, ac, cfg.TrainThresholds())
			if err != nil {
				return nil, err
			}
			t.kernels = append(t.kernels, k)
		case ac == nil || !ac.Enabled:
			t.rest = append(t.rest, newFloatParam(n, attr))
		}
		if cfg.TrainBias() && n.Weight(framework.BiasAttr) != nil {
			t.biases = append(t.biases, newFloatParam(n, framework.BiasAttr))
		}
	}

	var soft []*Param
	for _, k := range t.kernels {
		soft = append(soft, k.params()...)
	}
	t.opt = NewOptimizer(cfg.Optimizer(), soft)
	t.optRest = NewOptimizer(cfg.OptimizerRest(), floatParams(t.rest))
	t.optBias = NewOptimizer(cfg.OptimizerBias(), floatParams(t.biases))
	return t, nil
}

func newFloatParam(n *graph.Node, attr string) *floatParam {
	w := n.Weight(attr)
	return &floatParam{node: n, attr: attr, shape: w.Shape, p: newParam(n.Name+"/"+attr, w.Clone().Data)}
}

func floatParams(fs []*floatParam) []*Param {
	out := make([]*Param, len(fs))
	for i, f := range fs {
		out[i] = f.p
	}
	return out
}

// compareWeights returns one loss weight per compare point, summing to one.
func (t *trainer) compareWeights(ctx context.Context, svc *hessian.Service, ds tensor.Dataset) ([]float64, error) {
	n := len(t.kernels)
	if !t.cfg.HessianWeights() {
		return uniformWeights(n), nil
	}
	if svc == nil {
		logger.Component(ctx, "gptq").Warn("no hessian service, using uniform compare point weights")
		return uniformWeights(n), nil
	}
	targets := make([]*graph.Node, n)
	for i, k := range t.kernels {
		if targets[i] = svc.Graph().FindByName(k.node.Name); targets[i] == nil {
			return nil, fmt.Errorf("gptq: node %s not found in hessian service graph", k.node.Name)
		}
	}
	hs := t.cfg.HessianScores()
	loader, err := tensor.Rebatch(ds, hs.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("gptq: hessian weights: %w", err)
	}
	scores, err := svc.Fetch(ctx, hessian.Request{
		Mode:        hessian.Activations,
		Granularity: hessian.PerTensor,
		TargetNodes: targets,
		NSamples:    hs.NumSamples,
		DataLoader:  loader,
	})
	if err != nil {
		return nil, fmt.Errorf("gptq: hessian weights: %w", err)
	}
	vals := make([]float64, n)
	for i, k := range t.kernels {
		s := scores[k.node.Name]
		var sum float64
		for _, v := range s.Data {
			sum += v
		}
		vals[i] = sum / float64(max(s.Size(), 1))
	}
	return normalizeScores(vals, hs.LogNorm, hs.ScaleLogNorm), nil
}

func uniformWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}

// normalizeScores optionally log-normalizes averaged Hessian scores and scales
// them to sum to one. Degenerate scores fall back to uniform weights.
func normalizeScores(vals []float64, logNorm, scale bool) []float64 {
	out := make([]float64, len(vals))
	copy(out, vals)
	if logNorm {
		lo := math.Inf(1)
		for i, v := range out {
			out[i] = math.Log10(max(v, 1e-30))
			lo = min(lo, out[i])
		}
		hi := 0.0
		for i := range out {
			out[i] -= lo
			hi = max(hi, out[i])
		}
		if scale && hi > 0 {
			for i := range out {
				out[i] /= hi
			}
		}
	}
	var sum float64
	for _, v := range out {
		sum += v
	}
	if !(sum > 0) || math.IsInf(sum, 0) {
		return uniformWeights(len(vals))
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func (t *trainer) overrides() map[string]map[string]*tensor.Tensor {
	w := map[string]map[string]*tensor.Tensor{}
	set := func(n *graph.Node, attr string, v *tensor.Tensor) {
		if w[n.Name] == nil {
			w[n.Name] = map[string]*tensor.Tensor{}
		}
		w[n.Name][attr] = v
	}
	for _, k := range t.kernels {
		set(k.node, k.attr, k.weights(false))
	}
	for _, f := range t.rest {
		set(f.node, f.attr, f.value())
	}
	for _, f := range t.biases {
		set(f.node, f.attr, f.value())
	}
	return w
}

// step runs one optimizer step on batch and returns the total loss.
func (t *trainer) step(batch []*tensor.Tensor, weights []float64, factor, beta float64) (float64, error) {
	qtr, err := t.qEng.Forward(batch, engine.Options{
		QuantizeWeights:     true,
		QuantizeActivations: true,
		FloatFactor:         factor,
		Weights:             t.overrides(),
	})
	if err != nil {
		return 0, err
	}
	ftr, err := t.fEng.Forward(batch, engine.Options{})
	if err != nil {
		return 0, err
	}
	qs := make([]*tensor.Tensor, len(t.kernels))
	fs := make([]*tensor.Tensor, len(t.kernels))
	for i, k := range t.kernels {
		qs[i] = qtr.Output(k.node.ID)
		fs[i] = ftr.Output(k.node.ID)
	}
	loss, lossGrads := t.cfg.Loss()(qs, fs, weights)

	seeds := make(map[int]*tensor.Tensor, len(t.kernels))
	for i, k := range t.kernels {
		seeds[k.node.ID] = lossGrads[i]
	}
	grads, err := t.qEng.Backward(qtr, seeds)
	if err != nil {
		return 0, err
	}

	for _, o := range []Optimizer{t.opt, t.optRest, t.optBias} {
		for _, p := range o.Params() {
			p.ZeroGrad()
		}
	}
	for _, k := range t.kernels {
		k.backward(grads.Weights[k.node.ID][k.attr])
	}
	for _, f := range slices.Concat(t.rest, t.biases) {
		if g := grads.Weights[f.node.ID][f.attr]; g != nil {
			copy(f.p.Grad, g.Data)
		}
	}
	reg := softRoundRegularization(t.kernels, beta, t.cfg.RegularizationFactor())

	t.opt.Step()
	t.optRest.Step()
	t.optBias.Step()
	return loss + reg, nil
}

// finalize writes the trained values into the quantized graph.
func (t *trainer) finalize() {
	for _, k := range t.kernels {
		k.finalize()
	}
	for _, f := range slices.Concat(t.rest, t.biases) {
		f.node.Weights[f.attr] = f.value().Clone()
	}
}
