package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/ptq/internal/core"
	"github.com/samcharles93/ptq/internal/export"
	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/gptq"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/internal/metadata"
	"github.com/samcharles93/ptq/internal/metrics"
	"github.com/samcharles93/ptq/internal/mixedprecision"
	"github.com/samcharles93/ptq/internal/modelspec"
	"github.com/samcharles93/ptq/internal/tensor"
	"github.com/samcharles93/ptq/internal/tpc"
	"github.com/samcharles93/ptq/pkg/qcf"
	"github.com/samcharles93/ptq/pkg/quant"
)

var errUsage = errors.New("invalid arguments")

type quantizeOptions struct {
	model      string
	out        string
	dataset    string
	coreConfig string

	calibBatches   int64
	calibBatchSize int64
	seed           int64

	weightsMethod    string
	weightsBits      int64
	perChannel       bool
	activationMethod string
	activationBits   int64

	mpWeightsBits        []int64
	mpActivationBits     []int64
	mpWeightsCompression float64
	activationBitsFor    []string

	gptqEpochs         int64
	gptqLR             float64
	gptqOptimizer      string
	gptqTrainBias      bool
	gptqHessianWeights bool
	gptqHessianSamples int64
	gptqGradual        bool

	analyzeSimilarity bool
	floatDType        string
}

func quantizeFlags(o *quantizeOptions) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "path to JSON model description", Destination: &o.model},
		&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output .qcf path", Destination: &o.out},
		&cli.StringFlag{Name: "dataset", Usage: "JSON representative dataset (default: seeded noise)", Destination: &o.dataset},
		&cli.StringFlag{Name: "core-config", Usage: "YAML core configuration", Destination: &o.coreConfig},

		&cli.Int64Flag{Name: "calib-batches", Usage: "random calibration batches", Value: 8, Destination: &o.calibBatches},
		&cli.Int64Flag{Name: "calib-batch-size", Usage: "random calibration batch size", Value: 8, Destination: &o.calibBatchSize},
		&cli.Int64Flag{Name: "seed", Usage: "calibration noise seed", Value: 1, Destination: &o.seed},

		&cli.StringFlag{Name: "weights-method", Usage: "kernel quantizer (pot, symmetric, uniform, kmeans, lut_power_of_two, lut_symmetric)", Value: "pot", Destination: &o.weightsMethod},
		&cli.Int64Flag{Name: "weights-bits", Usage: "kernel bit width", Value: 8, Destination: &o.weightsBits},
		&cli.BoolFlag{Name: "per-channel", Usage: "quantize kernels per output channel", Value: true, Destination: &o.perChannel},
		&cli.StringFlag{Name: "activation-method", Usage: "activation quantizer (pot, symmetric, uniform, none)", Value: "pot", Destination: &o.activationMethod},
		&cli.Int64Flag{Name: "activation-bits", Usage: "activation bit width", Value: 8, Destination: &o.activationBits},

		&cli.Int64SliceFlag{Name: "mp-weights-bits", Usage: "kernel bit widths to search (enables mixed precision)", Destination: &o.mpWeightsBits},
		&cli.Int64SliceFlag{Name: "mp-activation-bits", Usage: "activation bit widths to search (default: --activation-bits)", Destination: &o.mpActivationBits},
		&cli.Float64Flag{Name: "mp-weights-compression", Usage: "target ratio of float32 kernel memory to quantized memory", Destination: &o.mpWeightsCompression},
		&cli.StringSliceFlag{Name: "activation-bits-for", Usage: "pin activation bits of matching nodes (REGEXP=BITS)", Destination: &o.activationBitsFor},

		&cli.Int64Flag{Name: "gptq-epochs", Usage: "GPTQ epochs (0 disables)", Destination: &o.gptqEpochs},
		&cli.Float64Flag{Name: "gptq-lr", Usage: "GPTQ learning rate", Value: gptq.DefaultLR, Destination: &o.gptqLR},
		&cli.StringFlag{Name: "gptq-optimizer", Usage: "GPTQ optimizer (adam, sgd)", Value: "adam", Destination: &o.gptqOptimizer},
		&cli.BoolFlag{Name: "gptq-train-bias", Usage: "train biases during GPTQ", Destination: &o.gptqTrainBias},
		&cli.BoolFlag{Name: "gptq-hessian-weights", Usage: "weight the GPTQ loss by Hessian scores", Value: true, Destination: &o.gptqHessianWeights},
		&cli.Int64Flag{Name: "gptq-hessian-samples", Usage: "samples used for Hessian loss weights", Value: int64(gptq.DefaultHessianScoresConfig().NumSamples), Destination: &o.gptqHessianSamples},
		&cli.BoolFlag{Name: "gptq-gradual", Usage: "anneal activation quantization during GPTQ", Destination: &o.gptqGradual},

		&cli.BoolFlag{Name: "analyze-similarity", Usage: "compare float and quantized node outputs", Destination: &o.analyzeSimilarity},
		&cli.StringFlag{Name: "float-dtype", Usage: "encoding of unquantized tensors (f16, f32)", Value: "f16", Destination: &o.floatDType},
	}
}

func quantizeCmd() *cli.Command {
	o := &quantizeOptions{}
	flags := append(quantizeFlags(o), configFlags()...)
	flags = append(flags, loggingFlags()...)
	return &cli.Command{
		Name:  "quantize",
		Usage: "Quantize a model and write a .qcf container",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			applyLoggingConfig(c, cfg)
			applyQuantizeConfig(c, cfg, o)
			if ctx, err = withLogger(ctx, os.Stderr); err != nil {
				return err
			}
			if err := runQuantize(ctx, o, os.Stdout); err != nil {
				return err
			}
			if metricsOut != "" {
				if err := metrics.WriteTextfile(metricsOut); err != nil {
					return fmt.Errorf("metrics: %w", err)
				}
			}
			return nil
		},
	}
}

func runQuantize(ctx context.Context, o *quantizeOptions, stdout io.Writer) error {
	log := logger.FromContext(ctx)
	if o.model == "" || o.out == "" {
		return fmt.Errorf("%w: --model and --out are required", errUsage)
	}
	m, err := modelspec.Load(o.model)
	if err != nil {
		return err
	}
	ds, err := calibrationData(o, m)
	if err != nil {
		return err
	}
	caps, err := buildCapabilities(o)
	if err != nil {
		return err
	}
	coreCfg, target, err := buildCoreConfig(o, m)
	if err != nil {
		return err
	}
	floatDType, err := parseFloatDType(o.floatDType)
	if err != nil {
		return err
	}

	in := core.Input{
		Model:    m,
		Reader:   modelspec.Reader{},
		Dataset:  ds,
		Config:   coreCfg,
		TPC:      caps,
		Backend:  core.ReferenceBackend{Seed: uint64(o.seed)},
		TargetRU: target,
	}

	var (
		g   *graph.Graph
		res *core.Result
	)
	if o.gptqEpochs > 0 {
		gcfg, err := gptqConfig(o, log)
		if err != nil {
			return err
		}
		if g, res, err = gptq.Quantize(ctx, in, gcfg, ds); err != nil {
			return err
		}
	} else {
		if res, err = core.Run(ctx, in); err != nil {
			return err
		}
		g = res.Graph
	}

	md, err := metadata.Build(g, caps, framework.Default(), metadata.Options{
		GPTQ:  o.gptqEpochs > 0,
		Extra: map[string]string{"model": m.Name},
	})
	if err != nil {
		return err
	}
	opts := export.Options{Name: m.Name, FloatDType: floatDType}
	if caps.AddMetadata {
		opts.Metadata = md
	}
	if err := export.Write(ctx, o.out, g, opts); err != nil {
		return err
	}
	log.Info("model written", "path", o.out, "nodes", g.NumNodes())

	renderBitWidths(stdout, md)
	if len(res.Similarity) > 0 {
		renderSimilarity(stdout, res.Similarity)
	}
	return nil
}

func calibrationData(o *quantizeOptions, m *modelspec.Model) (tensor.Dataset, error) {
	if o.dataset != "" {
		return modelspec.LoadDataset(o.dataset, m)
	}
	if o.calibBatches <= 0 || o.calibBatchSize <= 0 {
		return nil, fmt.Errorf("%w: calibration batches and batch size must be positive", errUsage)
	}
	return modelspec.RandomDataset(m, int(o.calibBatches), int(o.calibBatchSize), uint64(o.seed))
}

// buildCapabilities maps the platform flags onto test capabilities, with
// one option per bit pair when mixed precision is requested.
func buildCapabilities(o *quantizeOptions) (*tpc.Capabilities, error) {
	wm, err := quant.ParseMethod(o.weightsMethod)
	if err != nil {
		return nil, err
	}
	opts := []tpc.TestOption{
		tpc.WithWeightsMethod(wm),
		tpc.WithWeightsNBits(int(o.weightsBits)),
		tpc.WithPerChannel(o.perChannel),
	}
	if o.activationMethod == "none" {
		opts = append(opts, tpc.WithActivation(quant.PowerOfTwo, int(o.activationBits), false))
	} else {
		am, err := quant.ParseMethod(o.activationMethod)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tpc.WithActivation(am, int(o.activationBits), true))
	}

	if len(o.mpWeightsBits) == 0 {
		return tpc.NewTestCapabilities(opts...), nil
	}
	actBits := o.mpActivationBits
	if len(actBits) == 0 {
		actBits = []int64{o.activationBits}
	}
	var pairs []tpc.BitPair
	for _, w := range o.mpWeightsBits {
		for _, a := range actBits {
			pairs = append(pairs, tpc.BitPair{Weights: int(w), Activation: int(a)})
		}
	}
	caps := tpc.NewMixedPrecisionTestCapabilities(pairs, opts...)
	if err := caps.Validate(); err != nil {
		return nil, err
	}
	return caps, nil
}

func buildCoreConfig(o *quantizeOptions, m *modelspec.Model) (core.CoreConfig, *mixedprecision.ResourceUtilization, error) {
	cfg := core.DefaultConfig()
	if o.coreConfig != "" {
		var err error
		if cfg, err = core.LoadConfig(o.coreConfig); err != nil {
			return cfg, nil, err
		}
	}
	if o.analyzeSimilarity {
		cfg.Debug.AnalyzeSimilarity = true
	}
	if len(o.activationBitsFor) > 0 {
		filters, bits, err := parseActivationBits(o.activationBitsFor)
		if err != nil {
			return cfg, nil, err
		}
		if err := cfg.BitWidth.SetManualActivationBitWidth(filters, bits); err != nil {
			return cfg, nil, err
		}
	}
	if len(o.mpWeightsBits) == 0 {
		return cfg, nil, nil
	}
	if o.mpWeightsCompression <= 0 {
		return cfg, nil, fmt.Errorf("%w: --mp-weights-bits needs a positive --mp-weights-compression", errUsage)
	}
	cfg.MixedPrecisionEnable = true
	if cfg.MixedPrecision == nil {
		cfg.MixedPrecision = mixedprecision.DefaultConfig()
	}
	g, err := m.Build()
	if err != nil {
		return cfg, nil, err
	}
	target := mixedprecision.Unconstrained()
	target.WeightsMemory = floatKernelBytes(g, framework.Default()) / o.mpWeightsCompression
	return cfg, &target, nil
}

// floatKernelBytes is the float32 size of every weight of kernel operators.
func floatKernelBytes(g *graph.Graph, info *framework.Info) float64 {
	var total float64
	for _, n := range g.Nodes() {
		if _, ok := info.KernelAttr(n.Kind); !ok {
			continue
		}
		for _, name := range n.WeightNames() {
			total += float64(n.Weight(name).Size()) * 4
		}
	}
	return total
}

// parseActivationBits splits REGEXP=BITS selections.
func parseActivationBits(specs []string) ([]graph.Matcher, []int, error) {
	var (
		filters []graph.Matcher
		bits    []int
	)
	for _, s := range specs {
		i := strings.LastIndex(s, "=")
		if i <= 0 {
			return nil, nil, fmt.Errorf("%w: activation bits %q, want REGEXP=BITS", errUsage, s)
		}
		re, err := regexp.Compile(s[:i])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", errUsage, err)
		}
		n, err := strconv.Atoi(s[i+1:])
		if err != nil || n <= 0 {
			return nil, nil, fmt.Errorf("%w: activation bits %q", errUsage, s)
		}
		filters = append(filters, graph.ByNameRegexp(re))
		bits = append(bits, n)
	}
	return filters, bits, nil
}

func gptqConfig(o *quantizeOptions, log logger.Logger) (*gptq.Config, error) {
	kind, err := gptq.ParseOptimizerKind(o.gptqOptimizer)
	if err != nil {
		return nil, err
	}
	opt := gptq.AdamConfig(o.gptqLR)
	if kind == gptq.SGD {
		opt = gptq.SGDConfig(o.gptqLR, 0.9)
	}
	hs := gptq.DefaultHessianScoresConfig()
	if o.gptqHessianSamples > 0 {
		hs.NumSamples = int(o.gptqHessianSamples)
	}
	opts := []gptq.Option{
		gptq.WithOptimizer(opt),
		gptq.WithHessianScores(hs),
		gptq.WithTrainBias(o.gptqTrainBias),
		gptq.WithHessianWeights(o.gptqHessianWeights),
		gptq.WithLogFunc(func(step int, loss float64) {
			if step%50 == 0 {
				log.Debug("gptq step", "step", step, "loss", loss)
			}
		}),
	}
	if o.gptqGradual {
		opts = append(opts, gptq.WithGradualActivationQuantization(gptq.DefaultGradualActivationQuantization()))
	}
	return gptq.NewConfig(int(o.gptqEpochs), opts...)
}

func parseFloatDType(s string) (qcf.DType, error) {
	switch s {
	case "", "f16":
		return qcf.DTypeF16, nil
	case "f32":
		return qcf.DTypeF32, nil
	}
	return 0, fmt.Errorf("%w: float dtype %q", errUsage, s)
}

func bitsCell(n int) string {
	if n == 0 {
		return "float"
	}
	return strconv.Itoa(n)
}

func renderBitWidths(w io.Writer, md *metadata.Metadata) {
	tbl := tablewriter.NewWriter(w)
	tbl.Header("Node", "Weights", "Activation")
	for p := md.BitWidths.Oldest(); p != nil; p = p.Next() {
		tbl.Append([]string{p.Key, bitsCell(p.Value.Weights), bitsCell(p.Value.Activation)})
	}
	_ = tbl.Render()
}

func renderSimilarity(w io.Writer, sims []core.NodeSimilarity) {
	tbl := tablewriter.NewWriter(w)
	tbl.Header("Node", "MSE", "Cosine")
	for _, s := range sims {
		cos := "n/a"
		if !math.IsNaN(s.Cosine) {
			cos = strconv.FormatFloat(s.Cosine, 'f', 4, 64)
		}
		tbl.Append([]string{s.Node, strconv.FormatFloat(s.MSE, 'g', 4, 64), cos})
	}
	_ = tbl.Render()
}
