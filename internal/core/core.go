// Package core runs the post-training quantization pipeline: it reads a
// model into a graph, prepares it, collects statistics, computes
// quantization parameters and selects the final candidate of every node.
package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/hessian"
	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/internal/metrics"
	"github.com/samcharles93/ptq/internal/mixedprecision"
	"github.com/samcharles93/ptq/internal/qparams"
	"github.com/samcharles93/ptq/internal/stats"
	"github.com/samcharles93/ptq/internal/substitute"
	"github.com/samcharles93/ptq/internal/tensor"
	"github.com/samcharles93/ptq/internal/tpc"
	"github.com/samcharles93/ptq/pkg/quant"
)

// Input holds everything a run consumes.
type Input struct {
	Model   any
	Reader  graph.Reader
	Dataset tensor.Dataset
	Config  CoreConfig
	// TPC defaults to tpc.Default.
	TPC *tpc.Capabilities
	// Framework defaults to framework.Default.
	Framework *framework.Info
	Backend   Backend
	// TargetRU is the mixed-precision budget. Nil keeps the base candidates.
	TargetRU    *mixedprecision.ResourceUtilization
	RunningGPTQ bool
}

// Result is the outcome of a run.
type Result struct {
	Graph *graph.Graph
	// BitWidths holds the selected candidate index of every configurable
	// node, in topological order, when mixed precision ran.
	BitWidths []int
	// ConfigurableNodes names the nodes BitWidths refers to.
	ConfigurableNodes []string
	HessianService    *hessian.Service
	Scheduling        SchedulingInfo
	Stats             stats.Statistics
	Similarity        []NodeSimilarity
}

// Run executes the pipeline. It is deterministic for identical inputs and
// dataset iteration order.
func Run(ctx context.Context, in Input) (*Result, error) {
	defer metrics.Stage("core")()
	if err := validate(&in); err != nil {
		return nil, err
	}
	log := logger.Component(ctx, "core")
	cfg := in.Config

	g, err := in.Reader.Read(ctx, in.Model)
	if err != nil {
		return nil, &GraphConstructionError{Err: err}
	}
	if err := g.Validate(); err != nil {
		return nil, &GraphConstructionError{Err: err}
	}
	log.Info("graph read", "nodes", g.NumNodes(), "backend", in.Backend.Name())

	subs := substitute.Defaults()
	if cfg.Quantization.ReluBoundToPowerOfTwo {
		subs = append(subs, substitute.ReLUBoundCorrection{})
	}
	if err := substitute.Apply(ctx, g, in.Framework, subs...); err != nil {
		return nil, err
	}

	mp := cfg.MixedPrecisionEnable
	graph.SetCandidates(g, in.TPC, in.Framework, graph.CandidateOptions{
		WeightsErrorMethod:    cfg.Quantization.WeightsErrorMethod,
		ActivationErrorMethod: cfg.Quantization.ActivationErrorMethod,
		MixedPrecision:        mp,
	})
	if err := cfg.BitWidth.Apply(g); err != nil {
		return nil, err
	}
	fused, err := graph.ApplyFusing(g, in.TPC)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	st, err := stats.Collect(ctx, g, in.Dataset, stats.Options{Bins: cfg.Quantization.HistogramBins})
	if err != nil {
		return nil, err
	}

	calc, err := in.Backend.HessianCalculator(g, in.Framework)
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}
	svc := hessian.NewService(g, calc, hessian.WithFrameworkInfo(in.Framework))

	err = qparams.CalculateQuantizationParams(ctx, g, qparams.Options{
		WeightsErrorMethod: cfg.Quantization.WeightsErrorMethod,
		LPNorm:             cfg.Quantization.LPNorm,
		RunningGPTQ:        in.RunningGPTQ,
		HessianService:     svc,
		NumHessianSamples:  cfg.Quantization.NumHessianSamples,
		Dataset:            in.Dataset,
		Stats:              st,
		Info:               in.Framework,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Graph: g, HessianService: svc, Stats: st}
	if mp && in.TargetRU != nil {
		if err := searchBitWidths(ctx, in, g, res); err != nil {
			return nil, err
		}
	} else {
		for _, n := range g.Nodes() {
			if len(n.Candidates) > 0 {
				n.ActiveCandidate = n.BaseCandidate
			}
		}
	}

	if res.Scheduling, err = Schedule(g, fused); err != nil {
		return nil, err
	}
	if cfg.Debug.AnalyzeSimilarity {
		if res.Similarity, err = AnalyzeSimilarity(ctx, g, in.Dataset, cfg.Debug.SimilarityBatches); err != nil {
			return nil, err
		}
	}
	log.Info("quantization finished", "operators", len(res.Scheduling.OperatorOrder),
		"peak_activation_bytes", res.Scheduling.PeakActivationBytes)
	return res, nil
}

func validate(in *Input) error {
	if in.Backend == nil {
		return ErrBackendUnavailable
	}
	if in.Reader == nil {
		return ErrNoReader
	}
	if in.Dataset == nil {
		return ErrNoDataset
	}
	if err := in.Config.Validate(); err != nil {
		return err
	}
	if in.Config.Quantization.WeightsErrorMethod == quant.HMSE && !in.RunningGPTQ {
		return qparams.ErrHMSERequiresGPTQ
	}
	if in.TPC == nil {
		in.TPC = tpc.Default()
	}
	if err := in.TPC.Validate(); err != nil {
		return err
	}
	if in.Framework == nil {
		in.Framework = framework.Default()
	}
	if in.TargetRU != nil {
		if err := in.TargetRU.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func searchBitWidths(ctx context.Context, in Input, g *graph.Graph, res *Result) error {
	p, err := mixedprecision.BuildProblem(ctx, g, in.Dataset, in.Config.MixedPrecision, in.Framework)
	if err != nil {
		return err
	}
	assign, err := mixedprecision.Search(p, *in.TargetRU)
	if err != nil {
		if errors.Is(err, mixedprecision.ErrInfeasible) {
			return fmt.Errorf("core: target resource utilization %+v: %w", *in.TargetRU, err)
		}
		return err
	}
	if err := p.Apply(g, assign); err != nil {
		return err
	}
	res.BitWidths = assign
	res.ConfigurableNodes = p.Nodes
	logger.Component(ctx, "core").Info("bit widths selected", "nodes", len(assign),
		"objective", p.Objective(assign))
	return nil
}
