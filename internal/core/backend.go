package core

import (
	"github.com/samcharles93/ptq/internal/engine"
	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/hessian"
)

// Backend provides the numeric services a run needs beyond graph
// execution.
type Backend interface {
	Name() string
	HessianCalculator(g *graph.Graph, info *framework.Info) (hessian.Calculator, error)
}

// ReferenceBackend computes Hessian scores with the reference engine.
type ReferenceBackend struct {
	// HessianIterations defaults to engine.DefaultHessianIterations.
	HessianIterations int
	Seed              uint64
}

func (ReferenceBackend) Name() string { return "reference" }

func (b ReferenceBackend) HessianCalculator(g *graph.Graph, info *framework.Info) (hessian.Calculator, error) {
	opts := []engine.HessianOption{engine.WithInfo(info)}
	if b.HessianIterations > 0 {
		opts = append(opts, engine.WithIterations(b.HessianIterations))
	}
	if b.Seed != 0 {
		opts = append(opts, engine.WithSeed(b.Seed))
	}
	return engine.NewHessianCalculator(g, opts...)
}
