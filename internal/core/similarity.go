package core

import (
	"context"

	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/ptq/internal/engine"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/internal/tensor"
)

// NodeSimilarity compares the float and quantized outputs of one node.
type NodeSimilarity struct {
	Node   string
	MSE    float64
	Cosine float64
}

// AnalyzeSimilarity runs float and quantized passes over up to maxBatches
// batches of ds and compares every node output. maxBatches <= 0 uses every
// batch.
func AnalyzeSimilarity(ctx context.Context, g *graph.Graph, ds tensor.Dataset, maxBatches int) ([]NodeSimilarity, error) {
	eng, err := engine.New(g)
	if err != nil {
		return nil, err
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, err
	}
	res := make([]NodeSimilarity, len(order))
	for i, n := range order {
		res[i].Node = n.Name
	}
	batches := 0
	for batch := range ds() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if maxBatches > 0 && batches == maxBatches {
			break
		}
		ft, err := eng.Forward(batch, engine.Options{})
		if err != nil {
			return nil, err
		}
		qt, err := eng.Forward(batch, engine.Options{QuantizeWeights: true, QuantizeActivations: true})
		if err != nil {
			return nil, err
		}
		for i, n := range order {
			f, q := ft.Output(n.ID), qt.Output(n.ID)
			res[i].MSE += tensor.MSE(q, f)
			res[i].Cosine += cosine(f.Data, q.Data)
		}
		batches++
	}
	if batches > 0 {
		for i := range res {
			res[i].MSE /= float64(batches)
			res[i].Cosine /= float64(batches)
		}
	}
	log := logger.Component(ctx, "similarity")
	for _, r := range res {
		log.Debug("node similarity", "node", r.Node, "mse", r.MSE, "cosine", r.Cosine)
	}
	return res, nil
}

func cosine(a, b []float64) float64 {
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		if na == nb {
			return 1
		}
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}
