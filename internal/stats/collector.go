// Package stats collects activation statistics by running representative
// batches through the float graph.
package stats

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/samcharles93/ptq/internal/engine"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/internal/metrics"
	"github.com/samcharles93/ptq/internal/tensor"
)

// Collector accumulates the statistics of one node output.
type Collector struct {
	Min, Max  float64
	Count     int
	sum       float64
	Histogram *Histogram
}

// NewCollector returns an empty collector.
func NewCollector(bins int) *Collector {
	return &Collector{Min: math.Inf(1), Max: math.Inf(-1), Histogram: NewHistogram(bins)}
}

// Update adds one batch of values.
func (c *Collector) Update(t *tensor.Tensor) {
	if t.Size() == 0 {
		return
	}
	c.Min = math.Min(c.Min, floats.Min(t.Data))
	c.Max = math.Max(c.Max, floats.Max(t.Data))
	c.sum += floats.Sum(t.Data)
	c.Count += t.Size()
	c.Histogram.Add(t.Data)
}

// Mean returns the mean of every recorded value.
func (c *Collector) Mean() float64 {
	if c.Count == 0 {
		return 0
	}
	return c.sum / float64(c.Count)
}

// Statistics maps node names to their collectors.
type Statistics map[string]*Collector

// Options configures Collect.
type Options struct {
	Bins int
	// All collects every node; otherwise only nodes whose output is
	// quantized by their current candidate.
	All bool
}

// Collect runs every batch of ds through the float graph and records the
// outputs of the selected nodes.
func Collect(ctx context.Context, g *graph.Graph, ds tensor.Dataset, opts Options) (Statistics, error) {
	eng, err := engine.New(g)
	if err != nil {
		return nil, err
	}
	log := logger.Component(ctx, "stats")
	var nodes []*graph.Node
	for _, n := range g.Nodes() {
		if opts.All || n.IsActivationQuantized() {
			nodes = append(nodes, n)
		}
	}
	st := make(Statistics, len(nodes))
	for _, n := range nodes {
		st[n.Name] = NewCollector(opts.Bins)
	}
	batches := 0
	for batch := range ds() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tr, err := eng.Forward(batch, engine.Options{})
		if err != nil {
			return nil, fmt.Errorf("stats: batch %d: %w", batches, err)
		}
		for _, n := range nodes {
			st[n.Name].Update(tr.Output(n.ID))
		}
		batches++
		metrics.RecordCalibrationBatch()
	}
	if batches == 0 {
		return nil, fmt.Errorf("stats: representative dataset yielded no batches")
	}
	log.Debug("statistics collected", "batches", batches, "nodes", len(nodes))
	return st, nil
}
