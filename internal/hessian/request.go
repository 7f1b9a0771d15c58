// Package hessian serves approximate second-order sensitivity scores for
// graph nodes and caches them for the lifetime of one quantization session.
package hessian

import (
	"errors"
	"fmt"
	"slices"

	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/tensor"
)

// Mode selects what the scores are taken with respect to.
type Mode int

const (
	Weights Mode = iota
	Activations
)

func (m Mode) String() string {
	switch m {
	case Weights:
		return "weights"
	case Activations:
		return "activations"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Granularity selects how scores are reduced.
type Granularity int

const (
	PerTensor Granularity = iota
	PerChannel
	PerElement
)

func (g Granularity) String() string {
	switch g {
	case PerTensor:
		return "per_tensor"
	case PerChannel:
		return "per_channel"
	case PerElement:
		return "per_element"
	}
	return fmt.Sprintf("Granularity(%d)", int(g))
}

// Request asks for the scores of a set of nodes.
type Request struct {
	Mode        Mode
	Granularity Granularity
	TargetNodes []*graph.Node
	// NSamples is the number of per-sample score rows wanted per node.
	NSamples int
	// DataLoader supplies batches for missing scores. When nil, requests are
	// served from the cache only.
	DataLoader tensor.Dataset
}

// withTargets returns a copy of r restricted to nodes.
func (r Request) withTargets(nodes []*graph.Node) Request {
	r.TargetNodes = slices.Clone(nodes)
	return r
}

var (
	ErrInvalidRequest    = errors.New("hessian: invalid request")
	ErrInsufficientCache = errors.New("hessian: not enough hessians are cached to fulfill the request")
	ErrNotEnoughSamples  = errors.New("hessian: not enough samples in the provided representative dataset")
)

// InsufficientCacheError reports a cache-only fetch that asked for more
// samples than are cached.
type InsufficientCacheError struct {
	Node      string
	Cached    int
	Requested int
}

func (e *InsufficientCacheError) Error() string {
	return fmt.Sprintf("%s, but data loader was not passed for additional computation: node %s has %d cached samples, %d requested",
		ErrInsufficientCache, e.Node, e.Cached, e.Requested)
}

func (e *InsufficientCacheError) Unwrap() error { return ErrInsufficientCache }
