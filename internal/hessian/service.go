package hessian

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/logger"
	"github.com/samcharles93/ptq/internal/metrics"
	"github.com/samcharles93/ptq/internal/tensor"
)

// Calculator computes scores for one batch. The returned tensors hold one row
// per sample of the batch on their first axis.
type Calculator interface {
	Compute(ctx context.Context, batch []*tensor.Tensor, mode Mode, gran Granularity, targets []*graph.Node) (map[string]*tensor.Tensor, error)
}

type cacheKey struct {
	mode Mode
	gran Granularity
	node string
}

// Service owns the score cache of one session. It is not safe for
// concurrent use.
type Service struct {
	g     *graph.Graph
	calc  Calculator
	info  *framework.Info
	cache map[cacheKey]*tensor.Tensor
	// seen holds the input hashes of the samples cached under each key.
	seen map[cacheKey]map[uint64]struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithFrameworkInfo sets the operator catalog used to validate requests.
func WithFrameworkInfo(info *framework.Info) Option {
	return func(s *Service) { s.info = info }
}

// NewService returns a service computing scores on g with calc.
func NewService(g *graph.Graph, calc Calculator, opts ...Option) *Service {
	s := &Service{
		g:     g,
		calc:  calc,
		info:  framework.Default(),
		cache: map[cacheKey]*tensor.Tensor{},
		seen:  map[cacheKey]map[uint64]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Graph returns the float graph scores are computed on.
func (s *Service) Graph() *graph.Graph { return s.g }

// Fetch returns NSamples score rows per target node, computing and caching
// missing rows from the request's data loader. Without a data loader the
// cache must already hold enough rows.
func (s *Service) Fetch(ctx context.Context, req Request) (map[string]*tensor.Tensor, error) {
	if err := s.validate(req, false); err != nil {
		return nil, err
	}
	log := logger.Component(ctx, "hessian")

	missing := s.missing(req)
	if len(missing) == 0 {
		metrics.RecordHessianFetch(req.Mode.String(), true)
		return s.head(req), nil
	}
	metrics.RecordHessianFetch(req.Mode.String(), false)
	if req.DataLoader == nil {
		n := missing[0]
		return nil, &InsufficientCacheError{
			Node:      n.Name,
			Cached:    s.CachedSamples(req.Mode, req.Granularity, n.Name),
			Requested: req.NSamples,
		}
	}

	sub := req.withTargets(missing)
	log.Debug("computing hessian scores", "mode", req.Mode, "granularity", req.Granularity,
		"nodes", len(missing), "samples", req.NSamples)
	for batch := range req.DataLoader() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scores, err := s.calc.Compute(ctx, batch, sub.Mode, sub.Granularity, sub.TargetNodes)
		if err != nil {
			return nil, fmt.Errorf("hessian: compute: %w", err)
		}
		if err := s.update(sub, batch, scores); err != nil {
			return nil, err
		}
		if len(s.missing(sub)) == 0 {
			return s.head(req), nil
		}
	}
	n := s.missing(sub)[0]
	return nil, fmt.Errorf("%w: node %s has %d samples, %d requested", ErrNotEnoughSamples,
		n.Name, s.CachedSamples(req.Mode, req.Granularity, n.Name), req.NSamples)
}

// FetchForce computes scores for the first NSamples samples of the data
// loader regardless of the cache, or for the whole loader when NSamples is
// zero. Computed scores are added to the cache.
func (s *Service) FetchForce(ctx context.Context, req Request) (map[string]*tensor.Tensor, error) {
	if err := s.validate(req, true); err != nil {
		return nil, err
	}
	if req.DataLoader == nil {
		return nil, fmt.Errorf("%w: forced computation needs a data loader", ErrInvalidRequest)
	}
	parts := map[string][]*tensor.Tensor{}
	count := 0
	for batch := range req.DataLoader() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		scores, err := s.calc.Compute(ctx, batch, req.Mode, req.Granularity, req.TargetNodes)
		if err != nil {
			return nil, fmt.Errorf("hessian: compute: %w", err)
		}
		if err := s.update(req, batch, scores); err != nil {
			return nil, err
		}
		for name, t := range scores {
			parts[name] = append(parts[name], t)
		}
		count += batch[0].Batch()
		if req.NSamples > 0 && count >= req.NSamples {
			break
		}
	}
	if req.NSamples > 0 && count < req.NSamples {
		return nil, fmt.Errorf("%w: got %d, %d requested", ErrNotEnoughSamples, count, req.NSamples)
	}
	out := make(map[string]*tensor.Tensor, len(parts))
	for name, ts := range parts {
		all, err := tensor.Concat(ts...)
		if err != nil {
			return nil, err
		}
		if req.NSamples > 0 {
			all = all.Head(req.NSamples)
		}
		out[name] = all.Clone()
	}
	return out, nil
}

// CachedSamples returns the number of cached rows for a node.
func (s *Service) CachedSamples(mode Mode, gran Granularity, node string) int {
	if t := s.cache[cacheKey{mode, gran, node}]; t != nil {
		return t.Batch()
	}
	return 0
}

// ClearCache drops every cached score.
func (s *Service) ClearCache() {
	clear(s.cache)
	clear(s.seen)
}

func (s *Service) validate(req Request, force bool) error {
	if len(req.TargetNodes) == 0 {
		return fmt.Errorf("%w: no target nodes", ErrInvalidRequest)
	}
	if req.NSamples < 0 || (req.NSamples == 0 && !force) {
		return fmt.Errorf("%w: n_samples must be at least 1, got %d", ErrInvalidRequest, req.NSamples)
	}
	if req.Mode != Weights && req.Mode != Activations {
		return fmt.Errorf("%w: unknown mode %v", ErrInvalidRequest, req.Mode)
	}
	if req.Granularity < PerTensor || req.Granularity > PerElement {
		return fmt.Errorf("%w: unknown granularity %v", ErrInvalidRequest, req.Granularity)
	}
	for _, n := range req.TargetNodes {
		if s.g.FindByName(n.Name) == nil {
			return fmt.Errorf("%w: node %s is not in the graph", ErrInvalidRequest, n.Name)
		}
		// shape checks only matter when scores get computed
		if req.Mode != Weights || (req.DataLoader == nil && !force) {
			continue
		}
		attr, ok := s.info.KernelAttr(n.Kind)
		if !ok || n.Weight(attr) == nil {
			return fmt.Errorf("%w: node %s has no kernel for weights mode", ErrInvalidRequest, n.Name)
		}
		if req.Granularity == PerChannel && s.info.KernelChannels.Get(n.Kind).Out < 0 {
			return fmt.Errorf("%w: node %s has no output channel axis", ErrInvalidRequest, n.Name)
		}
	}
	return nil
}

func (s *Service) missing(req Request) []*graph.Node {
	var out []*graph.Node
	for _, n := range req.TargetNodes {
		if s.CachedSamples(req.Mode, req.Granularity, n.Name) < req.NSamples {
			out = append(out, n)
		}
	}
	return out
}

func (s *Service) head(req Request) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(req.TargetNodes))
	for _, n := range req.TargetNodes {
		out[n.Name] = s.cache[cacheKey{req.Mode, req.Granularity, n.Name}].Head(req.NSamples).Clone()
	}
	return out
}

// update appends the rows of samples not cached yet. Samples are identified
// by a hash of their inputs, so equal scores from different samples are all
// kept.
func (s *Service) update(req Request, batch []*tensor.Tensor, scores map[string]*tensor.Tensor) error {
	keys := sampleHashes(batch)
	for _, n := range req.TargetNodes {
		t := scores[n.Name]
		if t == nil {
			return fmt.Errorf("hessian: calculator returned no scores for %s", n.Name)
		}
		if t.Batch() != len(keys) {
			return fmt.Errorf("hessian: %s: %d score rows for %d samples", n.Name, t.Batch(), len(keys))
		}
		key := cacheKey{req.Mode, req.Granularity, n.Name}
		seen := s.seen[key]
		if seen == nil {
			seen = map[uint64]struct{}{}
			s.seen[key] = seen
		}
		var rows []*tensor.Tensor
		if prev := s.cache[key]; prev != nil {
			rows = append(rows, prev)
		}
		added := 0
		for i, h := range keys {
			if _, ok := seen[h]; ok {
				continue
			}
			seen[h] = struct{}{}
			rows = append(rows, t.Sample(i))
			added++
		}
		if added == 0 {
			continue
		}
		merged, err := tensor.Concat(rows...)
		if err != nil {
			return fmt.Errorf("hessian: cache update for %s: %w", n.Name, err)
		}
		s.cache[key] = merged
		metrics.RecordHessianSamples(req.Mode.String(), added)
	}
	return nil
}

// sampleHashes hashes every sample of batch over all model inputs.
func sampleHashes(batch []*tensor.Tensor) []uint64 {
	if len(batch) == 0 {
		return nil
	}
	out := make([]uint64, batch[0].Batch())
	var d xxhash.Digest
	var buf [8]byte
	for i := range out {
		d.Reset()
		for _, x := range batch {
			for _, v := range x.Sample(i).Data {
				binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
				_, _ = d.Write(buf[:])
			}
			_, _ = d.Write([]byte{0xff})
		}
		out[i] = d.Sum64()
	}
	return out
}
