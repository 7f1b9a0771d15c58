// Package substitute rewrites graphs before calibration: it drops no-op
// nodes, folds batch normalization into the preceding linear operator and
// rescales bounded ReLUs so their quantized range is fully used.
package substitute

import (
	"context"
	"fmt"

	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/logger"
)

// Substitution is one graph rewrite. Apply returns the number of places it
// rewrote.
type Substitution interface {
	Name() string
	Apply(g *graph.Graph, info *framework.Info) (int, error)
}

// Apply runs the substitutions in order.
func Apply(ctx context.Context, g *graph.Graph, info *framework.Info, subs ...Substitution) error {
	log := logger.Component(ctx, "substitute")
	for _, s := range subs {
		n, err := s.Apply(g, info)
		if err != nil {
			return fmt.Errorf("substitute: %s: %w", s.Name(), err)
		}
		if n > 0 {
			log.Debug("substitution applied", "name", s.Name(), "matches", n)
		}
	}
	return nil
}

// Defaults returns the substitutions every run applies.
func Defaults() []Substitution {
	return []Substitution{RemoveIdentity{}, FoldBatchNorm{}}
}

// RemoveIdentity bypasses Identity nodes.
type RemoveIdentity struct{}

func (RemoveIdentity) Name() string { return "remove_identity" }

func (RemoveIdentity) Apply(g *graph.Graph, _ *framework.Info) (int, error) {
	count := 0
	for _, n := range g.Filter(graph.ByKind(framework.Identity)) {
		if err := g.Bypass(n.ID); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// linearKinds are the operators whose kernel output channel runs along the
// last kernel axis, so per-channel scales fold into them.
var linearKinds = graph.ByKind(framework.Dense, framework.Conv2D)

// soleConsumer returns the only consumer of n when n is not a graph output.
func soleConsumer(g *graph.Graph, n *graph.Node) *graph.Node {
	succ := g.Successors(n.ID)
	if len(succ) != 1 || g.IsOutput(n.ID) {
		return nil
	}
	return succ[0]
}
