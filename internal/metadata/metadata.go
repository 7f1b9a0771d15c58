// Package metadata builds the descriptive blob attached to exported models.
package metadata

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/tpc"
	"github.com/samcharles93/ptq/internal/version"
)

// BitWidth records the final bit widths of one node. Zero means float.
type BitWidth struct {
	Weights    int `json:"weights"`
	Activation int `json:"activation"`
}

// Metadata describes how a model was quantized.
type Metadata struct {
	RunID      string    `json:"run_id"`
	Tool       string    `json:"tool"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	TPCName    string    `json:"tpc_name"`
	TPCVersion string    `json:"tpc_version"`
	GPTQ       bool      `json:"gptq"`
	// BitWidths lists nodes in topological order.
	BitWidths *orderedmap.OrderedMap[string, BitWidth] `json:"bit_widths"`
	Extra     map[string]string                        `json:"extra,omitempty"`
}

// Options adds run details to the metadata.
type Options struct {
	GPTQ  bool
	Extra map[string]string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Build collects metadata from a finalized graph.
func Build(g *graph.Graph, caps *tpc.Capabilities, info *framework.Info, opts Options) (*Metadata, error) {
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	m := &Metadata{
		RunID:     uuid.NewString(),
		Tool:      "ptq",
		Version:   version.String(),
		CreatedAt: now().UTC(),
		GPTQ:      opts.GPTQ,
		BitWidths: orderedmap.New[string, BitWidth](),
		Extra:     opts.Extra,
	}
	if caps != nil {
		m.TPCName, m.TPCVersion = caps.Name, caps.Version
	}
	for _, n := range order {
		c := n.Config()
		if c == nil {
			continue
		}
		var bw BitWidth
		if kernel, ok := info.KernelAttr(n.Kind); ok {
			bw.Weights = c.WeightsBits(kernel)
		}
		if !n.Fused {
			bw.Activation = c.ActivationBits()
		}
		m.BitWidths.Set(n.Name, bw)
	}
	return m, nil
}

// Marshal encodes the metadata as JSON.
func (m *Metadata) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes metadata produced by Marshal.
func Unmarshal(data []byte) (*Metadata, error) {
	m := &Metadata{BitWidths: orderedmap.New[string, BitWidth]()}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("metadata: decode: %w", err)
	}
	return m, nil
}

// Nodes returns the node names in recorded order.
func (m *Metadata) Nodes() []string {
	var out []string
	for p := m.BitWidths.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}
