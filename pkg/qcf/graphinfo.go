package qcf

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// GraphInfoVersion is the on-disk version of the graph section payload.
const GraphInfoVersion uint32 = 1

// GraphInfo is the graph section payload: the nodes in topological order with
// their connectivity. Tensor names in the index are "<node>/<attr>" plus a
// suffix for derived tensors.
type GraphInfo struct {
	Name    string     `json:"name,omitempty"`
	Nodes   []NodeInfo `json:"nodes"`
	Inputs  []string   `json:"inputs"`
	Outputs []string   `json:"outputs"`
}

// NodeInfo describes one node.
type NodeInfo struct {
	Name        string             `json:"name"`
	Kind        string             `json:"kind"`
	Inputs      []string           `json:"inputs,omitempty"`
	Attrs       map[string]float64 `json:"attrs,omitempty"`
	OutputShape []int              `json:"output_shape"`
	Weights     []string           `json:"weights,omitempty"`
	FusedGroup  string             `json:"fused_group,omitempty"`
}

// EncodeGraphSection serializes g as JSON.
func EncodeGraphSection(g *GraphInfo) ([]byte, error) {
	if g == nil || len(g.Nodes) == 0 {
		return nil, fmt.Errorf("qcf: graph section needs at least one node")
	}
	return json.Marshal(g)
}

// ParseGraphSection decodes a graph section payload.
func ParseGraphSection(sec []byte) (*GraphInfo, error) {
	var g GraphInfo
	if err := json.Unmarshal(sec, &g); err != nil {
		return nil, fmt.Errorf("%w: graph section: %v", ErrCorruptFile, err)
	}
	if len(g.Nodes) == 0 {
		return nil, fmt.Errorf("%w: graph section has no nodes", ErrCorruptFile)
	}
	return &g, nil
}

// NodeIndex returns the position of the named node, or -1.
func (g *GraphInfo) NodeIndex(name string) int {
	for i, n := range g.Nodes {
		if n.Name == name {
			return i
		}
	}
	return -1
}
