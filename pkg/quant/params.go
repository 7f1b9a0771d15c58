package quant

import (
	"maps"
	"slices"
)

// Parameter keys.
const (
	Threshold       = "threshold"
	RangeMin        = "range_min"
	RangeMax        = "range_max"
	ClusterCenters  = "cluster_centers"
	ScalePerChannel = "scale_per_channel"
)

// Params maps a parameter key to its values. Per-channel parameters hold one
// value per channel; per-tensor parameters hold a single value.
type Params map[string][]float64

// Clone returns a deep copy.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = slices.Clone(v)
	}
	return out
}

// Has reports whether key is present with at least one value.
func (p Params) Has(key string) bool {
	return len(p[key]) > 0
}

// At returns the value of key for channel ch, broadcasting per-tensor values.
func (p Params) At(key string, ch int) (float64, bool) {
	v := p[key]
	switch {
	case len(v) == 0:
		return 0, false
	case len(v) == 1:
		return v[0], true
	case ch < len(v):
		return v[ch], true
	}
	return 0, false
}

// Keys returns the parameter keys in sorted order.
func (p Params) Keys() []string {
	return slices.Sorted(maps.Keys(p))
}

// merge appends the values of o key by key.
func (p Params) merge(o Params) {
	for k, v := range o {
		p[k] = append(p[k], v...)
	}
}
