package stats

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultBins is the histogram resolution used for activation statistics.
const DefaultBins = 2048

// Histogram is a fixed-resolution histogram whose range widens as values
// outside it arrive. Counts are re-binned by bin center when it widens.
type Histogram struct {
	Edges  []float64
	Counts []float64
	bins   int
}

// NewHistogram returns an empty histogram with the given number of bins.
func NewHistogram(bins int) *Histogram {
	if bins < 1 {
		bins = DefaultBins
	}
	return &Histogram{bins: bins}
}

// Empty reports whether no value was added yet.
func (h *Histogram) Empty() bool { return len(h.Edges) == 0 }

// Add records vals.
func (h *Histogram) Add(vals []float64) {
	if len(vals) == 0 {
		return
	}
	lo, hi := floats.Min(vals), floats.Max(vals)
	if h.Empty() {
		h.reset(lo, hi)
	} else if lo < h.Edges[0] || hi >= h.Edges[len(h.Edges)-1] {
		h.widen(math.Min(lo, h.Edges[0]), math.Max(hi, h.Edges[len(h.Edges)-1]))
	}
	sorted := slices.Clone(vals)
	slices.Sort(sorted)
	batch := stat.Histogram(nil, h.Edges, sorted, nil)
	floats.Add(h.Counts, batch)
}

// Centers returns the bin centers.
func (h *Histogram) Centers() []float64 {
	out := make([]float64, len(h.Counts))
	for i := range out {
		out[i] = (h.Edges[i] + h.Edges[i+1]) / 2
	}
	return out
}

// Total returns the number of recorded values.
func (h *Histogram) Total() float64 { return floats.Sum(h.Counts) }

func (h *Histogram) reset(lo, hi float64) {
	if hi <= lo {
		w := math.Max(math.Abs(lo)*1e-6, 1e-9)
		lo, hi = lo-w, hi+w
	}
	h.Edges = floats.Span(make([]float64, h.bins+1), lo, hi)
	// Span rounds the last edge; stat.Histogram needs it strictly above hi.
	h.Edges[h.bins] = math.Nextafter(math.Max(hi, h.Edges[h.bins]), math.Inf(1))
	h.Counts = make([]float64, h.bins)
}

func (h *Histogram) widen(lo, hi float64) {
	centers, counts := h.Centers(), h.Counts
	h.reset(lo, hi)
	n := len(h.Counts)
	step := (h.Edges[n] - h.Edges[0]) / float64(n)
	for i, c := range centers {
		if counts[i] == 0 {
			continue
		}
		b := int((c - h.Edges[0]) / step)
		b = min(max(b, 0), n-1)
		h.Counts[b] += counts[i]
	}
}
