package quant

import (
	"math"
	"slices"
	"sort"
)

const kmeansIterations = 50

// kmeans1D clusters weighted scalars into at most k centers with Lloyd's
// algorithm. Centers are seeded at evenly spaced quantiles so the result is
// deterministic. The returned centers are sorted.
func kmeans1D(vals, w []float64, k int) []float64 {
	if len(vals) == 0 {
		return []float64{0}
	}
	sorted := slices.Clone(vals)
	slices.Sort(sorted)
	uniq := slices.Compact(slices.Clone(sorted))
	if len(uniq) <= k {
		return uniq
	}

	centers := make([]float64, k)
	for i := range centers {
		pos := (float64(i) + 0.5) / float64(k) * float64(len(sorted)-1)
		centers[i] = sorted[int(math.Round(pos))]
	}
	centers = slices.Compact(centers)

	sums := make([]float64, len(centers))
	mass := make([]float64, len(centers))
	for range kmeansIterations {
		clear(sums)
		clear(mass)
		for i, v := range vals {
			c := nearest(centers, v)
			wi := weightAt(w, i)
			sums[c] += wi * v
			mass[c] += wi
		}
		moved := false
		for c := range centers {
			if mass[c] == 0 {
				continue
			}
			next := sums[c] / mass[c]
			if next != centers[c] {
				centers[c] = next
				moved = true
			}
		}
		slices.Sort(centers)
		if !moved {
			break
		}
	}
	return centers
}

// nearest returns the index of the center closest to x. centers must be
// sorted.
func nearest(centers []float64, x float64) int {
	i := sort.SearchFloat64s(centers, x)
	switch {
	case i == 0:
		return 0
	case i == len(centers):
		return len(centers) - 1
	case x-centers[i-1] <= centers[i]-x:
		return i - 1
	}
	return i
}
