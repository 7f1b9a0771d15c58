package quant

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"
)

const (
	potSearchSteps       = 8
	symmetricSearchSteps = 64
	uniformSearchSteps   = 16
	minClipRatio         = 0.3
)

// SearchConfig selects the method and error metric of a parameter search.
type SearchConfig struct {
	Spec
	ErrorMethod ErrorMethod
	// P is the norm of the LP error method. Defaults to 2.
	P float64
	// Weights holds one weight per value, aligned with the searched channels.
	// HMSE requires them; for other methods they act as sample counts, e.g.
	// histogram bin counts.
	Weights [][]float64
}

// Search computes quantization parameters for the given channels. A single
// channel yields per-tensor parameters; several channels yield one value per
// channel. Channels are searched concurrently.
func Search(ctx context.Context, channels [][]float64, cfg SearchConfig) (Params, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, ErrNoValues
	}
	if cfg.ErrorMethod == HMSE && len(cfg.Weights) != len(channels) {
		return nil, ErrMissingWeights
	}
	if cfg.Weights != nil && len(cfg.Weights) != len(channels) {
		return nil, fmt.Errorf("quant: %d weight channels for %d value channels", len(cfg.Weights), len(channels))
	}

	switch cfg.Method {
	case KMeans:
		vals, w := flatten(channels, cfg.Weights)
		centers := kmeans1D(vals, w, 1<<cfg.NBits)
		return Params{ClusterCenters: centers}, nil
	case LUTPowerOfTwo, LUTSymmetric:
		return searchLUT(channels, cfg), nil
	case PowerOfTwo, Symmetric, Uniform:
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownMethod, cfg.Method)
	}

	results := make([]Params, len(channels))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for c := range channels {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var w []float64
			if cfg.Weights != nil {
				w = cfg.Weights[c]
			}
			if len(channels[c]) == 0 {
				return ErrNoValues
			}
			results[c] = searchChannel(channels[c], w, cfg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := Params{}
	for _, r := range results {
		out.merge(r)
	}
	return out, nil
}

func (c SearchConfig) validate() error {
	if err := c.Spec.validate(); err != nil {
		return err
	}
	if c.ErrorMethod < NoClipping || c.ErrorMethod > HMSE {
		return fmt.Errorf("%w: %v", ErrUnknownErrorMethod, c.ErrorMethod)
	}
	return nil
}

func searchChannel(vals, w []float64, cfg SearchConfig) Params {
	lo, hi := minMax(vals)
	maxAbs := math.Max(math.Abs(lo), math.Abs(hi))

	switch cfg.Method {
	case PowerOfTwo:
		t := PowerOfTwoCeil(maxAbs)
		if cfg.ErrorMethod == NoClipping {
			return Params{Threshold: {t}}
		}
		best, bestErr := t, math.Inf(1)
		for i := range potSearchSteps {
			cand := t / math.Exp2(float64(i))
			if e := thresholdError(vals, w, cand, cfg); e < bestErr {
				best, bestErr = cand, e
			}
		}
		return Params{Threshold: {best}}

	case Symmetric:
		t := maxAbs
		if t == 0 {
			t = 1
		}
		if cfg.ErrorMethod == NoClipping {
			return Params{Threshold: {t}}
		}
		best, bestErr := t, math.Inf(1)
		for i := range symmetricSearchSteps {
			cand := t * (1 - (1-minClipRatio)*float64(i)/symmetricSearchSteps)
			if e := thresholdError(vals, w, cand, cfg); e < bestErr {
				best, bestErr = cand, e
			}
		}
		return Params{Threshold: {best}}

	case Uniform:
		a, b := FixRange(lo, hi, cfg.NBits)
		if cfg.ErrorMethod == NoClipping || a == b {
			return Params{RangeMin: {a}, RangeMax: {b}}
		}
		bestA, bestB, bestErr := a, b, math.Inf(1)
		for i := range uniformSearchSteps {
			for j := range uniformSearchSteps {
				ca, cb := FixRange(
					lo*(1-(1-minClipRatio)*float64(i)/uniformSearchSteps),
					hi*(1-(1-minClipRatio)*float64(j)/uniformSearchSteps),
					cfg.NBits)
				if e := uniformError(vals, w, ca, cb, cfg); e < bestErr {
					bestA, bestB, bestErr = ca, cb, e
				}
			}
		}
		return Params{RangeMin: {bestA}, RangeMax: {bestB}}
	}
	panic("quant: unreachable method")
}

func thresholdError(vals, w []float64, t float64, cfg SearchConfig) float64 {
	var acc, norm float64
	for i, v := range vals {
		q := QuantizeSymmetric(v, t, cfg.NBits, cfg.Signed)
		acc, norm = accumulate(acc, norm, v-q, weightAt(w, i), cfg)
	}
	return finish(acc, norm)
}

func uniformError(vals, w []float64, a, b float64, cfg SearchConfig) float64 {
	var acc, norm float64
	for i, v := range vals {
		q := QuantizeUniform(v, a, b, cfg.NBits)
		acc, norm = accumulate(acc, norm, v-q, weightAt(w, i), cfg)
	}
	return finish(acc, norm)
}

// Error returns the error between vals and their quantized counterpart under
// the given metric. w may be nil for unweighted errors.
func Error(vals, quantized, w []float64, em ErrorMethod, p float64) float64 {
	cfg := SearchConfig{ErrorMethod: em, P: p}
	var acc, norm float64
	for i := range vals {
		acc, norm = accumulate(acc, norm, vals[i]-quantized[i], weightAt(w, i), cfg)
	}
	return finish(acc, norm)
}

func accumulate(acc, norm, d, w float64, cfg SearchConfig) (float64, float64) {
	switch cfg.ErrorMethod {
	case MAE:
		acc += w * math.Abs(d)
	case LP:
		p := cfg.P
		if p == 0 {
			p = 2
		}
		acc += w * math.Pow(math.Abs(d), p)
	default:
		acc += w * d * d
	}
	return acc, norm + w
}

func finish(acc, norm float64) float64 {
	if norm == 0 {
		return 0
	}
	return acc / norm
}

func weightAt(w []float64, i int) float64 {
	if w == nil {
		return 1
	}
	return w[i]
}

func flatten(channels, weights [][]float64) ([]float64, []float64) {
	vals := slices.Concat(channels...)
	if weights == nil {
		return vals, nil
	}
	return vals, slices.Concat(weights...)
}

// searchLUT normalizes each channel by its threshold, clusters the normalized
// values on the integer grid of the LUT entries and keeps the per-channel
// thresholds as scales.
func searchLUT(channels [][]float64, cfg SearchConfig) Params {
	lutBits := cfg.lutBits()
	levels := math.Exp2(float64(lutBits - 1))
	scales := make([]float64, len(channels))
	norm := make([][]float64, len(channels))
	for c, vals := range channels {
		lo, hi := minMax(vals)
		t := math.Max(math.Abs(lo), math.Abs(hi))
		if cfg.Method == LUTPowerOfTwo {
			t = PowerOfTwoCeil(t)
		} else if t == 0 {
			t = 1
		}
		scales[c] = t
		norm[c] = make([]float64, len(vals))
		for i, v := range vals {
			norm[c][i] = v / t * levels
		}
	}
	vals, w := flatten(norm, cfg.Weights)
	centers := kmeans1D(vals, w, 1<<cfg.NBits)
	lo, hi := IntRange(lutBits, cfg.Signed)
	for i, c := range centers {
		centers[i] = clip(math.Round(c), lo, hi)
	}
	centers = slices.Compact(centers)
	return Params{ClusterCenters: centers, ScalePerChannel: scales}
}
