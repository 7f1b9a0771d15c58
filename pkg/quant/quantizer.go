package quant

import (
	"fmt"
	"math"
)

// Spec describes how one tensor (or one channel of it) is quantized.
type Spec struct {
	Method  Method
	NBits   int
	Signed  bool
	LUTBits int // bit width of LUT entries; 8 when zero
}

func (s Spec) validate() error {
	if s.NBits < 1 || s.NBits > 32 {
		return fmt.Errorf("%w: %d", ErrInvalidBits, s.NBits)
	}
	if s.Method.IsLUT() && s.lutBits() < s.NBits {
		return fmt.Errorf("%w: lut values bitwidth %d below %d", ErrInvalidBits, s.lutBits(), s.NBits)
	}
	return nil
}

func (s Spec) lutBits() int {
	if s.LUTBits == 0 {
		return 8
	}
	return s.LUTBits
}

// Delta returns the step size of a symmetric grid with the given threshold.
func Delta(threshold float64, nbits int, signed bool) float64 {
	if signed {
		return threshold / math.Exp2(float64(nbits-1))
	}
	return threshold / math.Exp2(float64(nbits))
}

// IntRange returns the smallest and largest integer levels of a grid.
func IntRange(nbits int, signed bool) (lo, hi float64) {
	if signed {
		return -math.Exp2(float64(nbits - 1)), math.Exp2(float64(nbits-1)) - 1
	}
	return 0, math.Exp2(float64(nbits)) - 1
}

// IsPowerOfTwo reports whether v is an exact (possibly negative) power of two.
func IsPowerOfTwo(v float64) bool {
	if v <= 0 {
		return false
	}
	frac, _ := math.Frexp(v)
	return frac == 0.5
}

// PowerOfTwoCeil returns the smallest power of two that is at least v.
func PowerOfTwoCeil(v float64) float64 {
	if v <= 0 {
		return 1
	}
	return math.Exp2(math.Ceil(math.Log2(v)))
}

// QuantizeSymmetric fake-quantizes x onto a symmetric grid.
func QuantizeSymmetric(x, threshold float64, nbits int, signed bool) float64 {
	d := Delta(threshold, nbits, signed)
	if d == 0 {
		return 0
	}
	lo, hi := IntRange(nbits, signed)
	return clip(math.RoundToEven(x/d), lo, hi) * d
}

// QuantizeUniform fake-quantizes x onto an affine grid spanning [a, b].
func QuantizeUniform(x, a, b float64, nbits int) float64 {
	levels := math.Exp2(float64(nbits)) - 1
	d := (b - a) / levels
	if d == 0 {
		return a
	}
	return math.RoundToEven((clip(x, a, b)-a)/d)*d + a
}

// QuantizeLUT maps x to the nearest cluster center.
func QuantizeLUT(x float64, centers []float64) float64 {
	return centers[nearest(centers, x)]
}

// FixRange widens [a, b] to contain zero and aligns it so zero is exactly
// representable on the nbits grid.
func FixRange(a, b float64, nbits int) (float64, float64) {
	a = math.Min(a, 0)
	b = math.Max(b, 0)
	levels := math.Exp2(float64(nbits)) - 1
	if b-a == 0 {
		return a, b
	}
	scale := (b - a) / levels
	zp := math.Round(-a / scale)
	a = -zp * scale
	return a, a + scale*levels
}

// Quantizer quantizes scalars of one channel.
type Quantizer struct {
	spec    Spec
	lo, hi  float64 // representable range, used for straight-through masks
	scale   float64
	centers []float64
}

// NewQuantizer builds the quantizer for channel ch of a tensor quantized with
// params p. Per-tensor params are broadcast to every channel.
func NewQuantizer(s Spec, p Params, ch int) (*Quantizer, error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	q := &Quantizer{spec: s}
	switch s.Method {
	case PowerOfTwo, Symmetric:
		t, ok := p.At(Threshold, ch)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingParam, Threshold)
		}
		if s.Method == PowerOfTwo && !IsPowerOfTwo(t) {
			return nil, fmt.Errorf("%w: %g", ErrNotPowerOfTwo, t)
		}
		q.scale = t
		lo, hi := IntRange(s.NBits, s.Signed)
		d := Delta(t, s.NBits, s.Signed)
		q.lo, q.hi = lo*d, hi*d
	case Uniform:
		a, okA := p.At(RangeMin, ch)
		b, okB := p.At(RangeMax, ch)
		if !okA || !okB {
			return nil, fmt.Errorf("%w: %s/%s", ErrMissingParam, RangeMin, RangeMax)
		}
		q.lo, q.hi = a, b
	case KMeans:
		if !p.Has(ClusterCenters) {
			return nil, fmt.Errorf("%w: %s", ErrMissingParam, ClusterCenters)
		}
		q.centers = p[ClusterCenters]
		q.lo, q.hi = minMax(q.centers)
	case LUTPowerOfTwo, LUTSymmetric:
		t, ok := p.At(ScalePerChannel, ch)
		if !ok || !p.Has(ClusterCenters) {
			return nil, fmt.Errorf("%w: %s/%s", ErrMissingParam, ClusterCenters, ScalePerChannel)
		}
		q.scale = t / math.Exp2(float64(s.lutBits()-1))
		q.centers = p[ClusterCenters]
		lo, hi := minMax(q.centers)
		q.lo, q.hi = lo*q.scale, hi*q.scale
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownMethod, s.Method)
	}
	return q, nil
}

// Quantize returns the fake-quantized value of x.
func (q *Quantizer) Quantize(x float64) float64 {
	switch q.spec.Method {
	case PowerOfTwo, Symmetric:
		return QuantizeSymmetric(x, q.scale, q.spec.NBits, q.spec.Signed)
	case Uniform:
		return QuantizeUniform(x, q.lo, q.hi, q.spec.NBits)
	case KMeans:
		return QuantizeLUT(x, q.centers)
	case LUTPowerOfTwo, LUTSymmetric:
		if q.scale == 0 {
			return 0
		}
		return QuantizeLUT(x/q.scale, q.centers) * q.scale
	}
	panic("quant: unreachable method")
}

// InRange reports whether x lies inside the representable range, i.e. whether
// a straight-through estimator passes its gradient.
func (q *Quantizer) InRange(x float64) bool {
	return x >= q.lo && x <= q.hi
}

// Range returns the representable interval.
func (q *Quantizer) Range() (lo, hi float64) { return q.lo, q.hi }

// FakeQuantize quantizes each channel with its own quantizer and returns new
// slices. channels holds a single slice for per-tensor quantization.
func FakeQuantize(s Spec, p Params, channels [][]float64) ([][]float64, error) {
	out := make([][]float64, len(channels))
	for c, vals := range channels {
		q, err := NewQuantizer(s, p, c)
		if err != nil {
			return nil, err
		}
		out[c] = make([]float64, len(vals))
		for i, v := range vals {
			out[c][i] = q.Quantize(v)
		}
	}
	return out, nil
}

func clip(x, lo, hi float64) float64 {
	return math.Min(math.Max(x, lo), hi)
}

func minMax(v []float64) (lo, hi float64) {
	if len(v) == 0 {
		return 0, 0
	}
	lo, hi = v[0], v[0]
	for _, x := range v[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}
