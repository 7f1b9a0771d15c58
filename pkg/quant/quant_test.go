package quant

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParseMethod(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Method
	}{
		{"pot", PowerOfTwo},
		{"power_of_two", PowerOfTwo},
		{"SYMMETRIC", Symmetric},
		{"uniform", Uniform},
		{"kmeans", KMeans},
		{"lut_pot", LUTPowerOfTwo},
		{"lut_symmetric", LUTSymmetric},
	}
	for _, tt := range tests {
		got, err := ParseMethod(tt.in)
		if err != nil {
			t.Fatalf("ParseMethod(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseMethod(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseMethod("ternary"); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("expected ErrUnknownMethod, got %v", err)
	}
}

func TestParseErrorMethod(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"mse", "MAE", "lp", "hmse", "no_clipping"} {
		if _, err := ParseErrorMethod(s); err != nil {
			t.Fatalf("ParseErrorMethod(%q): %v", s, err)
		}
	}
	if _, err := ParseErrorMethod("kl"); !errors.Is(err, ErrUnknownErrorMethod) {
		t.Fatalf("expected ErrUnknownErrorMethod, got %v", err)
	}
}

func TestQuantizeSymmetric(t *testing.T) {
	t.Parallel()

	// 8-bit signed, threshold 1: delta = 1/128, range [-1, 127/128].
	if got := QuantizeSymmetric(0.5, 1, 8, true); got != 0.5 {
		t.Fatalf("QuantizeSymmetric(0.5) = %v", got)
	}
	if got := QuantizeSymmetric(5, 1, 8, true); got != 127.0/128 {
		t.Fatalf("clip high = %v", got)
	}
	if got := QuantizeSymmetric(-5, 1, 8, true); got != -1 {
		t.Fatalf("clip low = %v", got)
	}
	if got := QuantizeSymmetric(-0.5, 1, 8, false); got != 0 {
		t.Fatalf("unsigned negative = %v", got)
	}
}

func TestFixRangeIncludesZero(t *testing.T) {
	t.Parallel()

	a, b := FixRange(0.5, 3, 8)
	if a != 0 {
		t.Fatalf("range min = %v, want 0", a)
	}
	if b < 3-1e-9 {
		t.Fatalf("range max = %v, want >= 3", b)
	}
	a, b = FixRange(-1, 3, 4)
	scale := (b - a) / 15
	zp := -a / scale
	if math.Abs(zp-math.Round(zp)) > 1e-9 {
		t.Fatalf("zero point %v not on grid", zp)
	}
}

func TestSearchPowerOfTwoNoClipping(t *testing.T) {
	t.Parallel()

	p, err := Search(context.Background(), [][]float64{{-0.3, 0.7, 0.2}, {3, -1}}, SearchConfig{
		Spec:        Spec{Method: PowerOfTwo, NBits: 8, Signed: true},
		ErrorMethod: NoClipping,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := Params{Threshold: {1, 4}}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Fatalf("params mismatch (-want +got):\n%s", diff)
	}
	for _, th := range p[Threshold] {
		if !IsPowerOfTwo(th) {
			t.Fatalf("threshold %v is not a power of two", th)
		}
	}
}

func TestSearchMSEClipsOutlier(t *testing.T) {
	t.Parallel()

	vals := make([]float64, 0, 1001)
	for i := range 1000 {
		vals = append(vals, float64(i%21-10)/10)
	}
	vals = append(vals, 5)
	p, err := Search(context.Background(), [][]float64{vals}, SearchConfig{
		Spec:        Spec{Method: Symmetric, NBits: 4, Signed: true},
		ErrorMethod: MSE,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if th := p[Threshold][0]; th >= 5 {
		t.Fatalf("threshold %v not clipped below outlier", th)
	}
}

func TestSearchHMSERequiresWeights(t *testing.T) {
	t.Parallel()

	_, err := Search(context.Background(), [][]float64{{1, 2}}, SearchConfig{
		Spec:        Spec{Method: Symmetric, NBits: 8, Signed: true},
		ErrorMethod: HMSE,
	})
	if !errors.Is(err, ErrMissingWeights) {
		t.Fatalf("expected ErrMissingWeights, got %v", err)
	}
}

func TestSearchUniformPopulatesRange(t *testing.T) {
	t.Parallel()

	p, err := Search(context.Background(), [][]float64{{-1, 0, 2, 3}}, SearchConfig{
		Spec:        Spec{Method: Uniform, NBits: 8},
		ErrorMethod: MSE,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !p.Has(RangeMin) || !p.Has(RangeMax) {
		t.Fatalf("missing range params: %v", p)
	}
	if p[RangeMin][0] > 0 || p[RangeMax][0] < 0 {
		t.Fatalf("range %v does not contain zero", p)
	}
}

func TestSearchKMeans(t *testing.T) {
	t.Parallel()

	vals := []float64{-1, -1.01, -0.99, 1, 1.02, 0.98}
	p, err := Search(context.Background(), [][]float64{vals}, SearchConfig{
		Spec: Spec{Method: KMeans, NBits: 1},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []float64{-1, 1}
	if diff := cmp.Diff(want, p[ClusterCenters], cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Fatalf("centers mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchLUTAndQuantize(t *testing.T) {
	t.Parallel()

	chans := [][]float64{{-0.5, 0.25, 0.5}, {-2, 1, 2}}
	s := Spec{Method: LUTPowerOfTwo, NBits: 2, Signed: true, LUTBits: 8}
	p, err := Search(context.Background(), chans, SearchConfig{Spec: s})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(p[ScalePerChannel]) != 2 {
		t.Fatalf("scales = %v, want 2", p[ScalePerChannel])
	}
	if len(p[ClusterCenters]) > 4 {
		t.Fatalf("too many centers: %v", p[ClusterCenters])
	}
	out, err := FakeQuantize(s, p, chans)
	if err != nil {
		t.Fatalf("FakeQuantize: %v", err)
	}
	for c := range chans {
		for i := range chans[c] {
			if math.Abs(out[c][i]-chans[c][i]) > 0.05*math.Abs(chans[c][i])+1e-9 {
				t.Fatalf("channel %d value %v quantized to %v", c, chans[c][i], out[c][i])
			}
		}
	}
}

func TestNewQuantizerRejectsNonPowerOfTwo(t *testing.T) {
	t.Parallel()

	_, err := NewQuantizer(Spec{Method: PowerOfTwo, NBits: 8, Signed: true}, Params{Threshold: {0.7}}, 0)
	if !errors.Is(err, ErrNotPowerOfTwo) {
		t.Fatalf("expected ErrNotPowerOfTwo, got %v", err)
	}
	_, err = NewQuantizer(Spec{Method: Uniform, NBits: 8}, Params{}, 0)
	if !errors.Is(err, ErrMissingParam) {
		t.Fatalf("expected ErrMissingParam, got %v", err)
	}
}

func TestSoftRoundInit(t *testing.T) {
	t.Parallel()

	for _, w := range []float64{0.13, 0.5, 0.87, -0.3} {
		v := InitSoftRound(w, 1)
		frac := w - math.Floor(w)
		if got := RectifiedSigmoid(v); math.Abs(got-frac) > 1e-4 {
			t.Fatalf("h(V) = %v, want %v", got, frac)
		}
	}
	if g := RectifiedSigmoidGrad(50); g != 0 {
		t.Fatalf("grad in clipped region = %v", g)
	}
}

func TestParamsClone(t *testing.T) {
	t.Parallel()

	p := Params{Threshold: {1, 2}}
	c := p.Clone()
	c[Threshold][0] = 9
	if p[Threshold][0] != 1 {
		t.Fatalf("clone aliases source")
	}
	if v, ok := p.At(Threshold, 1); !ok || v != 2 {
		t.Fatalf("At(1) = %v %v", v, ok)
	}
	if v, ok := (Params{Threshold: {3}}).At(Threshold, 5); !ok || v != 3 {
		t.Fatalf("per-tensor broadcast = %v %v", v, ok)
	}
}
