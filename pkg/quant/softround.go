package quant

import "math"

// Stretch parameters of the rectified sigmoid used for soft rounding.
const (
	SoftRoundZeta  = 1.1
	SoftRoundGamma = -0.1
)

// RectifiedSigmoid maps an auxiliary variable to a rounding decision in
// [0, 1]: clip(sigmoid(v)*(zeta-gamma)+gamma, 0, 1).
func RectifiedSigmoid(v float64) float64 {
	s := 1 / (1 + math.Exp(-v))
	return clip(s*(SoftRoundZeta-SoftRoundGamma)+SoftRoundGamma, 0, 1)
}

// RectifiedSigmoidGrad returns d RectifiedSigmoid / dv. The gradient is zero
// where the output is clipped.
func RectifiedSigmoidGrad(v float64) float64 {
	s := 1 / (1 + math.Exp(-v))
	h := s*(SoftRoundZeta-SoftRoundGamma) + SoftRoundGamma
	if h <= 0 || h >= 1 {
		return 0
	}
	return s * (1 - s) * (SoftRoundZeta - SoftRoundGamma)
}

// InitSoftRound returns the auxiliary variable whose rectified sigmoid equals
// the fractional part of w/delta, so soft rounding starts at the float value.
func InitSoftRound(w, delta float64) float64 {
	if delta == 0 {
		return 0
	}
	x := w / delta
	frac := x - math.Floor(x)
	r := (frac - SoftRoundGamma) / (SoftRoundZeta - SoftRoundGamma)
	r = clip(r, 1e-6, 1-1e-6)
	return math.Log(r / (1 - r))
}
