package gptq

import (
	"math"

	"github.com/samcharles93/ptq/internal/tensor"
	"github.com/samcharles93/ptq/pkg/quant"
)

// MultipleTensorsMSE sums the per-tensor mean squared errors weighted by
// weights.
func MultipleTensorsMSE(q, f []*tensor.Tensor, weights []float64) (float64, []*tensor.Tensor) {
	var loss float64
	grads := make([]*tensor.Tensor, len(q))
	for i := range q {
		w := weights[i]
		g := tensor.New(q[i].Shape...)
		n := float64(max(q[i].Size(), 1))
		var se float64
		for j, v := range q[i].Data {
			d := v - f[i].Data[j]
			se += d * d
			g.Data[j] = 2 * w * d / n
		}
		loss += w * se / n
		grads[i] = g
	}
	return loss, grads
}

const (
	betaStart  = 20.0
	betaEnd    = 2.0
	warmupFrac = 0.2
)

// regularizationBeta is the exponent of the soft-rounding regularizer: flat
// at 20 for the warm-up fraction of training, then linear down to 2.
func regularizationBeta(step, total int) float64 {
	if total <= 0 {
		return betaEnd
	}
	warm := int(warmupFrac * float64(total))
	if step < warm {
		return betaStart
	}
	t := float64(step-warm) / float64(max(total-warm, 1))
	return betaStart + min(t, 1)*(betaEnd-betaStart)
}

// softRoundRegularization returns factor * sum over kernels of
// mean(1 - |2h(V)-1|^beta) and adds its gradient to each kernel's V gradient.
func softRoundRegularization(kernels []*softKernel, beta, factor float64) float64 {
	if factor == 0 {
		return 0
	}
	var reg float64
	for _, k := range kernels {
		n := float64(max(len(k.v.Value), 1))
		var sum float64
		for i, v := range k.v.Value {
			h := quant.RectifiedSigmoid(v)
			d := 2*h - 1
			a := math.Abs(d)
			sum += 1 - math.Pow(a, beta)
			if a == 0 {
				continue
			}
			sign := 1.0
			if d < 0 {
				sign = -1
			}
			dh := -beta * math.Pow(a, beta-1) * sign * 2
			k.v.Grad[i] += factor * dh * quant.RectifiedSigmoidGrad(v) / n
		}
		reg += sum / n
	}
	return factor * reg
}
