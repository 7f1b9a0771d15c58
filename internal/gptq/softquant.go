package gptq

import (
	"fmt"
	"math"
	"slices"

	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/tensor"
	"github.com/samcharles93/ptq/pkg/quant"
)

// trainableMethod reports whether a kernel quantized with m can be fine-tuned
// by soft rounding.
func trainableMethod(m quant.Method) bool {
	return m == quant.PowerOfTwo || m == quant.Symmetric || m == quant.Uniform
}

// softKernel soft-rounds one quantized kernel. Each element is
// clip(floor(w/delta) + h(V), lo, hi) * delta + offset, with the integer part
// fixed at construction and h the rectified sigmoid of the trainable V.
type softKernel struct {
	node  *graph.Node
	attr  string
	ac    *graph.AttrConfig
	shape []int

	base   []float64
	ch     []int
	deltas []float64
	offset []float64
	lo, hi float64

	v *Param
	// logT holds per-channel log-thresholds of trainable symmetric kernels.
	logT *Param
}

func newSoftKernel(n *graph.Node, attr string, ac *graph.AttrConfig, trainThreshold bool) (*softKernel, error) {
	w := n.Weight(attr)
	if w == nil {
		return nil, fmt.Errorf("gptq: node %s has no %s weight", n.Name, attr)
	}
	nch, stride := 1, w.Size()
	if ac.PerChannel {
		axis, err := tensor.NormalizeAxis(ac.ChannelAxis, w.Rank())
		if err != nil {
			return nil, err
		}
		nch, stride = tensor.ChannelStride(w.Shape, axis)
	}
	k := &softKernel{
		node:   n,
		attr:   attr,
		ac:     ac,
		shape:  w.Shape,
		base:   make([]float64, w.Size()),
		ch:     make([]int, w.Size()),
		deltas: make([]float64, nch),
		offset: make([]float64, nch),
	}

	var thresholds []float64
	switch ac.Method {
	case quant.PowerOfTwo, quant.Symmetric:
		k.lo, k.hi = quant.IntRange(ac.NBits, true)
		thresholds = make([]float64, nch)
		for c := range nch {
			t, ok := ac.Params.At(quant.Threshold, c)
			if !ok {
				return nil, fmt.Errorf("gptq: node %s: %w: %s", n.Name, quant.ErrMissingParam, quant.Threshold)
			}
			thresholds[c] = t
			k.deltas[c] = quant.Delta(t, ac.NBits, true)
		}
	case quant.Uniform:
		k.lo, k.hi = 0, math.Exp2(float64(ac.NBits))-1
		for c := range nch {
			a, okA := ac.Params.At(quant.RangeMin, c)
			b, okB := ac.Params.At(quant.RangeMax, c)
			if !okA || !okB {
				return nil, fmt.Errorf("gptq: node %s: %w: %s/%s", n.Name, quant.ErrMissingParam, quant.RangeMin, quant.RangeMax)
			}
			k.offset[c] = a
			k.deltas[c] = (b - a) / k.hi
		}
	default:
		return nil, fmt.Errorf("gptq: node %s: method %v is not trainable", n.Name, ac.Method)
	}

	v := make([]float64, w.Size())
	for i, x := range w.Data {
		c := 0
		if ac.PerChannel {
			c = (i / stride) % nch
		}
		k.ch[i] = c
		d := k.deltas[c]
		if d == 0 {
			continue
		}
		if ac.Method == quant.Uniform {
			a := k.offset[c]
			x = min(max(x, a), a+d*k.hi) - a
		}
		k.base[i] = math.Floor(x / d)
		v[i] = quant.InitSoftRound(x, d)
	}
	k.v = newParam(n.Name+"/"+attr+"/aux", v)

	if trainThreshold && ac.Method == quant.Symmetric && !slices.ContainsFunc(thresholds, func(t float64) bool { return t <= 0 }) {
		logT := make([]float64, nch)
		for c, t := range thresholds {
			logT[c] = math.Log(t)
		}
		k.logT = newParam(n.Name+"/"+attr+"/log_threshold", logT)
	}
	return k, nil
}

func (k *softKernel) delta(c int) float64 {
	if k.logT != nil {
		return quant.Delta(math.Exp(k.logT.Value[c]), k.ac.NBits, true)
	}
	return k.deltas[c]
}

func (k *softKernel) level(i int, hard bool) float64 {
	h := quant.RectifiedSigmoid(k.v.Value[i])
	if hard {
		h = 0
		if quant.RectifiedSigmoid(k.v.Value[i]) >= 0.5 {
			h = 1
		}
	}
	return min(max(k.base[i]+h, k.lo), k.hi)
}

// weights returns the soft-rounded kernel, or the hard-rounded one.
func (k *softKernel) weights(hard bool) *tensor.Tensor {
	out := tensor.New(k.shape...)
	for i := range out.Data {
		c := k.ch[i]
		out.Data[i] = k.level(i, hard)*k.delta(c) + k.offset[c]
	}
	return out
}

// backward chains the gradient w.r.t. the soft-rounded kernel into the
// auxiliary variables and log-thresholds.
func (k *softKernel) backward(dw *tensor.Tensor) {
	if dw == nil {
		return
	}
	for i, g := range dw.Data {
		c := k.ch[i]
		d := k.delta(c)
		x := k.base[i] + quant.RectifiedSigmoid(k.v.Value[i])
		if x > k.lo && x < k.hi {
			k.v.Grad[i] += g * d * quant.RectifiedSigmoidGrad(k.v.Value[i])
		}
		if k.logT != nil {
			k.logT.Grad[c] += g * min(max(x, k.lo), k.hi) * d
		}
	}
}

// params returns the trainable vectors of the kernel.
func (k *softKernel) params() []*Param {
	if k.logT != nil {
		return []*Param{k.v, k.logT}
	}
	return []*Param{k.v}
}

// finalize writes the hard-rounded kernel and any trained thresholds back to
// the node.
func (k *softKernel) finalize() {
	k.node.Weights[k.attr] = k.weights(true)
	if k.logT == nil {
		return
	}
	t := make([]float64, len(k.logT.Value))
	for c, l := range k.logT.Value {
		t[c] = math.Exp(l)
	}
	k.ac.Params[quant.Threshold] = t
}
