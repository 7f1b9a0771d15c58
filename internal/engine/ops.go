package engine

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/ptq/internal/framework"
	"github.com/samcharles93/ptq/internal/graph"
	"github.com/samcharles93/ptq/internal/substitute"
	"github.com/samcharles93/ptq/internal/tensor"
)

// opState carries what the backward pass of one node needs.
type opState struct {
	cols  *tensor.Tensor // conv im2col matrix
	geom  convGeom
	scale []float64 // batchnorm scale
}

func forwardOp(n *graph.Node, in []*tensor.Tensor, w map[string]*tensor.Tensor) (*tensor.Tensor, *opState, error) {
	st := &opState{}
	switch n.Kind {
	case framework.Input, framework.Identity:
		return in[0], st, nil

	case framework.Dense:
		k := w[framework.KernelAttr]
		y, err := denseForward(in[0], k)
		if err != nil {
			return nil, nil, fmt.Errorf("node %s: %w", n.Name, err)
		}
		addBias(y, w[framework.BiasAttr])
		return y, st, nil

	case framework.Conv2D:
		g, err := newConvGeom(in[0].Shape, w[framework.KernelAttr].Shape,
			int(n.Attr(framework.StrideKey, 1)), n.Attr(framework.PaddingKey, 0) != 0)
		if err != nil {
			return nil, nil, fmt.Errorf("node %s: %w", n.Name, err)
		}
		st.geom = g
		st.cols = im2col(in[0], g)
		y := tensor.New(g.n, g.oh, g.ow, g.cout)
		matmul(y.Data, st.cols.Data, w[framework.KernelAttr].Data, g.rows(), g.patch(), g.cout, false, false)
		addBias(y, w[framework.BiasAttr])
		return y, st, nil

	case framework.BatchNorm:
		scale, shift, err := substitute.BatchNormScale(n)
		if err != nil {
			return nil, nil, err
		}
		x := in[0]
		c := len(scale)
		if x.Shape[x.Rank()-1] != c {
			return nil, nil, fmt.Errorf("node %s: %d channels, input has %d", n.Name, c, x.Shape[x.Rank()-1])
		}
		y := tensor.New(x.Shape...)
		for i, v := range x.Data {
			y.Data[i] = v*scale[i%c] + shift[i%c]
		}
		st.scale = scale
		return y, st, nil

	case framework.ReLU:
		hi := n.Attr(framework.MaxValueKey, math.Inf(1))
		y := tensor.New(in[0].Shape...)
		for i, v := range in[0].Data {
			y.Data[i] = math.Min(math.Max(v, 0), hi)
		}
		return y, st, nil

	case framework.Sigmoid:
		y := tensor.New(in[0].Shape...)
		for i, v := range in[0].Data {
			y.Data[i] = tensor.Sigmoid(v)
		}
		return y, st, nil

	case framework.Add:
		y := in[0].Clone()
		for _, o := range in[1:] {
			if !o.SameShape(y) {
				return nil, nil, fmt.Errorf("node %s: add shape mismatch %v vs %v", n.Name, y.Shape, o.Shape)
			}
			tensor.AddInPlace(y, o)
		}
		return y, st, nil

	case framework.Flatten:
		x := in[0]
		return x.Reshape(x.Batch(), x.Size()/x.Batch()), st, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, n.Kind)
}

// backwardOp returns the gradients w.r.t. the node inputs and, for kernel
// operators, w.r.t. its weights.
func backwardOp(n *graph.Node, in []*tensor.Tensor, out, dy *tensor.Tensor, w map[string]*tensor.Tensor, st *opState) ([]*tensor.Tensor, map[string]*tensor.Tensor) {
	switch n.Kind {
	case framework.Input:
		return nil, nil

	case framework.Identity:
		return []*tensor.Tensor{dy}, nil

	case framework.Dense:
		x, k := in[0], w[framework.KernelAttr]
		inDim, outDim := k.Shape[0], k.Shape[1]
		rows := x.Size() / inDim
		dx := tensor.New(x.Shape...)
		matmul(dx.Data, dy.Data, k.Data, rows, outDim, inDim, false, true)
		dk := tensor.New(k.Shape...)
		matmul(dk.Data, x.Data, dy.Data, inDim, rows, outDim, true, false)
		grads := map[string]*tensor.Tensor{framework.KernelAttr: dk}
		if b := w[framework.BiasAttr]; b != nil {
			grads[framework.BiasAttr] = biasGrad(dy, outDim)
		}
		return []*tensor.Tensor{dx}, grads

	case framework.Conv2D:
		g, k := st.geom, w[framework.KernelAttr]
		dcols := tensor.New(st.cols.Shape...)
		matmul(dcols.Data, dy.Data, k.Data, g.rows(), g.cout, g.patch(), false, true)
		dk := tensor.New(k.Shape...)
		matmul(dk.Data, st.cols.Data, dy.Data, g.patch(), g.rows(), g.cout, true, false)
		grads := map[string]*tensor.Tensor{framework.KernelAttr: dk}
		if b := w[framework.BiasAttr]; b != nil {
			grads[framework.BiasAttr] = biasGrad(dy, g.cout)
		}
		return []*tensor.Tensor{col2im(dcols, g)}, grads

	case framework.BatchNorm:
		c := len(st.scale)
		dx := tensor.New(dy.Shape...)
		for i, v := range dy.Data {
			dx.Data[i] = v * st.scale[i%c]
		}
		return []*tensor.Tensor{dx}, nil

	case framework.ReLU:
		hi := n.Attr(framework.MaxValueKey, math.Inf(1))
		dx := tensor.New(dy.Shape...)
		for i, v := range in[0].Data {
			if v > 0 && v < hi {
				dx.Data[i] = dy.Data[i]
			}
		}
		return []*tensor.Tensor{dx}, nil

	case framework.Sigmoid:
		dx := tensor.New(dy.Shape...)
		for i, y := range out.Data {
			dx.Data[i] = dy.Data[i] * y * (1 - y)
		}
		return []*tensor.Tensor{dx}, nil

	case framework.Add:
		grads := make([]*tensor.Tensor, len(in))
		for i := range in {
			grads[i] = dy
		}
		return grads, nil

	case framework.Flatten:
		return []*tensor.Tensor{dy.Reshape(in[0].Shape...)}, nil
	}
	return nil, nil
}

func denseForward(x, k *tensor.Tensor) (*tensor.Tensor, error) {
	if k == nil || k.Rank() != 2 {
		return nil, fmt.Errorf("%w: dense kernel must be [in, out]", ErrShape)
	}
	inDim, outDim := k.Shape[0], k.Shape[1]
	if x.Shape[x.Rank()-1] != inDim {
		return nil, fmt.Errorf("%w: dense input %v against kernel %v", ErrShape, x.Shape, k.Shape)
	}
	shape := slices.Clone(x.Shape)
	shape[len(shape)-1] = outDim
	y := tensor.New(shape...)
	matmul(y.Data, x.Data, k.Data, x.Size()/inDim, inDim, outDim, false, false)
	return y, nil
}

// matmul computes dst = op(a) * op(b) for row-major buffers, where op
// transposes when requested. m and n are the result dimensions and k the
// shared one.
func matmul(dst, a, b []float64, m, k, n int, transA, transB bool) {
	if m == 0 || n == 0 || k == 0 {
		clear(dst)
		return
	}
	var am, bm mat.Matrix
	if transA {
		am = mat.NewDense(k, m, a).T()
	} else {
		am = mat.NewDense(m, k, a)
	}
	if transB {
		bm = mat.NewDense(n, k, b).T()
	} else {
		bm = mat.NewDense(k, n, b)
	}
	mat.NewDense(m, n, dst).Mul(am, bm)
}

func addBias(y, b *tensor.Tensor) {
	if b == nil {
		return
	}
	c := b.Size()
	for i := range y.Data {
		y.Data[i] += b.Data[i%c]
	}
}

func biasGrad(dy *tensor.Tensor, c int) *tensor.Tensor {
	db := tensor.New(c)
	for i, v := range dy.Data {
		db.Data[i%c] += v
	}
	return db
}
