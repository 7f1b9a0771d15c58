package engine

import (
	"fmt"

	"github.com/samcharles93/ptq/internal/tensor"
)

// convGeom describes an NHWC convolution with a [kh, kw, cin, cout] kernel.
type convGeom struct {
	n, h, w, cin    int
	kh, kw, cout    int
	stride          int
	oh, ow          int
	padTop, padLeft int
}

func newConvGeom(x, k []int, stride int, same bool) (convGeom, error) {
	if len(x) != 4 || len(k) != 4 {
		return convGeom{}, fmt.Errorf("%w: conv2d wants NHWC input and 4-d kernel, got %v and %v", ErrShape, x, k)
	}
	if x[3] != k[2] {
		return convGeom{}, fmt.Errorf("%w: conv2d input channels %d, kernel expects %d", ErrShape, x[3], k[2])
	}
	if stride < 1 {
		stride = 1
	}
	g := convGeom{n: x[0], h: x[1], w: x[2], cin: x[3], kh: k[0], kw: k[1], cout: k[3], stride: stride}
	if same {
		g.oh = (g.h + stride - 1) / stride
		g.ow = (g.w + stride - 1) / stride
		padH := max((g.oh-1)*stride+g.kh-g.h, 0)
		padW := max((g.ow-1)*stride+g.kw-g.w, 0)
		g.padTop, g.padLeft = padH/2, padW/2
	} else {
		g.oh = (g.h-g.kh)/stride + 1
		g.ow = (g.w-g.kw)/stride + 1
	}
	if g.oh <= 0 || g.ow <= 0 {
		return convGeom{}, fmt.Errorf("%w: conv2d kernel %v larger than input %v", ErrShape, k, x)
	}
	return g, nil
}

func (g convGeom) rows() int  { return g.n * g.oh * g.ow }
func (g convGeom) patch() int { return g.kh * g.kw * g.cin }

// ConvOutputShape returns the per-sample output shape of a convolution.
func ConvOutputShape(in, kernel []int, stride int, same bool) ([]int, error) {
	g, err := newConvGeom(append([]int{1}, in...), kernel, stride, same)
	if err != nil {
		return nil, err
	}
	return []int{g.oh, g.ow, g.cout}, nil
}

// im2col lays every receptive field out as one row so the convolution
// becomes a single matrix product with the reshaped kernel.
func im2col(x *tensor.Tensor, g convGeom) *tensor.Tensor {
	cols := tensor.New(g.rows(), g.patch())
	r := 0
	for b := range g.n {
		for oy := range g.oh {
			for ox := range g.ow {
				row := cols.Data[r*g.patch() : (r+1)*g.patch()]
				for ky := range g.kh {
					iy := oy*g.stride + ky - g.padTop
					if iy < 0 || iy >= g.h {
						continue
					}
					for kx := range g.kw {
						ix := ox*g.stride + kx - g.padLeft
						if ix < 0 || ix >= g.w {
							continue
						}
						src := ((b*g.h+iy)*g.w + ix) * g.cin
						copy(row[(ky*g.kw+kx)*g.cin:], x.Data[src:src+g.cin])
					}
				}
				r++
			}
		}
	}
	return cols
}

// col2im scatters column gradients back onto the input layout.
func col2im(cols *tensor.Tensor, g convGeom) *tensor.Tensor {
	dx := tensor.New(g.n, g.h, g.w, g.cin)
	r := 0
	for b := range g.n {
		for oy := range g.oh {
			for ox := range g.ow {
				row := cols.Data[r*g.patch() : (r+1)*g.patch()]
				for ky := range g.kh {
					iy := oy*g.stride + ky - g.padTop
					if iy < 0 || iy >= g.h {
						continue
					}
					for kx := range g.kw {
						ix := ox*g.stride + kx - g.padLeft
						if ix < 0 || ix >= g.w {
							continue
						}
						dst := ((b*g.h+iy)*g.w + ix) * g.cin
						src := row[(ky*g.kw+kx)*g.cin:]
						for c := range g.cin {
							dx.Data[dst+c] += src[c]
						}
					}
				}
				r++
			}
		}
	}
	return dx
}
