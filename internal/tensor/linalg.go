package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// MatMulT computes x @ wᵀ for x shaped (..., in) and w shaped (out, in),
// returning (..., out). This is the layout of every projection weight in a
// llama checkpoint.
func MatMulT(ctx *Context, x, w *Tensor) *Tensor {
	if w.Rank() != 2 {
		panic(fmt.Sprintf("tensor: MatMulT weight must be 2-D, got %v", w.shape))
	}
	in := w.shape[1]
	outDim := w.shape[0]
	if x.Rank() == 0 || x.Dim(-1) != in {
		panic(fmt.Sprintf("tensor: MatMulT shape mismatch %v x %vᵀ", x.shape, w.shape))
	}
	rows := len(x.data) / in

	shape := cloneShape(x.shape)
	shape[len(shape)-1] = outDim
	out := New(shape...)

	xm := general(rows, in, x.data)
	wm := general(outDim, in, w.data)
	om := general(rows, outDim, out.data)
	if rows > 0 && outDim > 0 {
		blas32.Gemm(blas.NoTrans, blas.Trans, 1, xm, wm, 0, om)
	}

	return ctx.track(out, func(g []float32) {
		gm := general(rows, outDim, g)
		if x.requiresGrad {
			gx := general(rows, in, x.gradBuffer())
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, gm, wm, 1, gx)
		}
		if w.requiresGrad {
			gw := general(outDim, in, w.gradBuffer())
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, gm, xm, 1, gw)
		}
	}, x, w)
}

func general(rows, cols int, data []float32) blas32.General {
	stride := cols
	if stride == 0 {
		stride = 1
	}
	return blas32.General{Rows: rows, Cols: cols, Stride: stride, Data: data}
}
