package tensor

import (
	"fmt"
	"math"
)

// Add returns a + b for tensors of identical shape.
func Add(ctx *Context, a, b *Tensor) *Tensor {
	mustSameShape("Add", a, b)
	out := New(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return ctx.track(out, func(g []float32) {
		if a.requiresGrad {
			a.accumulate(g)
		}
		if b.requiresGrad {
			b.accumulate(g)
		}
	}, a, b)
}

// Mul returns the element-wise product of a and b.
func Mul(ctx *Context, a, b *Tensor) *Tensor {
	mustSameShape("Mul", a, b)
	out := New(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * b.data[i]
	}
	return ctx.track(out, func(g []float32) {
		if a.requiresGrad {
			ga := a.gradBuffer()
			for i, v := range g {
				ga[i] += v * b.data[i]
			}
		}
		if b.requiresGrad {
			gb := b.gradBuffer()
			for i, v := range g {
				gb[i] += v * a.data[i]
			}
		}
	}, a, b)
}

// Scale returns s * x.
func Scale(ctx *Context, x *Tensor, s float32) *Tensor {
	out := New(x.shape...)
	for i, v := range x.data {
		out.data[i] = v * s
	}
	return ctx.track(out, func(g []float32) {
		gx := x.gradBuffer()
		for i, v := range g {
			gx[i] += v * s
		}
	}, x)
}

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// SiLU applies x * sigmoid(x) element-wise.
func SiLU(ctx *Context, x *Tensor) *Tensor {
	out := New(x.shape...)
	for i, v := range x.data {
		out.data[i] = v * sigmoid(v)
	}
	return ctx.track(out, func(g []float32) {
		gx := x.gradBuffer()
		for i, v := range x.data {
			s := sigmoid(v)
			gx[i] += g[i] * s * (1 + v*(1-s))
		}
	}, x)
}

// Reshape returns a view of x with a new shape. One dimension may be -1.
func Reshape(ctx *Context, x *Tensor, shape ...int) *Tensor {
	shape = cloneShape(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				panic("tensor: Reshape with more than one inferred dimension")
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(x.data)%known != 0 {
			panic(fmt.Sprintf("tensor: cannot reshape %v to %v", x.shape, shape))
		}
		shape[infer] = len(x.data) / known
	}
	if numElements(shape) != len(x.data) {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", x.shape, shape))
	}
	out := &Tensor{shape: shape, data: x.data}
	return ctx.track(out, func(g []float32) {
		x.accumulate(g)
	}, x)
}

// SliceRows returns a copy of x[start:end] along the leading dimension.
func SliceRows(ctx *Context, x *Tensor, start, end int) *Tensor {
	if x.Rank() == 0 || start < 0 || end > x.shape[0] || start > end {
		panic(fmt.Sprintf("tensor: SliceRows [%d,%d) out of range for %v", start, end, x.shape))
	}
	stride := rowStride(x)
	shape := cloneShape(x.shape)
	shape[0] = end - start
	out := New(shape...)
	copy(out.data, x.data[start*stride:end*stride])
	return ctx.track(out, func(g []float32) {
		gx := x.gradBuffer()[start*stride : end*stride]
		for i, v := range g {
			gx[i] += v
		}
	}, x)
}

// AddRows returns a copy of base with delta added to the rows starting at
// start along the leading dimension. delta must match base in every
// dimension but the first.
func AddRows(ctx *Context, base, delta *Tensor, start int) *Tensor {
	if base.Rank() != delta.Rank() || base.Rank() == 0 {
		panic(fmt.Sprintf("tensor: AddRows rank mismatch %v vs %v", base.shape, delta.shape))
	}
	for i := 1; i < base.Rank(); i++ {
		if base.shape[i] != delta.shape[i] {
			panic(fmt.Sprintf("tensor: AddRows shape mismatch %v vs %v", base.shape, delta.shape))
		}
	}
	end := start + delta.shape[0]
	if start < 0 || end > base.shape[0] {
		panic(fmt.Sprintf("tensor: AddRows rows [%d,%d) out of range for %v", start, end, base.shape))
	}
	stride := rowStride(base)
	out := New(base.shape...)
	copy(out.data, base.data)
	dst := out.data[start*stride : end*stride]
	for i, v := range delta.data {
		dst[i] += v
	}
	return ctx.track(out, func(g []float32) {
		if base.requiresGrad {
			base.accumulate(g)
		}
		if delta.requiresGrad {
			delta.accumulate(g[start*stride : end*stride])
		}
	}, base, delta)
}

// Sum reduces x to a single-element tensor.
func Sum(ctx *Context, x *Tensor) *Tensor {
	var s float64
	for _, v := range x.data {
		s += float64(v)
	}
	out := FromData([]float32{float32(s)}, 1)
	return ctx.track(out, func(g []float32) {
		gx := x.gradBuffer()
		for i := range gx {
			gx[i] += g[0]
		}
	}, x)
}

func rowStride(x *Tensor) int {
	if x.shape[0] == 0 {
		return numElements(x.shape[1:])
	}
	return len(x.data) / x.shape[0]
}

func mustSameShape(op string, a, b *Tensor) {
	if !SameShape(a, b) {
		panic(fmt.Sprintf("tensor: %s shape mismatch %v vs %v", op, a.shape, b.shape))
	}
}
