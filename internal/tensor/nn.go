package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Index is a rectangular batch of token ids.
type Index struct {
	Rows, Cols int
	Data       []int
}

// NewIndex flattens rows into an Index. All rows must have the same length.
func NewIndex(rows [][]int) (Index, error) {
	if len(rows) == 0 {
		return Index{}, errors.New("empty token batch")
	}
	cols := len(rows[0])
	data := make([]int, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return Index{}, fmt.Errorf("token row %d has length %d, want %d", i, len(r), cols)
		}
		data = append(data, r...)
	}
	return Index{Rows: len(rows), Cols: cols, Data: data}, nil
}

// RMSNorm normalises the last dimension of x by its root mean square and
// multiplies by weight: x / sqrt(mean(x²) + eps) * weight. The reduction is
// accumulated in float64 and the result rounded to the device dtype.
func RMSNorm(ctx *Context, x, weight *Tensor, eps float32) *Tensor {
	dim := weight.Len()
	if x.Rank() == 0 || x.Dim(-1) != dim {
		panic(fmt.Sprintf("tensor: RMSNorm shape mismatch %v with weight %v", x.shape, weight.shape))
	}
	rows := len(x.data) / dim
	out := New(x.shape...)
	inv := make([]float64, rows)
	for r := 0; r < rows; r++ {
		src := x.data[r*dim : (r+1)*dim]
		var sum float64
		for _, v := range src {
			sum += float64(v) * float64(v)
		}
		inv[r] = 1 / math.Sqrt(sum/float64(dim)+float64(eps))
		dst := out.data[r*dim : (r+1)*dim]
		for i, v := range src {
			dst[i] = float32(float64(v)*inv[r]) * weight.data[i]
		}
	}
	ctx.device.DType.Round(out.data)

	return ctx.track(out, func(g []float32) {
		for r := 0; r < rows; r++ {
			src := x.data[r*dim : (r+1)*dim]
			gr := g[r*dim : (r+1)*dim]
			if x.requiresGrad {
				var dot float64
				for i, v := range src {
					dot += float64(gr[i]) * float64(weight.data[i]) * float64(v)
				}
				k := inv[r] * inv[r] * inv[r] * dot / float64(dim)
				gx := x.gradBuffer()[r*dim : (r+1)*dim]
				for i, v := range src {
					gx[i] += float32(float64(gr[i])*float64(weight.data[i])*inv[r] - float64(v)*k)
				}
			}
			if weight.requiresGrad {
				gw := weight.gradBuffer()
				for i, v := range src {
					gw[i] += gr[i] * float32(float64(v)*inv[r])
				}
			}
		}
	}, x, weight)
}

// Embedding gathers rows of table (vocab, dim) for every id in idx and
// returns (rows, cols, dim). Ids equal to paddingIdx receive no gradient;
// pass a negative paddingIdx to disable that.
func Embedding(ctx *Context, idx Index, table *Tensor, paddingIdx int) *Tensor {
	if table.Rank() != 2 {
		panic(fmt.Sprintf("tensor: embedding table must be 2-D, got %v", table.shape))
	}
	vocab, dim := table.shape[0], table.shape[1]
	out := New(idx.Rows, idx.Cols, dim)
	for i, id := range idx.Data {
		if id < 0 || id >= vocab {
			panic(fmt.Sprintf("tensor: token id %d out of range [0,%d)", id, vocab))
		}
		copy(out.data[i*dim:(i+1)*dim], table.data[id*dim:(id+1)*dim])
	}
	return ctx.track(out, func(g []float32) {
		gt := table.gradBuffer()
		for i, id := range idx.Data {
			if id == paddingIdx {
				continue
			}
			dst := gt[id*dim : (id+1)*dim]
			for j, v := range g[i*dim : (i+1)*dim] {
				dst[j] += v
			}
		}
	}, table)
}

// Dropout zeroes each element with probability p and scales the survivors
// by 1/(1-p). The mask is drawn from the context's random stream.
func Dropout(ctx *Context, x *Tensor, p float32) *Tensor {
	if p <= 0 {
		return x
	}
	if p >= 1 {
		panic("tensor: dropout probability must be < 1")
	}
	scale := 1 / (1 - p)
	mask := make([]float32, len(x.data))
	out := New(x.shape...)
	rng := ctx.Rand()
	for i, v := range x.data {
		if rng.Float32() >= p {
			mask[i] = scale
			out.data[i] = v * scale
		}
	}
	return ctx.track(out, func(g []float32) {
		gx := x.gradBuffer()
		for i, v := range g {
			gx[i] += v * mask[i]
		}
	}, x)
}
