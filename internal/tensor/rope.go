package tensor

import (
	"fmt"
	"math"
)

// Rope is a precomputed rotary angle table for positions [0, MaxSeqLen)
// and frequency indices [0, HeadDim/2). It is immutable once built.
type Rope struct {
	headDim int
	maxSeq  int
	theta   float64
	cos     []float32
	sin     []float32
}

// NewRope builds the table with angle(pos, i) = pos * theta^(-2i/headDim).
func NewRope(headDim, maxSeqLen int, theta float64) (*Rope, error) {
	if headDim <= 0 || headDim%2 != 0 {
		return nil, fmt.Errorf("rope: head dim must be positive and even, got %d", headDim)
	}
	if maxSeqLen <= 0 {
		return nil, fmt.Errorf("rope: max sequence length must be positive, got %d", maxSeqLen)
	}
	if theta <= 0 {
		theta = 10_000
	}
	half := headDim / 2
	r := &Rope{
		headDim: headDim,
		maxSeq:  maxSeqLen,
		theta:   theta,
		cos:     make([]float32, maxSeqLen*half),
		sin:     make([]float32, maxSeqLen*half),
	}
	for pos := 0; pos < maxSeqLen; pos++ {
		for i := 0; i < half; i++ {
			a := r.Angle(pos, i)
			r.cos[pos*half+i] = float32(math.Cos(a))
			r.sin[pos*half+i] = float32(math.Sin(a))
		}
	}
	return r, nil
}

// Angle returns the rotation angle for a position and frequency index.
func (r *Rope) Angle(pos, i int) float64 {
	invFreq := 1.0 / math.Pow(r.theta, float64(2*i)/float64(r.headDim))
	return float64(pos) * invFreq
}

// HeadDim returns the rotated feature width.
func (r *Rope) HeadDim() int { return r.headDim }

// MaxSeqLen returns the number of positions in the table.
func (r *Rope) MaxSeqLen() int { return r.maxSeq }

// Theta returns the frequency base.
func (r *Rope) Theta() float64 { return r.theta }

// CosSin returns the tabulated cosine and sine for a position and frequency.
func (r *Rope) CosSin(pos, i int) (float32, float32) {
	half := r.headDim / 2
	return r.cos[pos*half+i], r.sin[pos*half+i]
}

// RoPE rotates each adjacent feature pair (2i, 2i+1) of x, shaped
// (batch, seq, heads, headDim), by the angle for its position.
func RoPE(ctx *Context, x *Tensor, rope *Rope) *Tensor {
	if x.Rank() != 4 || x.shape[3] != rope.headDim {
		panic(fmt.Sprintf("tensor: RoPE expects (b,s,h,%d), got %v", rope.headDim, x.shape))
	}
	b, s, h, d := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	if s > rope.maxSeq {
		panic(fmt.Sprintf("tensor: RoPE sequence %d exceeds table length %d", s, rope.maxSeq))
	}
	half := d / 2
	out := New(x.shape...)
	rotate := func(dst, src []float32, inverse bool) {
		for bi := 0; bi < b; bi++ {
			for pos := 0; pos < s; pos++ {
				cs := rope.cos[pos*half : (pos+1)*half]
				sn := rope.sin[pos*half : (pos+1)*half]
				for hi := 0; hi < h; hi++ {
					base := ((bi*s+pos)*h + hi) * d
					for i := 0; i < half; i++ {
						c, si := cs[i], sn[i]
						if inverse {
							si = -si
						}
						x0 := src[base+2*i]
						x1 := src[base+2*i+1]
						dst[base+2*i] += x0*c - x1*si
						dst[base+2*i+1] += x0*si + x1*c
					}
				}
			}
		}
	}
	rotate(out.data, x.data, false)
	return ctx.track(out, func(g []float32) {
		rotate(x.gradBuffer(), g, true)
	}, x)
}
