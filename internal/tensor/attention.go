package tensor

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
)

// RepeatKV expands x, shaped (batch, seq, kvHeads, headDim), to
// (batch, seq, kvHeads*nRep, headDim) by repeating every kv head nRep times
// contiguously: output head h reads source head h/nRep.
func RepeatKV(ctx *Context, x *Tensor, nRep int) *Tensor {
	if nRep == 1 {
		return x
	}
	if x.Rank() != 4 || nRep < 1 {
		panic(fmt.Sprintf("tensor: RepeatKV expects (b,s,kv,d) and nRep >= 1, got %v, %d", x.shape, nRep))
	}
	b, s, kv, d := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	h := kv * nRep
	out := New(b, s, h, d)
	for bs := 0; bs < b*s; bs++ {
		for hi := 0; hi < h; hi++ {
			src := x.data[(bs*kv+hi/nRep)*d : (bs*kv+hi/nRep+1)*d]
			copy(out.data[(bs*h+hi)*d:(bs*h+hi+1)*d], src)
		}
	}
	return ctx.track(out, func(g []float32) {
		gx := x.gradBuffer()
		for bs := 0; bs < b*s; bs++ {
			for hi := 0; hi < h; hi++ {
				dst := gx[(bs*kv+hi/nRep)*d : (bs*kv+hi/nRep+1)*d]
				for j, v := range g[(bs*h+hi)*d : (bs*h+hi+1)*d] {
					dst[j] += v
				}
			}
		}
	}, x)
}

// Attention computes softmax(q·kᵀ/sqrt(d) + mask)·v for q, k, v shaped
// (batch, seq, heads, headDim). mask is additive, shaped
// (batch, heads, seq, seq), and may be nil.
//
// Only the per-row log-sum-exp is kept for the backward pass; attention
// probabilities are recomputed there instead of being stored. A query row
// whose keys are all masked produces zeros.
func Attention(ctx *Context, q, k, v, mask *Tensor) *Tensor {
	if q.Rank() != 4 || !SameShape(q, k) || !SameShape(q, v) {
		panic(fmt.Sprintf("tensor: Attention shape mismatch q%v k%v v%v", q.shape, k.shape, v.shape))
	}
	b, s, h, d := q.shape[0], q.shape[1], q.shape[2], q.shape[3]
	if mask != nil && (mask.Rank() != 4 || mask.shape[0] != b || mask.shape[1] != h || mask.shape[2] != s || mask.shape[3] != s) {
		panic(fmt.Sprintf("tensor: Attention mask shape %v, want [%d %d %d %d]", mask.shape, b, h, s, s))
	}
	scale := float32(1 / math.Sqrt(float64(d)))
	out := New(q.shape...)
	lse := make([]float32, b*h*s)

	at := func(bi, pos, hi int) int { return ((bi*s+pos)*h + hi) * d }
	maskRow := func(bi, hi, i int) []float32 {
		if mask == nil {
			return nil
		}
		off := ((bi*h+hi)*s + i) * s
		return mask.data[off : off+s]
	}
	score := func(bi, hi, i, j int, mrow []float32) float32 {
		qi := q.data[at(bi, i, hi) : at(bi, i, hi)+d]
		kj := k.data[at(bi, j, hi) : at(bi, j, hi)+d]
		var dot float32
		for x := range qi {
			dot += qi[x] * kj[x]
		}
		sc := dot * scale
		if mrow != nil {
			sc += mrow[j]
		}
		return sc
	}

	forHeads(ctx, b*h, func(bh int) {
		bi, hi := bh/h, bh%h
		scores := make([]float32, s)
		for i := 0; i < s; i++ {
			mrow := maskRow(bi, hi, i)
			maxv := float32(math.Inf(-1))
			for j := 0; j < s; j++ {
				scores[j] = score(bi, hi, i, j, mrow)
				if scores[j] > maxv {
					maxv = scores[j]
				}
			}
			idx := (bi*h+hi)*s + i
			if math.IsInf(float64(maxv), -1) {
				lse[idx] = float32(math.Inf(-1))
				continue
			}
			var sum float64
			for j := 0; j < s; j++ {
				sum += math.Exp(float64(scores[j] - maxv))
			}
			lse[idx] = maxv + float32(math.Log(sum))
			dst := out.data[at(bi, i, hi) : at(bi, i, hi)+d]
			for j := 0; j < s; j++ {
				p := float32(math.Exp(float64(scores[j] - lse[idx])))
				if p == 0 {
					continue
				}
				vj := v.data[at(bi, j, hi) : at(bi, j, hi)+d]
				for x := range dst {
					dst[x] += p * vj[x]
				}
			}
		}
	})

	return ctx.track(out, func(g []float32) {
		var gq, gk, gv []float32
		if q.requiresGrad {
			gq = q.gradBuffer()
		}
		if k.requiresGrad {
			gk = k.gradBuffer()
		}
		if v.requiresGrad {
			gv = v.gradBuffer()
		}
		// Every (batch, head) pair touches a disjoint slice of the grads.
		forHeads(ctx, b*h, func(bh int) {
			bi, hi := bh/h, bh%h
			probs := make([]float32, s)
			dp := make([]float32, s)
			for i := 0; i < s; i++ {
				idx := (bi*h+hi)*s + i
				if math.IsInf(float64(lse[idx]), -1) {
					continue
				}
				mrow := maskRow(bi, hi, i)
				gi := g[at(bi, i, hi) : at(bi, i, hi)+d]
				oi := out.data[at(bi, i, hi) : at(bi, i, hi)+d]
				var delta float32
				for x := range gi {
					delta += gi[x] * oi[x]
				}
				for j := 0; j < s; j++ {
					probs[j] = float32(math.Exp(float64(score(bi, hi, i, j, mrow) - lse[idx])))
					vj := v.data[at(bi, j, hi) : at(bi, j, hi)+d]
					var dot float32
					for x := range gi {
						dot += gi[x] * vj[x]
					}
					dp[j] = dot
				}
				for j := 0; j < s; j++ {
					p := probs[j]
					if p == 0 {
						continue
					}
					if gv != nil {
						dst := gv[at(bi, j, hi) : at(bi, j, hi)+d]
						for x := range dst {
							dst[x] += p * gi[x]
						}
					}
					ds := p * (dp[j] - delta) * scale
					if gq != nil {
						dst := gq[at(bi, i, hi) : at(bi, i, hi)+d]
						kj := k.data[at(bi, j, hi) : at(bi, j, hi)+d]
						for x := range dst {
							dst[x] += ds * kj[x]
						}
					}
					if gk != nil {
						dst := gk[at(bi, j, hi) : at(bi, j, hi)+d]
						qi := q.data[at(bi, i, hi) : at(bi, i, hi)+d]
						for x := range dst {
							dst[x] += ds * qi[x]
						}
					}
				}
			}
		})
	}, q, k, v)
}

// forHeads runs fn for every index in [0, n) on up to the device's thread
// count goroutines.
func forHeads(ctx *Context, n int, fn func(i int)) {
	threads := ctx.device.threads()
	if threads <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(threads)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}
