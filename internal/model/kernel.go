package model

import "github.com/samcharles93/multilora/internal/tensor"

// AttentionKernel computes softmax(q·kᵀ/sqrt(d) + mask)·v for q, k, v shaped
// (batch, seq, heads, headDim) and an additive mask shaped
// (batch, heads, seq, seq).
type AttentionKernel interface {
	Attend(ctx *tensor.Context, q, k, v, mask *tensor.Tensor) *tensor.Tensor
}

// AttentionFunc adapts a function to AttentionKernel.
type AttentionFunc func(ctx *tensor.Context, q, k, v, mask *tensor.Tensor) *tensor.Tensor

func (f AttentionFunc) Attend(ctx *tensor.Context, q, k, v, mask *tensor.Tensor) *tensor.Tensor {
	return f(ctx, q, k, v, mask)
}

// DefaultAttention is the runtime's exact attention.
var DefaultAttention AttentionKernel = AttentionFunc(tensor.Attention)
