package quant

import (
	"fmt"

	"github.com/samcharles93/multilora/internal/tensor"
)

// Dense is an unquantized f32 weight of shape (out, in).
type Dense struct {
	weight *tensor.Tensor
}

// NewDense wraps w by reference. The tensor is treated as frozen.
func NewDense(w *tensor.Tensor) (*Dense, error) {
	if w == nil || w.Rank() != 2 {
		return nil, fmt.Errorf("%w: got %v", ErrBadWeight, w)
	}
	if w.RequiresGrad() {
		w = w.Detach()
	}
	return &Dense{weight: w}, nil
}

func (d *Dense) Forward(ctx *tensor.Context, x *tensor.Tensor) *tensor.Tensor {
	return tensor.MatMulT(ctx, x, d.weight)
}

func (d *Dense) InFeatures() int  { return d.weight.Dim(1) }
func (d *Dense) OutFeatures() int { return d.weight.Dim(0) }
func (d *Dense) Format() Format   { return FormatNone }
