// Package quant provides the frozen base projections a LoRA layer wraps:
// dense float32 weights and their int8 / 4-bit quantized storage forms.
package quant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/multilora/internal/tensor"
)

var (
	ErrUnknownMode      = errors.New("unknown quantization mode")
	ErrUnknownQuantType = errors.New("unknown 4-bit quant type")
	ErrBadWeight        = errors.New("weight must be a 2-D tensor")
)

// Format identifies how a projection stores its weight.
type Format int

const (
	FormatNone Format = iota
	FormatInt8
	FormatNF4
	FormatFP4
)

func (f Format) String() string {
	switch f {
	case FormatNone:
		return "none"
	case FormatInt8:
		return "int8"
	case FormatNF4:
		return "nf4"
	case FormatFP4:
		return "fp4"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Projection is a frozen linear map y = x @ Wᵀ. Implementations never
// expose their weight for training; gradients only flow to x.
type Projection interface {
	Forward(ctx *tensor.Context, x *tensor.Tensor) *tensor.Tensor
	InFeatures() int
	OutFeatures() int
	Format() Format
}

// Mode selects the storage width for quantized loading.
type Mode string

const (
	ModeNone Mode = "none"
	Mode8Bit Mode = "8bit"
	Mode4Bit Mode = "4bit"
)

// DefaultInt8Threshold is the outlier threshold recorded for 8-bit loading.
const DefaultInt8Threshold = 6.0

// Config describes how base weights are stored once loaded.
type Config struct {
	Mode         Mode
	ComputeDType tensor.DType
	DoubleQuant  bool
	// QuantType is "nf4" or "fp4" and only applies to Mode4Bit.
	QuantType string
	// Threshold is the int8 outlier threshold. It is kept for
	// compatibility with the 8-bit loader options and does not change
	// the row-wise quantization.
	Threshold float32
}

// ParseMode accepts "", "none", "8bit"/"8"/"int8" and "4bit"/"4". The 4-bit
// code book is chosen separately by Config.QuantType.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "0":
		return ModeNone, nil
	case "8bit", "8", "int8":
		return Mode8Bit, nil
	case "4bit", "4":
		return Mode4Bit, nil
	default:
		return ModeNone, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// ComputeDTypeFor mirrors the loader precedence: f16 when requested, else
// bf16 when requested, else f32.
func ComputeDTypeFor(fp16, bf16 bool) tensor.DType {
	switch {
	case fp16:
		return tensor.F16
	case bf16:
		return tensor.BF16
	default:
		return tensor.F32
	}
}

// Normalize fills defaults and validates the combination.
func (c Config) Normalize() (Config, error) {
	if c.Mode == "" {
		c.Mode = ModeNone
	}
	switch c.Mode {
	case ModeNone:
	case Mode8Bit:
		if c.Threshold == 0 {
			c.Threshold = DefaultInt8Threshold
		}
	case Mode4Bit:
		c.QuantType = strings.ToLower(c.QuantType)
		if c.QuantType == "" {
			c.QuantType = "nf4"
		}
		if c.QuantType != "nf4" && c.QuantType != "fp4" {
			return c, fmt.Errorf("%w: %q", ErrUnknownQuantType, c.QuantType)
		}
	default:
		return c, fmt.Errorf("%w: %q", ErrUnknownMode, c.Mode)
	}
	return c, nil
}

// Quantize turns a loaded (out, in) weight into the projection selected by c.
func (c Config) Quantize(w *tensor.Tensor) (Projection, error) {
	c, err := c.Normalize()
	if err != nil {
		return nil, err
	}
	if w == nil || w.Rank() != 2 {
		return nil, ErrBadWeight
	}
	switch c.Mode {
	case Mode8Bit:
		return NewInt8(w, c.ComputeDType), nil
	case Mode4Bit:
		f := FormatNF4
		if c.QuantType == "fp4" {
			f = FormatFP4
		}
		return NewFourBit(w, f, c.DoubleQuant, c.ComputeDType)
	default:
		return NewDense(w)
	}
}

// Weight returns the dequantized (out, in) weight of p as a fresh tensor,
// or nil for projections this package did not build.
func Weight(p Projection) *tensor.Tensor {
	switch q := p.(type) {
	case *Dense:
		return q.weight.Clone()
	case *Int8:
		return q.dequantize()
	case *FourBit:
		return q.dequantize()
	default:
		return nil
	}
}

// project runs x @ wᵀ with x rounded to the compute dtype first.
func project(ctx *tensor.Context, x, w *tensor.Tensor, compute tensor.DType) *tensor.Tensor {
	if compute != tensor.F32 {
		rounded := tensor.New(x.Shape()...)
		copy(rounded.Data(), x.Data())
		compute.Round(rounded.Data())
		// Rounding is treated as identity for gradients.
		x = tensor.Add(ctx, x, tensor.Add(ctx, rounded, tensor.Scale(ctx, x.Detach(), -1)))
	}
	return tensor.MatMulT(ctx, x, w)
}
