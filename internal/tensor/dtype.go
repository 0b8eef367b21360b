package tensor

import (
	"fmt"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the compute precision a device rounds activations to. Storage is
// always float32; F16 and BF16 values are kept rounded to their precision.
type DType int

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// ParseDType accepts the usual spellings (fp32, float16, bf16, ...).
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "f32", "fp32", "float32":
		return F32, nil
	case "f16", "fp16", "float16", "half":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	default:
		return F32, fmt.Errorf("unknown dtype %q", s)
	}
}

// Round rounds v in place to the precision of d.
func (d DType) Round(v []float32) {
	switch d {
	case F16:
		for i, x := range v {
			v[i] = float16.Fromfloat32(x).Float32()
		}
	case BF16:
		copy(v, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(v)))
	}
}

// RoundValue rounds a single value to the precision of d.
func (d DType) RoundValue(x float32) float32 {
	switch d {
	case F16:
		return float16.Fromfloat32(x).Float32()
	case BF16:
		return bfloat16.DecodeFloat32(bfloat16.EncodeFloat32([]float32{x}))[0]
	default:
		return x
	}
}
