package quant

import (
	"math"

	"github.com/samcharles93/multilora/internal/tensor"
)

// Int8 stores a weight as int8 values with one absmax scale per output row.
type Int8 struct {
	rows, cols int
	q          []int8
	scales     []float32
	compute    tensor.DType
}

// NewInt8 quantizes w row by row: q = round(w * 127 / absmax(row)).
func NewInt8(w *tensor.Tensor, compute tensor.DType) *Int8 {
	rows, cols := w.Dim(0), w.Dim(1)
	m := &Int8{
		rows:    rows,
		cols:    cols,
		q:       make([]int8, rows*cols),
		scales:  make([]float32, rows),
		compute: compute,
	}
	data := w.Data()
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		var absmax float32
		for _, v := range row {
			if a := float32(math.Abs(float64(v))); a > absmax {
				absmax = a
			}
		}
		m.scales[r] = absmax / 127
		if absmax == 0 {
			continue
		}
		inv := 127 / absmax
		dst := m.q[r*cols : (r+1)*cols]
		for i, v := range row {
			dst[i] = int8(math.Round(float64(v * inv)))
		}
	}
	return m
}

func (m *Int8) dequantize() *tensor.Tensor {
	out := tensor.New(m.rows, m.cols)
	data := out.Data()
	for r := 0; r < m.rows; r++ {
		s := m.scales[r]
		for i, v := range m.q[r*m.cols : (r+1)*m.cols] {
			data[r*m.cols+i] = float32(v) * s
		}
	}
	return out
}

func (m *Int8) Forward(ctx *tensor.Context, x *tensor.Tensor) *tensor.Tensor {
	return project(ctx, x, m.dequantize(), m.compute)
}

func (m *Int8) InFeatures() int  { return m.cols }
func (m *Int8) OutFeatures() int { return m.rows }
func (m *Int8) Format() Format   { return FormatInt8 }
