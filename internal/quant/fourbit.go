package quant

import (
	"fmt"
	"math"

	"github.com/samcharles93/multilora/internal/tensor"
)

const (
	// BlockSize is the number of weights sharing one absmax in 4-bit storage.
	BlockSize = 64
	// DoubleQuantBlockSize is the number of absmax values sharing one scale
	// when the absmax values are themselves quantized.
	DoubleQuantBlockSize = 256
)

// nf4Levels are the normal-float code points on [-1, 1].
var nf4Levels = [16]float32{
	-1.0, -0.6961928009986877, -0.5250730514526367, -0.39491748809814453,
	-0.28444138169288635, -0.18477343022823334, -0.09105003625154495, 0,
	0.07958029955625534, 0.16093020141124725, 0.24611230194568634, 0.33791524171829224,
	0.44070982933044434, 0.5626170039176941, 0.7229568362236023, 1.0,
}

// fp4Levels are the e2m1 float code points, normalised so the largest is 1.
// Codes 8..15 are the negatives of 0..7.
var fp4Levels = [16]float32{
	0, 0.0052083333, 0.6666667, 1.0, 0.33333333, 0.5, 0.16666667, 0.25,
	0, -0.0052083333, -0.6666667, -1.0, -0.33333333, -0.5, -0.16666667, -0.25,
}

// FourBit stores a weight as packed 4-bit codes with one absmax per block of
// BlockSize values, optionally quantizing the absmax values to int8.
type FourBit struct {
	rows, cols int
	format     Format
	packed     []byte
	absmax     []float32

	double   bool
	qabsmax  []int8
	dqScales []float32
	dqOffset float32

	compute tensor.DType
}

// NewFourBit quantizes w to nf4 or fp4.
func NewFourBit(w *tensor.Tensor, f Format, doubleQuant bool, compute tensor.DType) (*FourBit, error) {
	if f != FormatNF4 && f != FormatFP4 {
		return nil, fmt.Errorf("%w: %v", ErrUnknownQuantType, f)
	}
	rows, cols := w.Dim(0), w.Dim(1)
	n := rows * cols
	blocks := (n + BlockSize - 1) / BlockSize
	m := &FourBit{
		rows:    rows,
		cols:    cols,
		format:  f,
		packed:  make([]byte, (n+1)/2),
		absmax:  make([]float32, blocks),
		compute: compute,
	}
	levels := m.levels()
	data := w.Data()
	for b := 0; b < blocks; b++ {
		lo, hi := b*BlockSize, min((b+1)*BlockSize, n)
		var am float32
		for _, v := range data[lo:hi] {
			if a := float32(math.Abs(float64(v))); a > am {
				am = a
			}
		}
		m.absmax[b] = am
		for i := lo; i < hi; i++ {
			var norm float32
			if am > 0 {
				norm = data[i] / am
			}
			m.setCode(i, nearest(levels, norm))
		}
	}
	if doubleQuant {
		m.quantizeAbsmax()
	}
	return m, nil
}

func (m *FourBit) levels() *[16]float32 {
	if m.format == FormatFP4 {
		return &fp4Levels
	}
	return &nf4Levels
}

func nearest(levels *[16]float32, v float32) byte {
	best, bestDist := 0, float32(math.MaxFloat32)
	for i, l := range levels {
		d := v - l
		if d < 0 {
			d = -d
		}
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return byte(best)
}

func (m *FourBit) setCode(i int, c byte) {
	if i%2 == 0 {
		m.packed[i/2] = m.packed[i/2]&0x0f | c<<4
	} else {
		m.packed[i/2] = m.packed[i/2]&0xf0 | c&0x0f
	}
}

func (m *FourBit) code(i int) byte {
	if i%2 == 0 {
		return m.packed[i/2] >> 4
	}
	return m.packed[i/2] & 0x0f
}

// quantizeAbsmax replaces the f32 absmax values with int8 codes around their
// mean, one scale per DoubleQuantBlockSize values.
func (m *FourBit) quantizeAbsmax() {
	var mean float64
	for _, v := range m.absmax {
		mean += float64(v)
	}
	if len(m.absmax) > 0 {
		mean /= float64(len(m.absmax))
	}
	m.dqOffset = float32(mean)
	groups := (len(m.absmax) + DoubleQuantBlockSize - 1) / DoubleQuantBlockSize
	m.qabsmax = make([]int8, len(m.absmax))
	m.dqScales = make([]float32, groups)
	for g := 0; g < groups; g++ {
		lo, hi := g*DoubleQuantBlockSize, min((g+1)*DoubleQuantBlockSize, len(m.absmax))
		var am float32
		for _, v := range m.absmax[lo:hi] {
			if a := float32(math.Abs(float64(v - m.dqOffset))); a > am {
				am = a
			}
		}
		m.dqScales[g] = am / 127
		if am == 0 {
			continue
		}
		for i := lo; i < hi; i++ {
			m.qabsmax[i] = int8(math.Round(float64((m.absmax[i] - m.dqOffset) * 127 / am)))
		}
	}
	m.absmax = nil
	m.double = true
}

func (m *FourBit) blockAbsmax(b int) float32 {
	if !m.double {
		return m.absmax[b]
	}
	return float32(m.qabsmax[b])*m.dqScales[b/DoubleQuantBlockSize] + m.dqOffset
}

func (m *FourBit) dequantize() *tensor.Tensor {
	out := tensor.New(m.rows, m.cols)
	data := out.Data()
	levels := m.levels()
	for i := range data {
		data[i] = levels[m.code(i)] * m.blockAbsmax(i/BlockSize)
	}
	return out
}

func (m *FourBit) Forward(ctx *tensor.Context, x *tensor.Tensor) *tensor.Tensor {
	return project(ctx, x, m.dequantize(), m.compute)
}

func (m *FourBit) InFeatures() int  { return m.cols }
func (m *FourBit) OutFeatures() int { return m.rows }
func (m *FourBit) Format() Format   { return m.format }

// DoubleQuant reports whether the block absmax values are int8 coded.
func (m *FourBit) DoubleQuant() bool { return m.double }
