package model

import (
	"math"

	"github.com/samcharles93/multilora/internal/lora"
	"github.com/samcharles93/multilora/internal/tensor"
)

// buildMask returns the additive attention mask for batch, shaped
// (rows, heads, seq, seq). Position (i, j) is -inf when j > i or when key j
// is padding in that row, and 0 otherwise.
func buildMask(batch *lora.Batch, heads int) *tensor.Tensor {
	b, s := batch.Rows(), batch.SeqLen()
	mask := tensor.New(b, heads, s, s)
	data := mask.Data()
	ninf := float32(math.Inf(-1))

	plane := make([]float32, s*s)
	for bi := 0; bi < b; bi++ {
		var pad []bool
		if batch.PaddingMask != nil {
			pad = batch.PaddingMask[bi]
		}
		for i := 0; i < s; i++ {
			row := plane[i*s : (i+1)*s]
			for j := range row {
				if j > i || (pad != nil && pad[j]) {
					row[j] = ninf
				} else {
					row[j] = 0
				}
			}
		}
		for h := 0; h < heads; h++ {
			copy(data[(bi*heads+h)*s*s:], plane)
		}
	}
	return mask
}
