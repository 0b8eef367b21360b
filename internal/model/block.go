package model

import (
	"fmt"

	"github.com/samcharles93/multilora/internal/lora"
	"github.com/samcharles93/multilora/internal/pretrained"
	"github.com/samcharles93/multilora/internal/quant"
	"github.com/samcharles93/multilora/internal/tensor"
)

// Block is one pre-norm decoder layer whose seven projections are adapted.
type Block struct {
	Index int

	Q, K, V, O     *lora.Linear
	Gate, Down, Up *lora.Linear

	AttnNorm, FFNNorm *tensor.Tensor

	dim, heads, kvHeads, headDim int
	eps                          float32
	kernel                       AttentionKernel
}

// NewBlock wraps the frozen weights of layer by reference.
func NewBlock(index int, layer pretrained.Layer, g Geometry, device tensor.Device, kernel AttentionKernel) (*Block, error) {
	if g.KVHeads <= 0 || g.Heads%g.KVHeads != 0 {
		return nil, fmt.Errorf("%w: %d heads not divisible by %d kv heads", ErrConfigMismatch, g.Heads, g.KVHeads)
	}
	if g.HeadDim*g.Heads != g.Dim {
		return nil, fmt.Errorf("%w: head_dim %d * heads %d != hidden size %d", ErrConfigMismatch, g.HeadDim, g.Heads, g.Dim)
	}
	if kernel == nil {
		kernel = DefaultAttention
	}
	b := &Block{
		Index:    index,
		AttnNorm: layer.AttnNorm,
		FFNNorm:  layer.FFNNorm,
		dim:      g.Dim,
		heads:    g.Heads,
		kvHeads:  g.KVHeads,
		headDim:  g.HeadDim,
		eps:      float32(g.NormEps),
		kernel:   kernel,
	}
	bases := map[Projection]quant.Projection{
		ProjQ: layer.Q, ProjK: layer.K, ProjV: layer.V, ProjO: layer.O,
		ProjGate: layer.Gate, ProjDown: layer.Down, ProjUp: layer.Up,
	}
	for _, p := range Projections {
		l, err := lora.NewLinear(bases[p], device)
		if err != nil {
			return nil, fmt.Errorf("layer %d %s: %w", index, p, err)
		}
		*b.slot(p) = l
	}
	return b, nil
}

func (b *Block) slot(p Projection) **lora.Linear {
	switch p {
	case ProjQ:
		return &b.Q
	case ProjK:
		return &b.K
	case ProjV:
		return &b.V
	case ProjO:
		return &b.O
	case ProjGate:
		return &b.Gate
	case ProjDown:
		return &b.Down
	case ProjUp:
		return &b.Up
	}
	panic(fmt.Sprintf("model: unknown projection %q", p))
}

// Linear returns the adapted layer for p.
func (b *Block) Linear(p Projection) *lora.Linear { return *b.slot(p) }

// Forward runs x, shaped (batch, seq, dim), through attention and the
// feed-forward network, each with a residual connection.
func (b *Block) Forward(ctx *tensor.Context, x, mask *tensor.Tensor, rope *tensor.Rope, batch *lora.Batch) (*tensor.Tensor, error) {
	if x.Rank() != 3 || x.Dim(-1) != b.dim {
		return nil, fmt.Errorf("%w: block %d input %v, want (b, s, %d)", ErrConfigMismatch, b.Index, x.Shape(), b.dim)
	}
	rows, seq := x.Dim(0), x.Dim(1)
	if seq > rope.MaxSeqLen() {
		return nil, fmt.Errorf("%w: sequence length %d exceeds rotary table %d", ErrConfigMismatch, seq, rope.MaxSeqLen())
	}

	h := tensor.RMSNorm(ctx, x, b.AttnNorm, b.eps)
	q, err := b.Q.Forward(ctx, h, batch)
	if err != nil {
		return nil, err
	}
	k, err := b.K.Forward(ctx, h, batch)
	if err != nil {
		return nil, err
	}
	v, err := b.V.Forward(ctx, h, batch)
	if err != nil {
		return nil, err
	}
	q = tensor.Reshape(ctx, q, rows, seq, b.heads, b.headDim)
	k = tensor.Reshape(ctx, k, rows, seq, b.kvHeads, b.headDim)
	v = tensor.Reshape(ctx, v, rows, seq, b.kvHeads, b.headDim)

	q = tensor.RoPE(ctx, q, rope)
	k = tensor.RoPE(ctx, k, rope)

	nRep := b.heads / b.kvHeads
	k = tensor.RepeatKV(ctx, k, nRep)
	v = tensor.RepeatKV(ctx, v, nRep)

	attn := b.kernel.Attend(ctx, q, k, v, mask)
	attn = tensor.Reshape(ctx, attn, rows, seq, b.heads*b.headDim)
	o, err := b.O.Forward(ctx, attn, batch)
	if err != nil {
		return nil, err
	}
	x = tensor.Add(ctx, x, o)

	h = tensor.RMSNorm(ctx, x, b.FFNNorm, b.eps)
	gate, err := b.Gate.Forward(ctx, h, batch)
	if err != nil {
		return nil, err
	}
	up, err := b.Up.Forward(ctx, h, batch)
	if err != nil {
		return nil, err
	}
	down, err := b.Down.Forward(ctx, tensor.Mul(ctx, tensor.SiLU(ctx, gate), up), batch)
	if err != nil {
		return nil, err
	}
	return tensor.Add(ctx, x, down), nil
}
