package model

import (
	"fmt"

	"github.com/samcharles93/multilora/internal/lora"
	"github.com/samcharles93/multilora/internal/tensor"
)

// StageKind is the closed set of pipeline stages.
type StageKind int

const (
	StageEmbedding StageKind = iota
	StageBlock
	StageNorm
	StageOutput
)

func (k StageKind) String() string {
	switch k {
	case StageEmbedding:
		return "embedding"
	case StageBlock:
		return "block"
	case StageNorm:
		return "norm"
	case StageOutput:
		return "output"
	default:
		return fmt.Sprintf("StageKind(%d)", int(k))
	}
}

// Stage is one step of the forward pipeline. Block is set only for
// StageBlock.
type Stage struct {
	Kind  StageKind
	Block *Block
}

// Activations is what flows between stages. Hidden is nil before the
// embedding stage and holds logits after the output stage.
type Activations struct {
	Tokens     tensor.Index
	Hidden     *tensor.Tensor
	Mask       *tensor.Tensor
	Rope       *tensor.Rope
	Batch      *lora.Batch
	Checkpoint bool
}

func (m *Model) runStage(ctx *tensor.Context, st Stage, act Activations) (Activations, error) {
	switch st.Kind {
	case StageEmbedding:
		for _, id := range act.Tokens.Data {
			if id < 0 || id >= m.geom.Vocab {
				return act, fmt.Errorf("%w: token id %d outside vocabulary of %d", lora.ErrInvalidBatch, id, m.geom.Vocab)
			}
		}
		h := tensor.Embedding(ctx, act.Tokens, m.embedding, m.geom.PadTokenID)
		if act.Checkpoint && !h.RequiresGrad() {
			// Checkpointed blocks only recompute when their input is tracked.
			h.SetRequiresGrad(true)
		}
		act.Hidden = h

	case StageBlock:
		if st.Block == nil {
			return act, fmt.Errorf("%w: block stage without a block", ErrInvalidStage)
		}
		if !act.Checkpoint {
			h, err := st.Block.Forward(ctx, act.Hidden, act.Mask, act.Rope, act.Batch)
			if err != nil {
				return act, err
			}
			act.Hidden = h
			break
		}
		mask, rope, batch := act.Mask, act.Rope, act.Batch
		h, err := tensor.Checkpoint(ctx, func(ctx *tensor.Context, in []*tensor.Tensor) (*tensor.Tensor, error) {
			return st.Block.Forward(ctx, in[0], mask, rope, batch)
		}, act.Hidden)
		if err != nil {
			return act, err
		}
		act.Hidden = h

	case StageNorm:
		act.Hidden = tensor.RMSNorm(ctx, act.Hidden, m.norm, float32(m.geom.NormEps))

	case StageOutput:
		act.Hidden = m.lmHead.Forward(ctx, act.Hidden)

	default:
		return act, fmt.Errorf("%w: %v", ErrInvalidStage, st.Kind)
	}
	return act, nil
}
