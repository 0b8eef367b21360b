package lora

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// Segment assigns the rows [Start, End) of a batch to one adapter. An empty
// Adapter means base weights only.
type Segment struct {
	Adapter string `json:"adapter"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

// Batch is a multi-adapter request: a rectangular block of token ids whose
// rows are partitioned into per-adapter segments.
type Batch struct {
	ID        string    `json:"id,omitempty"`
	Tokens    [][]int   `json:"tokens"`
	Segments  []Segment `json:"segments"`
	Inference bool      `json:"inference"`
	// PaddingMask, when set, has the shape of Tokens; true marks a padded
	// position that no query may attend to.
	PaddingMask [][]bool `json:"padding_mask,omitempty"`
}

func (b *Batch) Rows() int { return len(b.Tokens) }

func (b *Batch) SeqLen() int {
	if len(b.Tokens) == 0 {
		return 0
	}
	return len(b.Tokens[0])
}

// Validate checks the batch invariants and assigns an ID when none is set.
// Segments must be non-empty, disjoint and together cover every row.
func (b *Batch) Validate() error {
	if len(b.Tokens) == 0 || len(b.Tokens[0]) == 0 {
		return fmt.Errorf("%w: no tokens", ErrInvalidBatch)
	}
	seq := len(b.Tokens[0])
	for i, row := range b.Tokens {
		if len(row) != seq {
			return fmt.Errorf("%w: row %d has %d tokens, want %d", ErrInvalidBatch, i, len(row), seq)
		}
	}
	if b.PaddingMask != nil {
		if len(b.PaddingMask) != len(b.Tokens) {
			return fmt.Errorf("%w: padding mask has %d rows, want %d", ErrInvalidBatch, len(b.PaddingMask), len(b.Tokens))
		}
		for i, row := range b.PaddingMask {
			if len(row) != seq {
				return fmt.Errorf("%w: padding mask row %d has %d entries, want %d", ErrInvalidBatch, i, len(row), seq)
			}
		}
	}

	segs := slices.Clone(b.Segments)
	slices.SortFunc(segs, func(x, y Segment) int { return x.Start - y.Start })
	next := 0
	for _, s := range segs {
		if s.Start != next {
			return fmt.Errorf("%w: segment %q starts at %d, expected %d", ErrInvalidBatch, s.Adapter, s.Start, next)
		}
		if s.End <= s.Start {
			return fmt.Errorf("%w: segment %q is empty [%d,%d)", ErrInvalidBatch, s.Adapter, s.Start, s.End)
		}
		next = s.End
	}
	if next != len(b.Tokens) {
		return fmt.Errorf("%w: segments cover %d of %d rows", ErrInvalidBatch, next, len(b.Tokens))
	}

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// SegmentFor returns the segment containing row.
func (b *Batch) SegmentFor(row int) (Segment, bool) {
	for _, s := range b.Segments {
		if row >= s.Start && row < s.End {
			return s, true
		}
	}
	return Segment{}, false
}

// RowsPerAdapter counts rows by adapter name; base-only rows count under "".
func (b *Batch) RowsPerAdapter() map[string]int {
	out := make(map[string]int, len(b.Segments))
	for _, s := range b.Segments {
		out[s.Adapter] += s.End - s.Start
	}
	return out
}
