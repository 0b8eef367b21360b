package api

import (
	"github.com/samcharles93/multilora/internal/logits"
	"github.com/samcharles93/multilora/internal/model"
)

// Output modes for ForwardRequest.
const (
	OutputNextToken = "next_token"
	OutputLogits    = "logits"
)

// ForwardRequest is a multi-adapter batch. Each segment's rows are run
// through the named adapter; an empty adapter means the base model.
type ForwardRequest struct {
	Tokens      [][]int          `json:"tokens"`
	Segments    []SegmentRequest `json:"segments,omitempty"`
	PaddingMask [][]bool         `json:"padding_mask,omitempty"`
	// Output is "next_token" (default) or "logits".
	Output string  `json:"output,omitempty"`
	Seed   *uint64 `json:"seed,omitempty"`
	// Sampling options for next_token output. Greedy when temperature is 0.
	Temperature   float32 `json:"temperature,omitempty"`
	TopK          int     `json:"top_k,omitempty"`
	TopP          float32 `json:"top_p,omitempty"`
	MinP          float32 `json:"min_p,omitempty"`
	RepeatPenalty float32 `json:"repeat_penalty,omitempty"`
}

type SegmentRequest struct {
	Adapter string `json:"adapter"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
}

type ForwardResponse struct {
	ID         string        `json:"id"`
	Object     string        `json:"object"`
	CreatedAt  int64         `json:"created_at"`
	Rows       int           `json:"rows"`
	SeqLen     int           `json:"seq_len"`
	Vocab      int           `json:"vocab"`
	NextTokens []int         `json:"next_tokens,omitempty"`
	Logits     [][][]float32 `json:"logits,omitempty"`
}

// AdapterRequest attaches an adapter, fresh or from a PEFT directory.
// With Path set the hyperparameters and targets come from the directory
// unless overridden here.
type AdapterRequest struct {
	Name          string   `json:"name"`
	R             int      `json:"r,omitempty"`
	Alpha         float32  `json:"alpha,omitempty"`
	Dropout       float32  `json:"dropout,omitempty"`
	TargetModules []string `json:"target_modules,omitempty"`
	Path          string   `json:"path,omitempty"`
}

type AdapterList struct {
	Object string              `json:"object"`
	Data   []model.AdapterInfo `json:"data"`
}

type DeletedResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

func (req ForwardRequest) sampler(seed uint64) *logits.Sampler {
	return logits.NewSampler(logits.SamplerConfig{
		Seed:          seed,
		Temperature:   req.Temperature,
		TopK:          req.TopK,
		TopP:          req.TopP,
		MinP:          req.MinP,
		RepeatPenalty: req.RepeatPenalty,
	})
}
