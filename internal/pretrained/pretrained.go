// Package pretrained loads llama-family base checkpoints (config.json plus
// safetensors weights) into frozen, optionally quantized projections.
package pretrained

import (
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/multilora/internal/logger"
	"github.com/samcharles93/multilora/internal/quant"
	"github.com/samcharles93/multilora/internal/tensor"
)

// Layer holds one decoder layer's frozen weights.
type Layer struct {
	Q, K, V, O        quant.Projection
	Gate, Down, Up    quant.Projection
	AttnNorm, FFNNorm *tensor.Tensor
}

// Model is a loaded base model. Nothing in it is trainable.
type Model struct {
	Config    Config
	Quant     quant.Config
	Embedding *tensor.Tensor
	Layers    []Layer
	Norm      *tensor.Tensor
	LMHead    quant.Projection
}

type Options struct {
	Quant   quant.Config
	Logger  logger.Logger
	Workers int
}

const (
	embedName  = "model.embed_tokens.weight"
	normName   = "model.norm.weight"
	lmHeadName = "lm_head.weight"
)

// LayerWeightName returns the checkpoint name of a per-layer weight, for
// example LayerWeightName(3, "self_attn.q_proj").
func LayerWeightName(layer int, module string) string {
	return fmt.Sprintf("model.layers.%d.%s.weight", layer, module)
}

// Load reads dir/config.json and the safetensors weights next to it.
func Load(dir string, opts Options) (*Model, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	ckpt, err := OpenCheckpoint(dir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ckpt.Close() }()
	return Build(cfg, ckpt, opts)
}

// Build assembles a Model from any weight source. Layers are loaded and
// quantized concurrently.
func Build(cfg Config, src Source, opts Options) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	qc, err := opts.Quant.Normalize()
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	start := time.Now()

	dim := cfg.HiddenSize
	hd := cfg.HeadDim
	m := &Model{Config: cfg, Quant: qc, Layers: make([]Layer, cfg.NumHiddenLayers)}

	if m.Embedding, err = load(src, embedName, cfg.VocabSize, dim); err != nil {
		return nil, err
	}
	if m.Norm, err = load(src, normName, dim); err != nil {
		return nil, err
	}
	head := m.Embedding
	if !cfg.TieWordEmbeddings && src.Has(lmHeadName) {
		if head, err = load(src, lmHeadName, cfg.VocabSize, dim); err != nil {
			return nil, err
		}
	} else if !cfg.TieWordEmbeddings {
		log.Warn("lm_head.weight missing, tying output head to embeddings")
	}
	// The output head stays in full precision.
	if m.LMHead, err = quant.NewDense(head); err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range m.Layers {
		g.Go(func() error {
			l, err := loadLayer(src, qc, i, dim, cfg.NumAttentionHeads*hd, cfg.NumKeyValueHeads*hd, cfg.IntermediateSize)
			if err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}
			m.Layers[i] = l
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Info("base model loaded",
		"layers", cfg.NumHiddenLayers,
		"dim", dim,
		"heads", cfg.NumAttentionHeads,
		"kv_heads", cfg.NumKeyValueHeads,
		"vocab", cfg.VocabSize,
		"quant", string(qc.Mode),
		"took", time.Since(start),
	)
	return m, nil
}

func loadLayer(src Source, qc quant.Config, i, dim, qDim, kvDim, ffn int) (Layer, error) {
	var l Layer
	projs := []struct {
		dst     *quant.Projection
		module  string
		out, in int
	}{
		{&l.Q, "self_attn.q_proj", qDim, dim},
		{&l.K, "self_attn.k_proj", kvDim, dim},
		{&l.V, "self_attn.v_proj", kvDim, dim},
		{&l.O, "self_attn.o_proj", dim, qDim},
		{&l.Gate, "mlp.gate_proj", ffn, dim},
		{&l.Down, "mlp.down_proj", dim, ffn},
		{&l.Up, "mlp.up_proj", ffn, dim},
	}
	for _, p := range projs {
		w, err := load(src, LayerWeightName(i, p.module), p.out, p.in)
		if err != nil {
			return Layer{}, err
		}
		if *p.dst, err = qc.Quantize(w); err != nil {
			return Layer{}, fmt.Errorf("%s: %w", p.module, err)
		}
	}
	var err error
	if l.AttnNorm, err = load(src, LayerWeightName(i, "input_layernorm"), dim); err != nil {
		return Layer{}, err
	}
	if l.FFNNorm, err = load(src, LayerWeightName(i, "post_attention_layernorm"), dim); err != nil {
		return Layer{}, err
	}
	return l, nil
}

func load(src Source, name string, shape ...int) (*tensor.Tensor, error) {
	t, err := src.Tensor(name)
	if err != nil {
		return nil, err
	}
	got := t.Shape()
	if len(got) != len(shape) {
		return nil, fmt.Errorf("%s: shape %v, want %v", name, got, shape)
	}
	for i := range shape {
		if got[i] != shape[i] {
			return nil, fmt.Errorf("%s: shape %v, want %v", name, got, shape)
		}
	}
	return t, nil
}
