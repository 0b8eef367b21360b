// Package pretrainedtest builds small random llama checkpoints for tests.
package pretrainedtest

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/goccy/go-json"

	"github.com/samcharles93/multilora/internal/pretrained"
	"github.com/samcharles93/multilora/internal/safetensors"
	"github.com/samcharles93/multilora/internal/tensor"
)

// TinyConfig is a 2-layer, 4-head, 2-kv-head model with hidden size 64.
func TinyConfig() pretrained.Config {
	return pretrained.Config{
		ModelType:         "llama",
		HiddenSize:        64,
		IntermediateSize:  96,
		NumHiddenLayers:   2,
		NumAttentionHeads: 4,
		NumKeyValueHeads:  2,
		HeadDim:           16,
		VocabSize:         32,
		RMSNormEps:        1e-6,
		RopeTheta:         10000,
		MaxSequenceLength: 64,
	}
}

// Weights returns random weights for cfg keyed by checkpoint name.
func Weights(cfg pretrained.Config, seed uint64) pretrained.MapSource {
	rng := rand.New(rand.NewPCG(seed, seed^0x5bd1e995))
	randn := func(scale float64, shape ...int) *tensor.Tensor {
		t := tensor.New(shape...)
		for i := range t.Data() {
			t.Data()[i] = float32(rng.NormFloat64() * scale)
		}
		return t
	}
	ones := func(n int) *tensor.Tensor { return tensor.Full(1, n) }

	dim, hd := cfg.HiddenSize, cfg.HeadDim
	qDim, kvDim := cfg.NumAttentionHeads*hd, cfg.NumKeyValueHeads*hd
	ffn := cfg.IntermediateSize
	scale := 1 / float64(dim)

	src := pretrained.MapSource{
		"model.embed_tokens.weight": randn(1, cfg.VocabSize, dim),
		"model.norm.weight":         ones(dim),
	}
	if !cfg.TieWordEmbeddings {
		src["lm_head.weight"] = randn(scale, cfg.VocabSize, dim)
	}
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		src[pretrained.LayerWeightName(i, "self_attn.q_proj")] = randn(scale, qDim, dim)
		src[pretrained.LayerWeightName(i, "self_attn.k_proj")] = randn(scale, kvDim, dim)
		src[pretrained.LayerWeightName(i, "self_attn.v_proj")] = randn(scale, kvDim, dim)
		src[pretrained.LayerWeightName(i, "self_attn.o_proj")] = randn(scale, dim, qDim)
		src[pretrained.LayerWeightName(i, "mlp.gate_proj")] = randn(scale, ffn, dim)
		src[pretrained.LayerWeightName(i, "mlp.down_proj")] = randn(1/float64(ffn), dim, ffn)
		src[pretrained.LayerWeightName(i, "mlp.up_proj")] = randn(scale, ffn, dim)
		src[pretrained.LayerWeightName(i, "input_layernorm")] = ones(dim)
		src[pretrained.LayerWeightName(i, "post_attention_layernorm")] = ones(dim)
	}
	return src
}

// WriteCheckpoint writes config.json and the weights into dir. With
// shards > 1 the weights are split round-robin across files and a
// model.safetensors.index.json is written.
func WriteCheckpoint(t testing.TB, dir string, cfg pretrained.Config, src pretrained.MapSource, shards int) {
	t.Helper()
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), raw, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	names := make([]string, 0, len(src))
	for n := range src {
		names = append(names, n)
	}
	slices.Sort(names)

	if shards <= 1 {
		writeShard(t, filepath.Join(dir, "model.safetensors"), names, src)
		return
	}
	groups := make([][]string, shards)
	weightMap := make(map[string]string, len(names))
	for i, n := range names {
		groups[i%shards] = append(groups[i%shards], n)
	}
	for i, g := range groups {
		file := shardName(i+1, shards)
		writeShard(t, filepath.Join(dir, file), g, src)
		for _, n := range g {
			weightMap[n] = file
		}
	}
	idx, err := json.Marshal(map[string]any{"weight_map": weightMap})
	if err != nil {
		t.Fatalf("marshal index: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "model.safetensors.index.json"), idx, 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
}

func shardName(i, n int) string {
	return fmt.Sprintf("model-%05d-of-%05d.safetensors", i, n)
}

func writeShard(t testing.TB, path string, names []string, src pretrained.MapSource) {
	t.Helper()
	entries := make([]safetensors.Entry, len(names))
	for i, n := range names {
		w := src[n]
		entries[i] = safetensors.Entry{Name: n, DType: "F32", Shape: w.Shape(), Values: w.Data()}
	}
	if err := safetensors.WriteFile(path, entries, map[string]string{"format": "pt"}); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
