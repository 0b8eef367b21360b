package pretrained_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/multilora/internal/pretrained"
	"github.com/samcharles93/multilora/internal/pretrained/pretrainedtest"
	"github.com/samcharles93/multilora/internal/quant"
)

func TestParseConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := pretrained.ParseConfig([]byte(`{
		"hidden_size": 64, "intermediate_size": 96, "num_hidden_layers": 2,
		"num_attention_heads": 4, "vocab_size": 32
	}`))
	require.NoError(t, err)
	require.Equal(t, 4, cfg.NumKeyValueHeads)
	require.Equal(t, 16, cfg.HeadDim)
	require.InDelta(t, 1e-6, cfg.RMSNormEps, 1e-12)
	require.InDelta(t, 10000, cfg.RopeTheta, 0)
	require.Equal(t, 4096, cfg.MaxSeqLen())
	require.Equal(t, -1, cfg.PadTokenIndex())
}

func TestParseConfigSequenceLimitPrecedence(t *testing.T) {
	t.Parallel()
	base := `"hidden_size": 8, "intermediate_size": 8, "num_hidden_layers": 1, "num_attention_heads": 2, "vocab_size": 4`
	cfg, err := pretrained.ParseConfig([]byte(`{` + base + `, "max_position_embeddings": 2048, "pad_token_id": 0}`))
	require.NoError(t, err)
	require.Equal(t, 2048, cfg.MaxSeqLen())
	require.Equal(t, 0, cfg.PadTokenIndex())

	cfg, err = pretrained.ParseConfig([]byte(`{` + base + `, "max_position_embeddings": 2048, "max_sequence_length": 512}`))
	require.NoError(t, err)
	require.Equal(t, 512, cfg.MaxSeqLen())
}

func TestParseConfigRejectsIncomplete(t *testing.T) {
	t.Parallel()
	_, err := pretrained.ParseConfig([]byte(`{"hidden_size": 64}`))
	require.ErrorIs(t, err, pretrained.ErrInvalidConfig)
	_, err = pretrained.ParseConfig([]byte(`{`))
	require.ErrorIs(t, err, pretrained.ErrInvalidConfig)
}

func TestLoadSingleAndSharded(t *testing.T) {
	t.Parallel()
	cfg := pretrainedtest.TinyConfig()
	src := pretrainedtest.Weights(cfg, 1)

	for _, shards := range []int{1, 3} {
		dir := t.TempDir()
		pretrainedtest.WriteCheckpoint(t, dir, cfg, src, shards)

		m, err := pretrained.Load(dir, pretrained.Options{})
		require.NoError(t, err)
		require.Len(t, m.Layers, cfg.NumHiddenLayers)
		require.Equal(t, src["model.embed_tokens.weight"].Data(), m.Embedding.Data())
		require.Equal(t, quant.FormatNone, m.Layers[1].Q.Format())
		require.Equal(t, 32, m.Layers[0].K.OutFeatures())
		require.Equal(t, 96, m.Layers[0].Down.InFeatures())
		require.Equal(t, cfg.VocabSize, m.LMHead.OutFeatures())
	}
}

func TestLoadQuantized(t *testing.T) {
	t.Parallel()
	cfg := pretrainedtest.TinyConfig()
	m, err := pretrained.Build(cfg, pretrainedtest.Weights(cfg, 2), pretrained.Options{
		Quant: quant.Config{Mode: quant.Mode4Bit, QuantType: "fp4", DoubleQuant: true},
	})
	require.NoError(t, err)
	require.Equal(t, quant.FormatFP4, m.Layers[0].Gate.Format())
	require.Equal(t, quant.FormatNone, m.LMHead.Format())
}

func TestBuildTiesMissingHead(t *testing.T) {
	t.Parallel()
	cfg := pretrainedtest.TinyConfig()
	cfg.TieWordEmbeddings = true
	src := pretrainedtest.Weights(cfg, 3)
	_, hasHead := src["lm_head.weight"]
	require.False(t, hasHead)

	m, err := pretrained.Build(cfg, src, pretrained.Options{})
	require.NoError(t, err)
	require.Equal(t, src["model.embed_tokens.weight"].Data(), quant.Weight(m.LMHead).Data())
}

func TestBuildReportsShapeAndMissingWeights(t *testing.T) {
	t.Parallel()
	cfg := pretrainedtest.TinyConfig()
	src := pretrainedtest.Weights(cfg, 4)
	delete(src, pretrained.LayerWeightName(1, "mlp.up_proj"))
	_, err := pretrained.Build(cfg, src, pretrained.Options{})
	require.ErrorIs(t, err, pretrained.ErrMissingWeight)

	src = pretrainedtest.Weights(cfg, 4)
	cfg.NumKeyValueHeads = 4
	_, err = pretrained.Build(cfg, src, pretrained.Options{})
	require.Error(t, err)
	require.False(t, errors.Is(err, pretrained.ErrMissingWeight))
}

func TestOpenCheckpointWithoutWeights(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{}`), 0o644))
	_, err := pretrained.OpenCheckpoint(dir)
	require.Error(t, err)
}

func TestCheckpointNamesAndInfo(t *testing.T) {
	t.Parallel()
	cfg := pretrainedtest.TinyConfig()
	src := pretrainedtest.Weights(cfg, 2)
	dir := t.TempDir()
	pretrainedtest.WriteCheckpoint(t, dir, cfg, src, 2)

	ckpt, err := pretrained.OpenCheckpoint(dir)
	require.NoError(t, err)
	defer func() { require.NoError(t, ckpt.Close()) }()

	require.Len(t, ckpt.Names(), len(src))
	require.Len(t, ckpt.Shards(), 2)
	info, ok := ckpt.Info(pretrained.LayerWeightName(1, "mlp.down_proj"))
	require.True(t, ok)
	require.Equal(t, "F32", info.DType)
	require.Equal(t, []int{cfg.HiddenSize, cfg.IntermediateSize}, info.Shape)
	_, ok = ckpt.Info("missing.weight")
	require.False(t, ok)
}
