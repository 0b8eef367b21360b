package model

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samcharles93/multilora/internal/lora"
	"github.com/samcharles93/multilora/internal/pretrained"
	"github.com/samcharles93/multilora/internal/pretrained/pretrainedtest"
	"github.com/samcharles93/multilora/internal/quant"
	"github.com/samcharles93/multilora/internal/tensor"
)

func newTinyModel(t *testing.T, seed uint64) *Model {
	t.Helper()
	cfg := pretrainedtest.TinyConfig()
	base, err := pretrained.Build(cfg, pretrainedtest.Weights(cfg, 7), pretrained.Options{})
	if err != nil {
		t.Fatalf("build base: %v", err)
	}
	m, err := FromPretrained(base, Options{Device: tensor.CPU(), Seed: seed})
	if err != nil {
		t.Fatalf("FromPretrained: %v", err)
	}
	return m
}

func repeatedTokens(rows, seq int) [][]int {
	out := make([][]int, rows)
	for r := range out {
		out[r] = make([]int, seq)
		for i := range out[r] {
			out[r][i] = (i*5 + 3) % 32
		}
	}
	return out
}

func rowOf(logits *tensor.Tensor, r int) []float32 {
	return logits.Row(r)
}

var approx = cmpopts.EquateApprox(1e-5, 1e-5)

func TestEndToEndMultiAdapterBatch(t *testing.T) {
	m := newTinyModel(t, 1)
	cfg := lora.AdapterConfig{R: 4, Alpha: 8}
	if err := m.InitAdapter("adapterA", cfg, AllTargets(), nil); err != nil {
		t.Fatalf("InitAdapter: %v", err)
	}

	batch := &lora.Batch{
		Tokens:    repeatedTokens(2, 8),
		Segments:  []lora.Segment{{Adapter: "adapterA", Start: 0, End: 1}, {Adapter: "", Start: 1, End: 2}},
		Inference: true,
	}
	logits, err := m.Forward(m.NewContext(1), batch)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if diff := cmp.Diff([]int{2, 8, 32}, logits.Shape()); diff != "" {
		t.Fatalf("logits shape (-want +got):\n%s", diff)
	}
	// B starts at zero, so a fresh adapter cannot change the output.
	if diff := cmp.Diff(rowOf(logits, 1), rowOf(logits, 0), approx); diff != "" {
		t.Fatalf("fresh adapter changed logits (-base +adapted):\n%s", diff)
	}
	if batch.ID == "" {
		t.Fatal("batch ID not assigned")
	}

	// Once B is non-zero only the adapter's segment moves.
	for _, p := range m.TrainableParameters()["adapterA"] {
		for i := range p.Data() {
			if p.Dim(1) == cfg.R {
				p.Data()[i] = 0.05
			}
		}
	}
	adapted, err := m.Forward(m.NewContext(1), batch)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if cmp.Equal(rowOf(adapted, 0), rowOf(logits, 0), approx) {
		t.Fatal("non-zero adapter left its segment unchanged")
	}
	if diff := cmp.Diff(rowOf(logits, 1), rowOf(adapted, 1), approx); diff != "" {
		t.Fatalf("base-only segment changed (-before +after):\n%s", diff)
	}
}

func TestUnknownSegmentAdapterUsesBase(t *testing.T) {
	m := newTinyModel(t, 2)
	batch := &lora.Batch{
		Tokens:    repeatedTokens(2, 4),
		Segments:  []lora.Segment{{Adapter: "missing", Start: 0, End: 1}, {Start: 1, End: 2}},
		Inference: true,
	}
	logits, err := m.Forward(nil, batch)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if diff := cmp.Diff(rowOf(logits, 1), rowOf(logits, 0), approx); diff != "" {
		t.Fatalf("unknown adapter changed logits:\n%s", diff)
	}
}

func TestAdapterWeightsRoundTrip(t *testing.T) {
	src := newTinyModel(t, 3)
	cfg := lora.AdapterConfig{R: 2, Alpha: 4}
	targets := Targets{"q_proj": true, "v_proj": true, "w2_proj": true}
	if err := src.InitAdapter("style", cfg, targets, nil); err != nil {
		t.Fatalf("InitAdapter: %v", err)
	}
	ctx := src.NewContext(9)
	for _, p := range src.TrainableParameters()["style"] {
		for i := range p.Data() {
			p.Data()[i] = float32(ctx.Rand().NormFloat64() * 0.1)
		}
	}

	weights, projs := src.AdapterWeights("style")
	if diff := cmp.Diff([]Projection{ProjQ, ProjV, ProjDown}, projs); diff != "" {
		t.Fatalf("projections (-want +got):\n%s", diff)
	}
	if want := 2 * 2 * 3; weights.Len() != want {
		t.Fatalf("extracted %d tensors, want %d", weights.Len(), want)
	}
	first := weights.Oldest()
	if first.Key != FactorName(0, ProjQ, "A") || first.Next().Key != FactorName(0, ProjQ, "B") {
		t.Fatalf("unexpected order starting %q, %q", first.Key, first.Next().Key)
	}

	dst := newTinyModel(t, 4)
	if err := dst.InitAdapter("style", cfg, targets, weights); err != nil {
		t.Fatalf("InitAdapter from weights: %v", err)
	}
	batch := func() *lora.Batch {
		return &lora.Batch{
			Tokens:    repeatedTokens(1, 6),
			Segments:  []lora.Segment{{Adapter: "style", Start: 0, End: 1}},
			Inference: true,
		}
	}
	want, err := src.Forward(src.NewContext(0), batch())
	if err != nil {
		t.Fatal(err)
	}
	got, err := dst.Forward(dst.NewContext(0), batch())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want.Data(), got.Data()); diff != "" {
		t.Fatalf("round-tripped adapter differs:\n%s", diff)
	}

	// Factors were copied, not shared.
	src.TrainableParameters()["style"][0].Data()[0] += 1
	again, err := dst.Forward(dst.NewContext(0), batch())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got.Data(), again.Data()); diff != "" {
		t.Fatalf("destination model shares factors with source:\n%s", diff)
	}
}

func TestTrainableParameterCount(t *testing.T) {
	m := newTinyModel(t, 5)
	targets := Targets{"q_proj": true, "k_proj": true, "o_proj": true, "up_proj": true, "gate_proj": false}
	if err := m.InitAdapter("a", lora.AdapterConfig{R: 4, Alpha: 4}, targets, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.InitAdapter("b", lora.AdapterConfig{R: 1, Alpha: 1}, AllTargets(), nil); err != nil {
		t.Fatal(err)
	}
	params := m.TrainableParameters()
	layers := m.Geometry().Layers
	if got, want := len(params["a"]), 2*layers*4; got != want {
		t.Fatalf("adapter a has %d parameters, want %d", got, want)
	}
	if got, want := len(params["b"]), 2*layers*7; got != want {
		t.Fatalf("adapter b has %d parameters, want %d", got, want)
	}
	for _, p := range params["a"] {
		if !p.RequiresGrad() {
			t.Fatalf("%s does not require grad", p.Name())
		}
	}

	infos := m.Adapters()
	if len(infos) != 2 || infos[0].Name != "a" || infos[1].Name != "b" {
		t.Fatalf("Adapters() = %+v", infos)
	}
	if infos[0].Layers != layers || len(infos[0].Projections) != 4 {
		t.Fatalf("adapter a coverage = %+v", infos[0])
	}
}

// runStages executes the pipeline with an explicit checkpoint flag.
func runStages(t *testing.T, m *Model, ctx *tensor.Context, batch *lora.Batch, checkpoint bool) *tensor.Tensor {
	t.Helper()
	if err := batch.Validate(); err != nil {
		t.Fatal(err)
	}
	idx, err := tensor.NewIndex(batch.Tokens)
	if err != nil {
		t.Fatal(err)
	}
	act := Activations{
		Tokens:     idx,
		Mask:       buildMask(batch, m.geom.Heads),
		Rope:       m.rope,
		Batch:      batch,
		Checkpoint: checkpoint,
	}
	for _, st := range m.Stages() {
		if act, err = m.runStage(ctx, st, act); err != nil {
			t.Fatalf("%v stage: %v", st.Kind, err)
		}
	}
	return act.Hidden
}

func TestCheckpointedBlocksMatchPlainForward(t *testing.T) {
	m := newTinyModel(t, 6)
	if err := m.InitAdapter("train", lora.AdapterConfig{R: 4, Alpha: 8, Dropout: 0.1}, AllTargets(), nil); err != nil {
		t.Fatal(err)
	}
	params := m.TrainableParameters()["train"]
	for i, p := range params {
		if p.Dim(1) == 4 {
			for j := range p.Data() {
				p.Data()[j] = float32(math.Sin(float64(i*31+j))) * 0.05
			}
		}
	}
	batch := &lora.Batch{
		Tokens:   repeatedTokens(3, 5),
		Segments: []lora.Segment{{Adapter: "train", Start: 0, End: 2}, {Start: 2, End: 3}},
	}

	run := func(checkpoint bool) ([]float32, [][]float32) {
		for _, p := range params {
			p.ZeroGrad()
		}
		ctx := m.NewContext(42)
		logits := runStages(t, m, ctx, batch, checkpoint)
		w := tensor.New(logits.Shape()...)
		for i := range w.Data() {
			w.Data()[i] = float32(math.Cos(float64(i)))
		}
		tensor.Backward(tensor.Sum(ctx, tensor.Mul(ctx, logits, w)))
		grads := make([][]float32, len(params))
		for i, p := range params {
			grads[i] = append([]float32(nil), p.Grad()...)
		}
		return append([]float32(nil), logits.Data()...), grads
	}

	plainOut, plainGrads := run(false)
	ckptOut, ckptGrads := run(true)
	if diff := cmp.Diff(plainOut, ckptOut); diff != "" {
		t.Fatalf("checkpointed logits differ:\n%s", diff)
	}
	gradApprox := cmpopts.EquateApprox(1e-4, 1e-6)
	for i := range params {
		if len(plainGrads[i]) == 0 {
			t.Fatalf("parameter %s received no gradient", params[i].Name())
		}
		if diff := cmp.Diff(plainGrads[i], ckptGrads[i], gradApprox); diff != "" {
			t.Fatalf("gradient of %s differs:\n%s", params[i].Name(), diff)
		}
	}
}

func TestTrainingForwardReachesAdapterGradients(t *testing.T) {
	m := newTinyModel(t, 7)
	if err := m.InitAdapter("a", lora.AdapterConfig{R: 2, Alpha: 2}, Targets{"v_proj": true}, nil); err != nil {
		t.Fatal(err)
	}
	ctx := m.NewContext(1)
	logits, err := m.Forward(ctx, &lora.Batch{
		Tokens:   repeatedTokens(1, 4),
		Segments: []lora.Segment{{Adapter: "a", Start: 0, End: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	tensor.Backward(tensor.Sum(ctx, logits))
	for _, p := range m.TrainableParameters()["a"] {
		if len(p.Grad()) == 0 {
			t.Fatalf("%s has no gradient after a training forward", p.Name())
		}
	}
}

func TestInferenceForwardRecordsNoHistory(t *testing.T) {
	m := newTinyModel(t, 8)
	if err := m.InitAdapter("a", lora.AdapterConfig{R: 2, Alpha: 2}, Targets{"q_proj": true}, nil); err != nil {
		t.Fatal(err)
	}
	for _, inference := range []bool{true, false} {
		logits, err := m.Forward(m.NewContext(1), &lora.Batch{
			Tokens:    repeatedTokens(1, 4),
			Segments:  []lora.Segment{{Adapter: "a", Start: 0, End: 1}},
			Inference: inference,
		})
		if err != nil {
			t.Fatal(err)
		}
		if got := logits.RequiresGrad(); got == inference {
			t.Fatalf("inference=%v: logits RequiresGrad = %v", inference, got)
		}
	}
}

func TestInvalidStage(t *testing.T) {
	m := newTinyModel(t, 8)
	_, err := m.runStage(m.NewContext(0), Stage{Kind: StageKind(99)}, Activations{})
	if !errors.Is(err, ErrInvalidStage) {
		t.Fatalf("err = %v, want ErrInvalidStage", err)
	}
	_, err = m.runStage(m.NewContext(0), Stage{Kind: StageBlock}, Activations{})
	if !errors.Is(err, ErrInvalidStage) {
		t.Fatalf("block stage without block: err = %v", err)
	}
}

func TestStageOrder(t *testing.T) {
	m := newTinyModel(t, 8)
	var kinds []StageKind
	for _, st := range m.Stages() {
		kinds = append(kinds, st.Kind)
	}
	want := []StageKind{StageEmbedding, StageBlock, StageBlock, StageNorm, StageOutput}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("stage order (-want +got):\n%s", diff)
	}
}

func TestConfigMismatch(t *testing.T) {
	cfg := pretrainedtest.TinyConfig()
	base, err := pretrained.Build(cfg, pretrainedtest.Weights(cfg, 1), pretrained.Options{})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(g *Geometry)
	}{
		{"kv heads do not divide heads", func(g *Geometry) { g.KVHeads = 3 }},
		{"head dim disagrees with hidden size", func(g *Geometry) { g.HeadDim = 8 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := GeometryFrom(cfg, 0)
			tt.mutate(&g)
			_, err := NewBlock(0, base.Layers[0], g, tensor.CPU(), nil)
			if !errors.Is(err, ErrConfigMismatch) {
				t.Fatalf("err = %v, want ErrConfigMismatch", err)
			}
		})
	}

	t.Run("sequence longer than rotary table", func(t *testing.T) {
		m, err := FromPretrained(base, Options{MaxSeqLen: 4})
		if err != nil {
			t.Fatal(err)
		}
		_, err = m.Forward(nil, &lora.Batch{
			Tokens:    repeatedTokens(1, 5),
			Segments:  []lora.Segment{{Start: 0, End: 1}},
			Inference: true,
		})
		if !errors.Is(err, ErrConfigMismatch) {
			t.Fatalf("err = %v, want ErrConfigMismatch", err)
		}
	})

	t.Run("block input width", func(t *testing.T) {
		m, err := FromPretrained(base, Options{})
		if err != nil {
			t.Fatal(err)
		}
		b := m.Blocks()[0]
		_, err = b.Forward(m.NewContext(0), tensor.New(1, 2, 10), nil, m.Rope(), nil)
		if !errors.Is(err, ErrConfigMismatch) {
			t.Fatalf("err = %v, want ErrConfigMismatch", err)
		}
	})
}

func TestInitAdapterMissingPairIsAtomic(t *testing.T) {
	m := newTinyModel(t, 9)
	cfg := lora.AdapterConfig{R: 2, Alpha: 2}
	weights := Weights{
		FactorName(0, ProjQ, "A"): tensor.New(2, 64),
		FactorName(0, ProjQ, "B"): tensor.New(64, 2),
		FactorName(1, ProjQ, "A"): tensor.New(2, 64),
	}
	err := m.InitAdapter("half", cfg, Targets{"q_proj": true}, weights)
	if !errors.Is(err, ErrMissingPairedFactor) {
		t.Fatalf("err = %v, want ErrMissingPairedFactor", err)
	}
	if len(m.Adapters()) != 0 {
		t.Fatalf("failed InitAdapter left adapters attached: %+v", m.Adapters())
	}
}

func TestInitAdapterShapeMismatch(t *testing.T) {
	m := newTinyModel(t, 10)
	weights := Weights{
		FactorName(0, ProjK, "A"): tensor.New(2, 64),
		FactorName(0, ProjK, "B"): tensor.New(64, 2), // k_proj outputs 32
	}
	err := m.InitAdapter("bad", lora.AdapterConfig{R: 2, Alpha: 2}, Targets{"k_proj": true}, weights)
	if !errors.Is(err, lora.ErrShapeMismatch) {
		t.Fatalf("err = %v, want ErrShapeMismatch", err)
	}

	if err := m.InitAdapter("r2", lora.AdapterConfig{R: 2, Alpha: 2}, AllTargets(), nil); err != nil {
		t.Fatal(err)
	}
	err = m.InitAdapter("r2", lora.AdapterConfig{R: 3, Alpha: 2}, AllTargets(), nil)
	if !errors.Is(err, lora.ErrShapeMismatch) {
		t.Fatalf("rank change: err = %v, want ErrShapeMismatch", err)
	}
	// Same rank updates hyperparameters in place.
	if err := m.InitAdapter("r2", lora.AdapterConfig{R: 2, Alpha: 6}, AllTargets(), nil); err != nil {
		t.Fatal(err)
	}
	info, ok := m.Adapter("r2")
	if !ok || info.Config.Alpha != 6 {
		t.Fatalf("adapter after re-attach = %+v", info)
	}
}

func TestDetachAdapter(t *testing.T) {
	m := newTinyModel(t, 11)
	if err := m.InitAdapter("gone", lora.AdapterConfig{R: 1, Alpha: 1}, AllTargets(), nil); err != nil {
		t.Fatal(err)
	}
	if !m.DetachAdapter("gone") {
		t.Fatal("DetachAdapter reported nothing removed")
	}
	if m.DetachAdapter("gone") {
		t.Fatal("second DetachAdapter reported a removal")
	}
	if len(m.TrainableParameters()) != 0 {
		t.Fatal("detached adapter still has trainable parameters")
	}
	for _, b := range m.Blocks() {
		if b.Q.Enabled() {
			t.Fatal("projection still enabled after detach")
		}
	}
}

func TestTokenOutOfRange(t *testing.T) {
	m := newTinyModel(t, 12)
	_, err := m.Forward(nil, &lora.Batch{
		Tokens:    [][]int{{1, 2, 99}},
		Segments:  []lora.Segment{{Start: 0, End: 1}},
		Inference: true,
	})
	if !errors.Is(err, lora.ErrInvalidBatch) {
		t.Fatalf("err = %v, want ErrInvalidBatch", err)
	}
}

func TestPaddingMask(t *testing.T) {
	batch := &lora.Batch{
		Tokens:      [][]int{{1, 2, 3}},
		PaddingMask: [][]bool{{true, false, false}},
	}
	mask := buildMask(batch, 2)
	ninf := float32(math.Inf(-1))
	want := []float32{
		ninf, ninf, ninf,
		ninf, 0, ninf,
		ninf, 0, 0,
	}
	for h := 0; h < 2; h++ {
		got := mask.Data()[h*9 : (h+1)*9]
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("head %d mask (-want +got):\n%s", h, diff)
		}
	}
}

func TestQuantizedBase(t *testing.T) {
	cfg := pretrainedtest.TinyConfig()
	for _, mode := range []quant.Mode{quant.Mode8Bit, quant.Mode4Bit} {
		t.Run(string(mode), func(t *testing.T) {
			base, err := pretrained.Build(cfg, pretrainedtest.Weights(cfg, 3), pretrained.Options{Quant: quant.Config{Mode: mode}})
			if err != nil {
				t.Fatal(err)
			}
			m, err := FromPretrained(base, Options{Seed: 1})
			if err != nil {
				t.Fatal(err)
			}
			if err := m.InitAdapter("q", lora.AdapterConfig{R: 2, Alpha: 4}, AllTargets(), nil); err != nil {
				t.Fatal(err)
			}
			logits, err := m.Forward(nil, &lora.Batch{
				Tokens:    repeatedTokens(1, 3),
				Segments:  []lora.Segment{{Adapter: "q", Start: 0, End: 1}},
				Inference: true,
			})
			if err != nil {
				t.Fatal(err)
			}
			for _, v := range logits.Data() {
				if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
					t.Fatalf("non-finite logit %v", v)
				}
			}
		})
	}
}

func TestParseProjectionAliases(t *testing.T) {
	tests := map[string]Projection{
		"q_proj":  ProjQ,
		"w1_proj": ProjGate,
		"w2_proj": ProjDown,
		"w3_proj": ProjUp,
		"up_proj": ProjUp,
	}
	for in, want := range tests {
		got, err := ParseProjection(in)
		if err != nil || got != want {
			t.Fatalf("ParseProjection(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseProjection("lm_head"); err == nil {
		t.Fatal("expected error for unknown module")
	}
	if got := FactorName(3, ProjDown, "B"); got != "base_model.model.model.layers.3.mlp.down_proj.lora_B.weight" {
		t.Fatalf("FactorName = %q", got)
	}
}
