// Package model assembles a frozen causal language model whose linear
// layers carry named low-rank adapters, and runs multi-adapter batches
// through it.
package model

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/samcharles93/multilora/internal/logger"
	"github.com/samcharles93/multilora/internal/lora"
	"github.com/samcharles93/multilora/internal/metrics"
	"github.com/samcharles93/multilora/internal/pretrained"
	"github.com/samcharles93/multilora/internal/quant"
	"github.com/samcharles93/multilora/internal/tensor"
)

// Geometry is the shape of the network, resolved from the base config.
type Geometry struct {
	Dim        int
	Layers     int
	Heads      int
	KVHeads    int
	HeadDim    int
	FFN        int
	Vocab      int
	NormEps    float64
	MaxSeqLen  int
	RopeTheta  float64
	PadTokenID int
}

// GeometryFrom derives the geometry of cfg. A positive maxSeqLen overrides
// the configured sequence limit.
func GeometryFrom(cfg pretrained.Config, maxSeqLen int) Geometry {
	g := Geometry{
		Dim:        cfg.HiddenSize,
		Layers:     cfg.NumHiddenLayers,
		Heads:      cfg.NumAttentionHeads,
		KVHeads:    cfg.NumKeyValueHeads,
		HeadDim:    cfg.HeadDim,
		FFN:        cfg.IntermediateSize,
		Vocab:      cfg.VocabSize,
		NormEps:    cfg.RMSNormEps,
		MaxSeqLen:  cfg.MaxSeqLen(),
		RopeTheta:  cfg.RopeTheta,
		PadTokenID: cfg.PadTokenIndex(),
	}
	if g.KVHeads <= 0 {
		g.KVHeads = g.Heads
	}
	if g.NormEps == 0 {
		g.NormEps = pretrained.DefaultNormEps
	}
	if g.RopeTheta == 0 {
		g.RopeTheta = pretrained.DefaultRopeTheta
	}
	if g.HeadDim == 0 && g.Heads > 0 {
		g.HeadDim = g.Dim / g.Heads
	}
	if maxSeqLen > 0 {
		g.MaxSeqLen = maxSeqLen
	}
	return g
}

type Options struct {
	Device    tensor.Device
	Logger    logger.Logger
	Attention AttentionKernel
	// Seed drives adapter initialisation. Zero picks a random seed.
	Seed      uint64
	MaxSeqLen int

	// Used by Load only.
	Quant   quant.Config
	Workers int
}

// WeightSource supplies adapter factors by FactorName.
type WeightSource interface {
	Get(name string) (*tensor.Tensor, bool)
}

// Weights is an in-memory WeightSource.
type Weights map[string]*tensor.Tensor

func (w Weights) Get(name string) (*tensor.Tensor, bool) {
	t, ok := w[name]
	return t, ok
}

// AdapterInfo describes one attached adapter.
type AdapterInfo struct {
	Name        string             `json:"name"`
	Config      lora.AdapterConfig `json:"config"`
	Projections []Projection       `json:"projections"`
	Layers      int                `json:"layers"`
	Parameters  int                `json:"parameters"`
}

// Model is a frozen base model with adapters attached to its projections.
//
// Forward may run concurrently with other Forward calls only when each uses
// its own tensor.Context and no adapter is attached or detached meanwhile.
type Model struct {
	cfg    pretrained.Config
	geom   Geometry
	device tensor.Device
	log    logger.Logger
	kernel AttentionKernel

	embedding *tensor.Tensor
	blocks    []*Block
	norm      *tensor.Tensor
	lmHead    quant.Projection
	rope      *tensor.Rope
	stages    []Stage

	rng *rand.Rand
}

// Load reads a base checkpoint directory and wraps it.
func Load(dir string, opts Options) (*Model, error) {
	base, err := pretrained.Load(dir, pretrained.Options{
		Quant:   opts.Quant,
		Logger:  opts.Logger,
		Workers: opts.Workers,
	})
	if err != nil {
		return nil, err
	}
	return FromPretrained(base, opts)
}

// FromPretrained wraps the weights of base by reference. The base weights
// are never modified or trained.
func FromPretrained(base *pretrained.Model, opts Options) (*Model, error) {
	device := opts.Device
	if device == (tensor.Device{}) {
		device = tensor.CPU()
	}
	if err := device.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	kernel := opts.Attention
	if kernel == nil {
		kernel = DefaultAttention
	}

	g := GeometryFrom(base.Config, opts.MaxSeqLen)
	if len(base.Layers) != g.Layers {
		return nil, fmt.Errorf("%w: config has %d layers, weights have %d", ErrConfigMismatch, g.Layers, len(base.Layers))
	}
	rope, err := tensor.NewRope(g.HeadDim, g.MaxSeqLen, g.RopeTheta)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigMismatch, err)
	}

	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	m := &Model{
		cfg:       base.Config,
		geom:      g,
		device:    device,
		log:       log,
		kernel:    kernel,
		embedding: base.Embedding,
		norm:      base.Norm,
		lmHead:    base.LMHead,
		rope:      rope,
		rng:       rand.New(rand.NewPCG(seed, seed>>1|1)),
		blocks:    make([]*Block, len(base.Layers)),
	}
	for i, layer := range base.Layers {
		if m.blocks[i], err = NewBlock(i, layer, g, device, kernel); err != nil {
			return nil, err
		}
	}
	m.rebuildStages()

	log.Debug("adapter model ready",
		"layers", g.Layers,
		"heads", g.Heads,
		"kv_heads", g.KVHeads,
		"head_dim", g.HeadDim,
		"max_seq_len", g.MaxSeqLen,
		"device", device.String(),
	)
	return m, nil
}

func (m *Model) rebuildStages() {
	stages := make([]Stage, 0, len(m.blocks)+3)
	stages = append(stages, Stage{Kind: StageEmbedding})
	for _, b := range m.blocks {
		stages = append(stages, Stage{Kind: StageBlock, Block: b})
	}
	stages = append(stages, Stage{Kind: StageNorm}, Stage{Kind: StageOutput})
	m.stages = stages
}

func (m *Model) Config() pretrained.Config { return m.cfg }
func (m *Model) Geometry() Geometry        { return m.geom }
func (m *Model) Device() tensor.Device     { return m.device }
func (m *Model) Blocks() []*Block          { return m.blocks }
func (m *Model) Rope() *tensor.Rope        { return m.rope }

// Stages returns a copy of the pipeline in execution order.
func (m *Model) Stages() []Stage { return slices.Clone(m.stages) }

// NewContext returns a runtime context on the model's device.
func (m *Model) NewContext(seed uint64) *tensor.Context {
	return tensor.NewContext(m.device, seed)
}

// Forward runs batch through every stage and returns logits shaped
// (rows, seq, vocab). Training batches are checkpointed per block;
// inference batches run without gradient recording. A nil
// ctx runs on a fresh context seeded with zero.
func (m *Model) Forward(ctx *tensor.Context, batch *lora.Batch) (*tensor.Tensor, error) {
	if ctx == nil {
		ctx = m.NewContext(0)
	}
	start := time.Now()
	logits, err := m.forward(ctx, batch)
	if err != nil {
		metrics.RecordForwardError(errorReason(err))
		return nil, err
	}
	took := time.Since(start)
	metrics.RecordForward(batch.Inference, batch.SeqLen(), batch.RowsPerAdapter(), took)
	m.log.Debug("forward",
		"batch", batch.ID,
		"rows", batch.Rows(),
		"seq", batch.SeqLen(),
		"segments", len(batch.Segments),
		"inference", batch.Inference,
		"took", took,
	)
	return logits, nil
}

func (m *Model) forward(ctx *tensor.Context, batch *lora.Batch) (*tensor.Tensor, error) {
	if batch == nil {
		return nil, fmt.Errorf("%w: nil batch", lora.ErrInvalidBatch)
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}
	if s := batch.SeqLen(); s > m.rope.MaxSeqLen() {
		return nil, fmt.Errorf("%w: sequence length %d exceeds %d", ErrConfigMismatch, s, m.rope.MaxSeqLen())
	}
	idx, err := tensor.NewIndex(batch.Tokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", lora.ErrInvalidBatch, err)
	}

	act := Activations{
		Tokens:     idx,
		Mask:       buildMask(batch, m.geom.Heads),
		Rope:       m.rope,
		Batch:      batch,
		Checkpoint: !batch.Inference,
	}
	run := func() {
		for _, st := range m.stages {
			if act, err = m.runStage(ctx, st, act); err != nil {
				err = fmt.Errorf("%v stage: %w", st.Kind, err)
				return
			}
		}
	}
	// Inference batches record no gradient history.
	if batch.Inference {
		ctx.NoGrad(run)
	} else {
		run()
	}
	if err != nil {
		return nil, err
	}
	return act.Hidden, nil
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, lora.ErrInvalidBatch):
		return "invalid_batch"
	case errors.Is(err, lora.ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, ErrConfigMismatch):
		return "config_mismatch"
	case errors.Is(err, ErrInvalidStage):
		return "invalid_stage"
	default:
		return "other"
	}
}

type factorSlot struct {
	block   *Block
	proj    Projection
	factors *lora.Factors
}

// InitAdapter attaches the adapter called name to every targeted projection
// of every block. Factors found in source under FactorName are copied in;
// projections without factors start fresh. A nil source initialises
// everything fresh. Nothing is attached unless every projection validates.
func (m *Model) InitAdapter(name string, cfg lora.AdapterConfig, targets Targets, source WeightSource) error {
	if name == "" {
		return fmt.Errorf("%w: empty adapter name", lora.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	projs, err := targets.Projections()
	if err != nil {
		return err
	}
	if len(projs) == 0 {
		return fmt.Errorf("%w: adapter %q targets no projections", ErrConfigMismatch, name)
	}
	if source == nil {
		source = Weights(nil)
	}

	slots := make([]factorSlot, 0, len(m.blocks)*len(projs))
	for _, b := range m.blocks {
		for _, p := range projs {
			slot, err := m.resolveFactors(b, p, name, cfg, source)
			if err != nil {
				return err
			}
			slots = append(slots, slot)
		}
	}

	for _, s := range slots {
		if _, err := s.block.Linear(s.proj).Attach(name, cfg, s.factors, m.rng); err != nil {
			return fmt.Errorf("layer %d %s: %w", s.block.Index, s.proj, err)
		}
	}

	info, _ := m.adapterInfo(name)
	metrics.RecordAdapter(name, info.Parameters)
	metrics.SetAttachedAdapters(len(m.Adapters()))
	m.log.Info("adapter attached",
		"adapter", name,
		"r", cfg.R,
		"alpha", cfg.Alpha,
		"dropout", cfg.Dropout,
		"projections", len(projs),
		"parameters", info.Parameters,
	)
	return nil
}

func (m *Model) resolveFactors(b *Block, p Projection, name string, cfg lora.AdapterConfig, source WeightSource) (factorSlot, error) {
	lin := b.Linear(p)
	slot := factorSlot{block: b, proj: p}
	aName, bName := FactorName(b.Index, p, "A"), FactorName(b.Index, p, "B")
	a, hasA := source.Get(aName)
	bf, hasB := source.Get(bName)
	switch {
	case hasA && hasB:
		if !isMatrix(a, cfg.R, lin.InFeatures()) || !isMatrix(bf, lin.OutFeatures(), cfg.R) {
			return slot, fmt.Errorf("%w: layer %d %s got A%v B%v, want A[%d %d] B[%d %d]",
				lora.ErrShapeMismatch, b.Index, p, a.Shape(), bf.Shape(), cfg.R, lin.InFeatures(), lin.OutFeatures(), cfg.R)
		}
		slot.factors = &lora.Factors{A: a, B: bf}
	case hasA:
		return slot, fmt.Errorf("%w: %s without %s", ErrMissingPairedFactor, aName, bName)
	case hasB:
		return slot, fmt.Errorf("%w: %s without %s", ErrMissingPairedFactor, bName, aName)
	default:
		if existing, ok := lin.Adapter(name); ok && existing.Config().R != cfg.R {
			return slot, fmt.Errorf("%w: adapter %q has rank %d on layer %d %s, got %d",
				lora.ErrShapeMismatch, name, existing.Config().R, b.Index, p, cfg.R)
		}
	}
	return slot, nil
}

func isMatrix(t *tensor.Tensor, rows, cols int) bool {
	return t != nil && t.Rank() == 2 && t.Dim(0) == rows && t.Dim(1) == cols
}

// DetachAdapter removes name from every projection and reports whether it
// was attached anywhere.
func (m *Model) DetachAdapter(name string) bool {
	found := false
	for _, b := range m.blocks {
		for _, p := range Projections {
			if b.Linear(p).Detach(name) {
				found = true
			}
		}
	}
	if found {
		metrics.RecordAdapter(name, 0)
		metrics.SetAttachedAdapters(len(m.Adapters()))
		m.log.Info("adapter detached", "adapter", name)
	}
	return found
}

// Adapters lists the attached adapters sorted by name.
func (m *Model) Adapters() []AdapterInfo {
	seen := make(map[string]bool)
	for _, b := range m.blocks {
		for _, p := range Projections {
			for _, n := range b.Linear(p).Adapters() {
				seen[n] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	slices.Sort(names)

	out := make([]AdapterInfo, 0, len(names))
	for _, n := range names {
		info, _ := m.adapterInfo(n)
		out = append(out, info)
	}
	return out
}

// Adapter describes one attached adapter.
func (m *Model) Adapter(name string) (AdapterInfo, bool) {
	return m.adapterInfo(name)
}

func (m *Model) adapterInfo(name string) (AdapterInfo, bool) {
	info := AdapterInfo{Name: name}
	projs := make(map[Projection]bool)
	found := false
	for _, b := range m.blocks {
		inLayer := false
		for _, p := range Projections {
			a, ok := b.Linear(p).Adapter(name)
			if !ok {
				continue
			}
			found, inLayer = true, true
			info.Config = a.Config()
			projs[p] = true
			if f, ok := a.Factors(); ok {
				info.Parameters += f.A.Len() + f.B.Len()
			}
		}
		if inLayer {
			info.Layers++
		}
	}
	for _, p := range Projections {
		if projs[p] {
			info.Projections = append(info.Projections, p)
		}
	}
	return info, found
}

// TrainableParameters returns, per adapter, its A and B factors ordered by
// layer, then projection, then A before B. The tensors are the live
// parameters; their gradients fill in on Backward.
func (m *Model) TrainableParameters() map[string][]*tensor.Tensor {
	out := make(map[string][]*tensor.Tensor)
	for _, b := range m.blocks {
		for _, p := range Projections {
			lin := b.Linear(p)
			for _, n := range lin.Adapters() {
				a, _ := lin.Adapter(n)
				if f, ok := a.Factors(); ok {
					out[n] = append(out[n], f.A, f.B)
				}
			}
		}
	}
	return out
}

// AdapterWeights copies the factors of name keyed by FactorName, in layer
// then projection order, and lists the projections that carry it. The
// ordered map is itself a WeightSource for InitAdapter.
func (m *Model) AdapterWeights(name string) (*orderedmap.OrderedMap[string, *tensor.Tensor], []Projection) {
	weights := orderedmap.New[string, *tensor.Tensor]()
	projs := make(map[Projection]bool)
	for _, b := range m.blocks {
		for _, p := range Projections {
			a, ok := b.Linear(p).Adapter(name)
			if !ok {
				continue
			}
			f, ok := a.Factors()
			if !ok {
				continue
			}
			projs[p] = true
			weights.Set(FactorName(b.Index, p, "A"), f.A.Clone())
			weights.Set(FactorName(b.Index, p, "B"), f.B.Clone())
		}
	}
	var list []Projection
	for _, p := range Projections {
		if projs[p] {
			list = append(list, p)
		}
	}
	return weights, list
}
