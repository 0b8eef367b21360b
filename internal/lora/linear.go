package lora

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/samcharles93/multilora/internal/quant"
	"github.com/samcharles93/multilora/internal/tensor"
)

// Linear wraps one frozen base projection with any number of named
// adapters. Different batch segments can use different adapters in the
// same forward call.
//
// Attach and Detach must not run concurrently with Forward.
type Linear struct {
	base     quant.Projection
	device   tensor.Device
	enabled  bool
	adapters map[string]*Adapter
}

// NewLinear wraps base by reference. It rejects projections in a format
// the adapter path does not know how to sit beside.
func NewLinear(base quant.Projection, device tensor.Device) (*Linear, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: nil projection", ErrUnsupportedWeightFormat)
	}
	switch base.Format() {
	case quant.FormatNone, quant.FormatInt8, quant.FormatNF4, quant.FormatFP4:
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedWeightFormat, base.Format())
	}
	if err := device.Validate(); err != nil {
		return nil, err
	}
	return &Linear{base: base, device: device, adapters: make(map[string]*Adapter)}, nil
}

func (l *Linear) Base() quant.Projection { return l.base }
func (l *Linear) Device() tensor.Device  { return l.device }
func (l *Linear) InFeatures() int        { return l.base.InFeatures() }
func (l *Linear) OutFeatures() int       { return l.base.OutFeatures() }

// Enabled reports whether at least one adapter is attached.
func (l *Linear) Enabled() bool { return l.enabled }

// Attach creates or updates the adapter called name.
//
// A new adapter takes factors when given, otherwise A is drawn from rng and
// B is zero. Re-attaching an existing adapter without factors only updates
// its hyperparameters; the rank cannot change. Re-attaching with factors
// replaces the adapter outright.
func (l *Linear) Attach(name string, cfg AdapterConfig, factors *Factors, rng *rand.Rand) (*Adapter, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty adapter name", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if existing, ok := l.adapters[name]; ok && factors == nil {
		if existing.cfg.R != cfg.R {
			return nil, fmt.Errorf("%w: adapter %q has rank %d, cannot re-attach with rank %d",
				ErrShapeMismatch, name, existing.cfg.R, cfg.R)
		}
		existing.cfg = cfg
		return existing, nil
	}

	a := newAdapter(name, cfg, l.InFeatures(), l.OutFeatures())
	var err error
	if factors != nil {
		err = a.initialize(*factors)
	} else {
		if rng == nil {
			rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
		err = a.initializeRandom(rng)
	}
	if err != nil {
		return nil, err
	}
	l.adapters[name] = a
	l.enabled = true
	return a, nil
}

// Detach removes the adapter called name and reports whether it existed.
// Its factors are released once nothing else references them.
func (l *Linear) Detach(name string) bool {
	if _, ok := l.adapters[name]; !ok {
		return false
	}
	delete(l.adapters, name)
	l.enabled = len(l.adapters) > 0
	return true
}

func (l *Linear) Adapter(name string) (*Adapter, bool) {
	a, ok := l.adapters[name]
	return a, ok
}

// Adapters returns the attached adapter names, sorted.
func (l *Linear) Adapters() []string {
	names := make([]string, 0, len(l.adapters))
	for n := range l.adapters {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Forward computes the base projection of x, shaped (batch, ..., in), and
// adds scaling * dropout(x[rows]) @ Aᵀ @ Bᵀ to the rows of every segment
// whose adapter is attached here. Segments with an empty or unknown adapter
// keep the base output. Dropout only runs for training batches.
func (l *Linear) Forward(ctx *tensor.Context, x *tensor.Tensor, batch *Batch) (*tensor.Tensor, error) {
	if x.Rank() < 2 || x.Dim(-1) != l.InFeatures() {
		return nil, fmt.Errorf("%w: input %v for projection [%d %d]", ErrShapeMismatch, x.Shape(), l.OutFeatures(), l.InFeatures())
	}
	out := l.base.Forward(ctx, x)
	if !l.enabled || batch == nil {
		return out, nil
	}

	rows := x.Dim(0)
	for _, seg := range batch.Segments {
		a, ok := l.adapters[seg.Adapter]
		if seg.Adapter == "" || !ok {
			continue
		}
		if seg.Start < 0 || seg.End > rows || seg.Start >= seg.End {
			return nil, fmt.Errorf("%w: segment %q [%d,%d) outside %d rows", ErrInvalidBatch, seg.Adapter, seg.Start, seg.End, rows)
		}
		f, ok := a.Factors()
		if !ok {
			continue
		}
		h := tensor.SliceRows(ctx, x, seg.Start, seg.End)
		if !batch.Inference && a.cfg.Dropout > 0 {
			h = tensor.Dropout(ctx, h, a.cfg.Dropout)
		}
		h = tensor.MatMulT(ctx, h, f.A)
		h = tensor.MatMulT(ctx, h, f.B)
		h = tensor.Scale(ctx, h, a.Scaling())
		out = tensor.AddRows(ctx, out, h, seg.Start)
	}
	return out, nil
}
