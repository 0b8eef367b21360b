package lora

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/samcharles93/multilora/internal/tensor"
)

// AdapterConfig holds the hyperparameters of one adapter.
type AdapterConfig struct {
	R       int     `json:"r" yaml:"r"`
	Alpha   float32 `json:"alpha" yaml:"alpha"`
	Dropout float32 `json:"dropout" yaml:"dropout"`
}

func (c AdapterConfig) Validate() error {
	switch {
	case c.R <= 0:
		return fmt.Errorf("%w: rank must be positive, got %d", ErrInvalidConfig, c.R)
	case c.Alpha <= 0:
		return fmt.Errorf("%w: alpha must be positive, got %g", ErrInvalidConfig, c.Alpha)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("%w: dropout must be in [0,1), got %g", ErrInvalidConfig, c.Dropout)
	}
	return nil
}

// Scaling is alpha / r.
func (c AdapterConfig) Scaling() float32 { return c.Alpha / float32(c.R) }

// Factors is a pair of low-rank factors: A is (r, in) and B is (out, r).
type Factors struct {
	A, B *tensor.Tensor
}

// factorState is either uninitialized or initialized; nothing outside this
// file can construct another variant.
type factorState interface{ factorState() }

type uninitialized struct{}

type initialized struct{ a, b *tensor.Tensor }

func (uninitialized) factorState() {}
func (initialized) factorState()   {}

// Adapter is one named low-rank delta attached to a Linear.
type Adapter struct {
	name    string
	cfg     AdapterConfig
	in, out int
	state   factorState
}

func newAdapter(name string, cfg AdapterConfig, in, out int) *Adapter {
	return &Adapter{name: name, cfg: cfg, in: in, out: out, state: uninitialized{}}
}

func (a *Adapter) Name() string          { return a.name }
func (a *Adapter) Config() AdapterConfig { return a.cfg }
func (a *Adapter) Scaling() float32      { return a.cfg.Scaling() }

// Factors returns the trainable A and B tensors once initialized.
func (a *Adapter) Factors() (Factors, bool) {
	s, ok := a.state.(initialized)
	if !ok {
		return Factors{}, false
	}
	return Factors{A: s.a, B: s.b}, true
}

// initialize is the only transition out of uninitialized. It copies f,
// checking both factors are present with shapes (r, in) and (out, r).
func (a *Adapter) initialize(f Factors) error {
	if _, ok := a.state.(uninitialized); !ok {
		return fmt.Errorf("adapter %q already initialized", a.name)
	}
	if f.A == nil || f.B == nil {
		return fmt.Errorf("%w: adapter %q needs both factors", ErrShapeMismatch, a.name)
	}
	r := a.cfg.R
	if !hasShape(f.A, r, a.in) || !hasShape(f.B, a.out, r) {
		return fmt.Errorf("%w: adapter %q got A%v B%v, want A[%d %d] B[%d %d]",
			ErrShapeMismatch, a.name, f.A.Shape(), f.B.Shape(), r, a.in, a.out, r)
	}
	a.state = initialized{
		a: f.A.Clone().SetName(a.name + ".lora_A").SetRequiresGrad(true),
		b: f.B.Clone().SetName(a.name + ".lora_B").SetRequiresGrad(true),
	}
	return nil
}

// initializeRandom draws A from a Kaiming normal with a = sqrt(5)
// (std = 1/sqrt(3*in)) and zeroes B, so a fresh adapter adds nothing.
func (a *Adapter) initializeRandom(rng *rand.Rand) error {
	r := a.cfg.R
	A := tensor.New(r, a.in)
	std := 1 / math.Sqrt(3*float64(a.in))
	for i := range A.Data() {
		A.Data()[i] = float32(rng.NormFloat64() * std)
	}
	return a.initialize(Factors{A: A, B: tensor.New(a.out, r)})
}

func hasShape(t *tensor.Tensor, rows, cols int) bool {
	return t.Rank() == 2 && t.Dim(0) == rows && t.Dim(1) == cols
}
