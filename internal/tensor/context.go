package tensor

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
)

// ErrUnsupportedDevice is returned for device names this runtime cannot run on.
var ErrUnsupportedDevice = errors.New("unsupported device")

// Device is the immutable placement and precision configuration threaded
// through model construction and every forward call.
type Device struct {
	Name    string
	DType   DType
	Threads int
}

// CPU returns the default host device computing in f32.
func CPU() Device {
	return Device{Name: "cpu", DType: F32, Threads: runtime.GOMAXPROCS(0)}
}

// Validate checks that the device can be served by this runtime.
func (d Device) Validate() error {
	switch d.Name {
	case "", "cpu":
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDevice, d.Name)
	}
	switch d.DType {
	case F32, F16, BF16:
	default:
		return fmt.Errorf("%w: dtype %v", ErrUnsupportedDevice, d.DType)
	}
	return nil
}

func (d Device) threads() int {
	if d.Threads > 0 {
		return d.Threads
	}
	return runtime.GOMAXPROCS(0)
}

func (d Device) String() string {
	name := d.Name
	if name == "" {
		name = "cpu"
	}
	return name + "/" + d.DType.String()
}

// Context carries the per-run state of the runtime: the device, the random
// stream used by dropout and initialisers, and whether ops record gradient
// history. A Context is not safe for concurrent use.
type Context struct {
	device Device
	pcg    *rand.PCG
	rng    *rand.Rand
	noGrad int
}

// NewContext returns a context on device seeded deterministically.
func NewContext(device Device, seed uint64) *Context {
	pcg := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &Context{
		device: device,
		pcg:    pcg,
		rng:    rand.New(pcg),
	}
}

// Device returns the device the context computes on.
func (c *Context) Device() Device { return c.device }

// Rand returns the context's random stream.
func (c *Context) Rand() *rand.Rand { return c.rng }

// GradEnabled reports whether ops record gradient history.
func (c *Context) GradEnabled() bool { return c.noGrad == 0 }

// NoGrad runs fn with gradient recording disabled.
func (c *Context) NoGrad(fn func()) {
	c.noGrad++
	defer func() { c.noGrad-- }()
	fn()
}

func (c *Context) withGrad(fn func()) {
	saved := c.noGrad
	c.noGrad = 0
	defer func() { c.noGrad = saved }()
	fn()
}

type rngState = rand.PCG

func (c *Context) snapshotRNG() rngState { return *c.pcg }

func (c *Context) restoreRNG(s rngState) { *c.pcg = s }

// track attaches a backward node to out when recording is enabled and at
// least one input requires gradients.
func (c *Context) track(out *Tensor, backward func(grad []float32), inputs ...*Tensor) *Tensor {
	if !c.GradEnabled() || !anyRequiresGrad(inputs) {
		return out
	}
	out.requiresGrad = true
	out.node = &node{inputs: inputs, backward: backward}
	return out
}

func anyRequiresGrad(ts []*Tensor) bool {
	for _, t := range ts {
		if t != nil && t.requiresGrad {
			return true
		}
	}
	return false
}
