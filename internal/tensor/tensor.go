package tensor

import (
	"fmt"
	"strings"
)

// Tensor is a dense row-major float32 array that can take part in
// reverse-mode differentiation.
//
// A Tensor created by New or FromData is a leaf. Leaves marked with
// SetRequiresGrad accumulate gradients in Grad after Backward. Tensors
// produced by ops while gradient recording is enabled carry the node that
// knows how to push their gradient back to their inputs.
//
// Views returned by Reshape and Detach share Data with their source.
type Tensor struct {
	shape []int
	data  []float32
	grad  []float32

	requiresGrad bool
	node         *node
	name         string
}

type node struct {
	inputs   []*Tensor
	backward func(grad []float32)
}

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	n := numElements(shape)
	return &Tensor{
		shape: cloneShape(shape),
		data:  make([]float32, n),
	}
}

// FromData wraps data in a tensor of the given shape without copying.
// It panics if the element count does not match.
func FromData(data []float32, shape ...int) *Tensor {
	n := numElements(shape)
	if n != len(data) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{
		shape: cloneShape(shape),
		data:  data,
	}
}

// Full allocates a tensor filled with v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("tensor: negative dimension")
		}
		n *= d
	}
	return n
}

func cloneShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int { return cloneShape(t.shape) }

// Dim returns the size of dimension i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.data) }

// Data exposes the underlying storage.
func (t *Tensor) Data() []float32 { return t.data }

// Grad returns the accumulated gradient, or nil if none reached the tensor.
func (t *Tensor) Grad() []float32 { return t.grad }

// RequiresGrad reports whether gradients are tracked for t.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// SetRequiresGrad toggles gradient tracking on a leaf and returns t.
func (t *Tensor) SetRequiresGrad(v bool) *Tensor {
	if t.node != nil {
		panic("tensor: SetRequiresGrad on non-leaf tensor")
	}
	t.requiresGrad = v
	return t
}

// Name returns the debug name.
func (t *Tensor) Name() string { return t.name }

// SetName sets a debug name and returns t.
func (t *Tensor) SetName(name string) *Tensor {
	t.name = name
	return t
}

// ZeroGrad drops any accumulated gradient.
func (t *Tensor) ZeroGrad() { t.grad = nil }

// Detach returns a leaf sharing t's storage with no gradient history.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{shape: cloneShape(t.shape), data: t.data, name: t.name}
}

// Clone returns a leaf holding a copy of t's data.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.data))
	copy(data, t.data)
	return &Tensor{shape: cloneShape(t.shape), data: data, name: t.name}
}

// Row returns the contiguous slice for index i of the leading dimension.
func (t *Tensor) Row(i int) []float32 {
	if len(t.shape) == 0 || i < 0 || i >= t.shape[0] {
		panic("tensor: row index out of range")
	}
	stride := len(t.data) / t.shape[0]
	return t.data[i*stride : (i+1)*stride]
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	var b strings.Builder
	if t.name != "" {
		b.WriteString(t.name)
	} else {
		b.WriteString("tensor")
	}
	fmt.Fprintf(&b, "%v", t.shape)
	if t.requiresGrad {
		b.WriteString(" grad")
	}
	return b.String()
}

func (t *Tensor) accumulate(g []float32) {
	if t.grad == nil {
		t.grad = make([]float32, len(t.data))
	}
	for i, v := range g {
		t.grad[i] += v
	}
}

func (t *Tensor) gradBuffer() []float32 {
	if t.grad == nil {
		t.grad = make([]float32, len(t.data))
	}
	return t.grad
}
