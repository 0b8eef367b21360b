package tensor

import "fmt"

// CheckpointFunc is a recomputable forward segment. It must be a pure
// function of its inputs, the tensors it closes over and the context's
// random stream.
type CheckpointFunc func(ctx *Context, inputs []*Tensor) (*Tensor, error)

// Checkpoint runs fn without recording its intermediate activations. When a
// gradient later reaches the returned tensor, fn is executed again with
// recording enabled, starting from the random stream position of the
// original call, and the gradient is pushed through the recomputed graph.
// Parameters captured by fn receive their gradients during that second run.
//
// As with re-entrant checkpointing, the result only takes part in
// differentiation when at least one input requires gradients.
func Checkpoint(ctx *Context, fn CheckpointFunc, inputs ...*Tensor) (*Tensor, error) {
	state := ctx.snapshotRNG()

	var (
		out *Tensor
		err error
	)
	ctx.NoGrad(func() {
		out, err = fn(ctx, inputs)
	})
	if err != nil {
		return nil, err
	}
	res := &Tensor{shape: cloneShape(out.shape), data: out.data, name: out.name}

	return ctx.track(res, func(g []float32) {
		detached := make([]*Tensor, len(inputs))
		for i, in := range inputs {
			if in == nil {
				continue
			}
			detached[i] = in.Detach()
			detached[i].requiresGrad = in.requiresGrad
		}

		resume := ctx.snapshotRNG()
		ctx.restoreRNG(state)
		var recomputed *Tensor
		ctx.withGrad(func() {
			recomputed, err = fn(ctx, detached)
		})
		ctx.restoreRNG(resume)
		if err != nil {
			panic(fmt.Sprintf("tensor: checkpoint recompute failed: %v", err))
		}

		BackwardWith(recomputed, g)
		for i, in := range inputs {
			if in != nil && in.requiresGrad && detached[i].grad != nil {
				in.accumulate(detached[i].grad)
			}
		}
	}, inputs...), nil
}
