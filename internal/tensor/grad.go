package tensor

// Backward propagates a gradient of ones from t through its recorded
// history. Leaves that require gradients accumulate into Grad.
func Backward(t *Tensor) {
	seed := make([]float32, len(t.data))
	for i := range seed {
		seed[i] = 1
	}
	BackwardWith(t, seed)
}

// BackwardWith propagates grad (shaped like t) through t's history.
func BackwardWith(t *Tensor, grad []float32) {
	if len(grad) != len(t.data) {
		panic("tensor: backward gradient size mismatch")
	}
	if !t.requiresGrad {
		return
	}
	order := topoOrder(t)
	t.accumulate(grad)
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if n.node == nil || n.grad == nil {
			continue
		}
		n.node.backward(n.grad)
		// Intermediate gradients are not needed once pushed to the inputs.
		n.grad = nil
	}
}

func topoOrder(root *Tensor) []*Tensor {
	var order []*Tensor
	seen := make(map[*Tensor]bool)
	type frame struct {
		t    *Tensor
		next int
	}
	stack := []frame{{t: root}}
	seen[root] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.t.node != nil && top.next < len(top.t.node.inputs) {
			in := top.t.node.inputs[top.next]
			top.next++
			if in != nil && in.requiresGrad && !seen[in] {
				seen[in] = true
				stack = append(stack, frame{t: in})
			}
			continue
		}
		order = append(order, top.t)
		stack = stack[:len(stack)-1]
	}
	return order
}
