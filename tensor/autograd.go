package tensor

import (
	"fmt"
)

// Backward runs reverse-mode differentiation from t, which must hold a single
// element. Gradients are accumulated into the .Grad() of every leaf tensor
// that requires them, so repeated calls sum (used for gradient accumulation).
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("backward: called on non-scalar tensor %v", t.Shape)
	}
	if !t.requiresGrad {
		return fmt.Errorf("backward: tensor does not require gradients")
	}
	return t.BackwardWith(FromScalar(1))
}

// BackwardWith propagates an explicit upstream gradient shaped like t.
func (t *Tensor) BackwardWith(gradOut *Tensor) error {
	if !shapesEqual(gradOut.Shape, t.Shape) && gradOut.NumElems != t.NumElems {
		return fmt.Errorf("%w: upstream gradient %v for tensor %v", ErrShapeMismatch, gradOut.Shape, t.Shape)
	}

	order := topoSort(t)
	grads := map[*Tensor]*Tensor{t: gradOut}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := grads[node]
		if !ok {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			if node.requiresGrad {
				accumulateGrad(node, g)
			}
			continue
		}

		inGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward: %w", err)
		}
		for j, in := range node.creator.Inputs() {
			if in == nil || !in.requiresGrad || j >= len(inGrads) || inGrads[j] == nil {
				continue
			}
			if prev, ok := grads[in]; ok {
				grads[in] = addInto(prev, inGrads[j])
			} else {
				grads[in] = inGrads[j]
			}
		}
	}
	return nil
}

// topoSort orders the graph so that every node appears after its inputs.
func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	type frame struct {
		node *Tensor
		next int
	}
	stack := []frame{{node: root}}
	visited[root] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		var inputs []*Tensor
		if top.node.creator != nil {
			inputs = top.node.creator.Inputs()
		}
		if top.next < len(inputs) {
			in := inputs[top.next]
			top.next++
			if in != nil && in.requiresGrad && !visited[in] {
				visited[in] = true
				stack = append(stack, frame{node: in})
			}
			continue
		}
		order = append(order, top.node)
		stack = stack[:len(stack)-1]
	}
	return order
}

func addInto(dst, src *Tensor) *Tensor {
	out := MustNew(dst.Shape, nil)
	for i := range out.Data {
		out.Data[i] = dst.Data[i] + src.Data[i]
	}
	return out
}

func accumulateGrad(leaf, g *Tensor) {
	if leaf.grad == nil {
		leaf.grad = MustNew(leaf.Shape, append([]float32(nil), g.Data...))
		return
	}
	for i, v := range g.Data {
		leaf.grad.Data[i] += v
	}
}

// ZeroGrad clears the gradients of the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil {
			t.grad = nil
		}
	}
}
