package tensor

import (
	"fmt"
)

// BroadcastShapes computes the broadcasted shape of two tensors following
// NumPy broadcasting rules.
func BroadcastShapes(shape1, shape2 []int) ([]int, error) {
	maxDims := len(shape1)
	if len(shape2) > maxDims {
		maxDims = len(shape2)
	}

	result := make([]int, maxDims)
	for i := 0; i < maxDims; i++ {
		dim1, dim2 := 1, 1
		if idx := len(shape1) - maxDims + i; idx >= 0 {
			dim1 = shape1[idx]
		}
		if idx := len(shape2) - maxDims + i; idx >= 0 {
			dim2 = shape2[idx]
		}

		switch {
		case dim1 == dim2:
			result[i] = dim1
		case dim1 == 1:
			result[i] = dim2
		case dim2 == 1:
			result[i] = dim1
		default:
			return nil, fmt.Errorf("%w: cannot broadcast %v and %v (dimension %d: %d vs %d)",
				ErrShapeMismatch, shape1, shape2, i, dim1, dim2)
		}
	}

	return result, nil
}

// AreBroadcastable checks if two shapes can be broadcast together
func AreBroadcastable(shape1, shape2 []int) bool {
	_, err := BroadcastShapes(shape1, shape2)
	return err == nil
}

// broadcastIndex returns, for every flat index of outShape, the flat index of
// the element of a tensor with inShape that broadcasts onto it.
func broadcastIndex(inShape, outShape []int) []int {
	n := calculateNumElements(outShape)
	idx := make([]int, n)

	offset := len(outShape) - len(inShape)
	inStrides := calculateStrides(inShape)
	eff := make([]int, len(outShape))
	for d := range outShape {
		k := d - offset
		if k < 0 || inShape[k] == 1 {
			continue
		}
		eff[d] = inStrides[k]
	}

	coords := make([]int, len(outShape))
	pos := 0
	for i := 0; i < n; i++ {
		idx[i] = pos
		for d := len(outShape) - 1; d >= 0; d-- {
			coords[d]++
			pos += eff[d]
			if coords[d] < outShape[d] {
				break
			}
			pos -= eff[d] * coords[d]
			coords[d] = 0
		}
	}
	return idx
}

// reduceGradientToShape sums a gradient over the dimensions that were
// broadcast during the forward pass.
func reduceGradientToShape(grad *Tensor, targetShape []int) *Tensor {
	if shapesEqual(grad.Shape, targetShape) {
		return grad
	}

	out := MustNew(targetShape, nil)
	idx := broadcastIndex(targetShape, grad.Shape)
	for i, v := range grad.Data {
		out.Data[idx[i]] += v
	}
	return out
}

type broadcastOp struct {
	input *Tensor
}

func (op *broadcastOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *broadcastOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{reduceGradientToShape(gradOut, op.input.Shape)}, nil
}

// BroadcastTo expands t to shape.
func BroadcastTo(t *Tensor, shape []int) (*Tensor, error) {
	out, err := BroadcastShapes(t.Shape, shape)
	if err != nil {
		return nil, err
	}
	if !shapesEqual(out, shape) {
		return nil, fmt.Errorf("%w: cannot broadcast %v to %v", ErrShapeMismatch, t.Shape, shape)
	}
	if shapesEqual(t.Shape, shape) {
		return t, nil
	}

	result := MustNew(shape, nil)
	result.DType = t.DType
	idx := broadcastIndex(t.Shape, shape)
	for i := range result.Data {
		result.Data[i] = t.Data[idx[i]]
	}
	return attach(result, &broadcastOp{input: t}), nil
}
