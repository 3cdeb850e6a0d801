package tensor

import (
	"fmt"
)

type identityOp struct {
	input *Tensor
}

func (op *identityOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *identityOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{MustNew(op.input.Shape, gradOut.Data)}, nil
}

// Clone returns a copy of t with its own storage. Gradients flow through.
func Clone(t *Tensor) *Tensor {
	result := MustNew(t.Shape, append([]float32(nil), t.Data...))
	result.DType = t.DType
	return attach(result, &identityOp{input: t})
}

// Detach returns a tensor sharing t's data with no autograd history.
func Detach(t *Tensor) *Tensor {
	result := MustNew(t.Shape, t.Data)
	result.DType = t.DType
	return result
}

// Cast rounds every element to the precision of dtype. The backward pass is
// the identity (straight-through).
func Cast(t *Tensor, dtype DType) *Tensor {
	result := MustNew(t.Shape, nil)
	result.DType = dtype
	for i, v := range t.Data {
		result.Data[i] = roundTo(dtype, v)
	}
	return attach(result, &identityOp{input: t})
}

// Clamp limits every element to [low, high].
func Clamp(t *Tensor, low, high float32) *Tensor {
	return unary(t, func(x float32) (float32, float32) {
		switch {
		case x < low:
			return low, 0
		case x > high:
			return high, 0
		}
		return x, 1
	})
}

func (t *Tensor) offset(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("index %v has %d dimensions, tensor has %d", indices, len(indices), len(t.Shape))
	}
	off := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for dimension %d of size %d", idx, i, t.Shape[i])
		}
		off += idx * t.Strides[i]
	}
	return off, nil
}

// At reads one element.
func (t *Tensor) At(indices ...int) (float32, error) {
	off, err := t.offset(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[off], nil
}

// Set writes one element in place. It must not be used on tensors that are
// part of a recorded graph.
func (t *Tensor) Set(value float32, indices ...int) error {
	off, err := t.offset(indices)
	if err != nil {
		return err
	}
	t.Data[off] = value
	return nil
}

// Item returns the value of a one-element tensor.
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item: tensor has %d elements", t.NumElems)
	}
	return t.Data[0], nil
}

// AllFinite reports whether no element is NaN or infinite.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.Data {
		if v != v || v > 3.4028234663852886e38 || v < -3.4028234663852886e38 {
			return false
		}
	}
	return true
}

// Equal reports whether two tensors have the same shape and bit-identical
// data.
func Equal(a, b *Tensor) bool {
	if !shapesEqual(a.Shape, b.Shape) {
		return false
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}
