package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

type matMulOp struct {
	a, b *Tensor
	rows int
}

func (op *matMulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *matMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	k, n := op.b.Shape[0], op.b.Shape[1]
	g := general(op.rows, n, gradOut.Data)

	// dA = dOut @ B^T, dB = A^T @ dOut
	gradA := MustNew(op.a.Shape, nil)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, g, general(k, n, op.b.Data), 0, general(op.rows, k, gradA.Data))

	gradB := MustNew(op.b.Shape, nil)
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(op.rows, k, op.a.Data), g, 0, general(k, n, gradB.Data))

	return []*Tensor{gradA, gradB}, nil
}

// MatMul multiplies a (..., K) by a 2-D b (K, N), treating every leading
// dimension of a as a row.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(b.Shape) != 2 {
		return nil, fmt.Errorf("%w: MatMul right operand must be 2-D, got %v", ErrShapeMismatch, b.Shape)
	}
	k := a.Shape[len(a.Shape)-1]
	if k != b.Shape[0] {
		return nil, fmt.Errorf("%w: MatMul inner dimensions %v x %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	n := b.Shape[1]
	rows := a.NumElems / k

	outShape := copyShape(a.Shape)
	outShape[len(outShape)-1] = n
	result := MustNew(outShape, nil)
	result.DType = resultDType(a, b)

	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(rows, k, a.Data), general(k, n, b.Data), 0, general(rows, n, result.Data))

	return attach(result, &matMulOp{a: a, b: b, rows: rows}), nil
}

type reshapeOp struct {
	input *Tensor
}

func (op *reshapeOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *reshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := MustNew(op.input.Shape, gradOut.Data)
	return []*Tensor{g}, nil
}

// Reshape returns a tensor sharing t's data with a new shape. One dimension
// may be -1 and is inferred.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	shape := copyShape(newShape)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				return nil, fmt.Errorf("reshape: more than one inferred dimension in %v", newShape)
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || t.NumElems%known != 0 {
			return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, t.Shape, newShape)
		}
		shape[infer] = t.NumElems / known
	}
	if calculateNumElements(shape) != t.NumElems {
		return nil, fmt.Errorf("%w: cannot reshape %v (%d elements) to %v", ErrShapeMismatch, t.Shape, t.NumElems, newShape)
	}

	result, err := NewTensor(shape, t.Data)
	if err != nil {
		return nil, err
	}
	result.DType = t.DType
	return attach(result, &reshapeOp{input: t}), nil
}

type permuteOp struct {
	input *Tensor
	perm  []int
}

func (op *permuteOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *permuteOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	inverse := make([]int, len(op.perm))
	for i, p := range op.perm {
		inverse[p] = i
	}
	return []*Tensor{permuteData(gradOut, inverse)}, nil
}

func permuteData(t *Tensor, perm []int) *Tensor {
	outShape := make([]int, len(perm))
	srcStrides := make([]int, len(perm))
	for i, p := range perm {
		outShape[i] = t.Shape[p]
		srcStrides[i] = t.Strides[p]
	}

	result := MustNew(outShape, nil)
	result.DType = t.DType
	coords := make([]int, len(outShape))
	src := 0
	for i := range result.Data {
		result.Data[i] = t.Data[src]
		for d := len(outShape) - 1; d >= 0; d-- {
			coords[d]++
			src += srcStrides[d]
			if coords[d] < outShape[d] {
				break
			}
			src -= srcStrides[d] * coords[d]
			coords[d] = 0
		}
	}
	return result
}

// Permute reorders dimensions: output dimension i is input dimension perm[i].
func Permute(t *Tensor, perm ...int) (*Tensor, error) {
	if len(perm) != len(t.Shape) {
		return nil, fmt.Errorf("permute: %d axes given for %d-D tensor", len(perm), len(t.Shape))
	}
	seen := make([]bool, len(perm))
	for _, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, fmt.Errorf("permute: invalid permutation %v", perm)
		}
		seen[p] = true
	}
	result := permuteData(t, perm)
	return attach(result, &permuteOp{input: t, perm: append([]int(nil), perm...)}), nil
}

// Transpose swaps two dimensions.
func Transpose(t *Tensor, dim0, dim1 int) (*Tensor, error) {
	perm := make([]int, len(t.Shape))
	for i := range perm {
		perm[i] = i
	}
	if dim0 < 0 || dim0 >= len(perm) || dim1 < 0 || dim1 >= len(perm) {
		return nil, fmt.Errorf("transpose: dimensions %d,%d out of range for %v", dim0, dim1, t.Shape)
	}
	perm[dim0], perm[dim1] = perm[dim1], perm[dim0]
	return Permute(t, perm...)
}

// blockLayout splits a shape around axis into outer count, axis size, inner
// count.
func blockLayout(shape []int, axis int) (outer, size, inner int) {
	outer, inner = 1, 1
	for i := 0; i < axis; i++ {
		outer *= shape[i]
	}
	for i := axis + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, shape[axis], inner
}

type concatOp struct {
	inputs []*Tensor
	axis   int
}

func (op *concatOp) Inputs() []*Tensor { return op.inputs }

func (op *concatOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grads := make([]*Tensor, len(op.inputs))
	start := 0
	for i, in := range op.inputs {
		size := in.Shape[op.axis]
		grads[i] = narrowData(gradOut, op.axis, start, size)
		start += size
	}
	return grads, nil
}

// Concat joins tensors along axis. All other dimensions must match.
func Concat(ts []*Tensor, axis int) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat: no tensors")
	}
	first := ts[0]
	if axis < 0 || axis >= len(first.Shape) {
		return nil, fmt.Errorf("concat: axis %d out of range for %v", axis, first.Shape)
	}

	outShape := copyShape(first.Shape)
	outShape[axis] = 0
	for _, t := range ts {
		if len(t.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("%w: concat rank %v vs %v", ErrShapeMismatch, t.Shape, first.Shape)
		}
		for d := range t.Shape {
			if d != axis && t.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("%w: concat along %d of %v and %v", ErrShapeMismatch, axis, first.Shape, t.Shape)
			}
		}
		outShape[axis] += t.Shape[axis]
	}

	result := MustNew(outShape, nil)
	result.DType = resultDType(ts...)
	outer, total, inner := blockLayout(outShape, axis)
	offset := 0
	for _, t := range ts {
		size := t.Shape[axis]
		block := size * inner
		for o := 0; o < outer; o++ {
			dst := (o*total + offset) * inner
			copy(result.Data[dst:dst+block], t.Data[o*block:(o+1)*block])
		}
		offset += size
	}

	return attach(result, &concatOp{inputs: append([]*Tensor(nil), ts...), axis: axis}), nil
}

func narrowData(t *Tensor, axis, start, length int) *Tensor {
	outShape := copyShape(t.Shape)
	outShape[axis] = length
	result := MustNew(outShape, nil)
	result.DType = t.DType
	outer, size, inner := blockLayout(t.Shape, axis)
	block := length * inner
	for o := 0; o < outer; o++ {
		src := (o*size + start) * inner
		copy(result.Data[o*block:(o+1)*block], t.Data[src:src+block])
	}
	return result
}

type narrowOp struct {
	input         *Tensor
	axis, start   int
	length        int
}

func (op *narrowOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *narrowOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := MustNew(op.input.Shape, nil)
	outer, size, inner := blockLayout(op.input.Shape, op.axis)
	block := op.length * inner
	for o := 0; o < outer; o++ {
		dst := (o*size + op.start) * inner
		copy(grad.Data[dst:dst+block], gradOut.Data[o*block:(o+1)*block])
	}
	return []*Tensor{grad}, nil
}

// Narrow selects [start, start+length) along axis.
func Narrow(t *Tensor, axis, start, length int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.Shape) {
		return nil, fmt.Errorf("narrow: axis %d out of range for %v", axis, t.Shape)
	}
	if start < 0 || length <= 0 || start+length > t.Shape[axis] {
		return nil, fmt.Errorf("narrow: range [%d,%d) out of bounds for dimension %d of %v", start, start+length, axis, t.Shape)
	}
	result := narrowData(t, axis, start, length)
	return attach(result, &narrowOp{input: t, axis: axis, start: start, length: length}), nil
}

type meanAxisOp struct {
	input *Tensor
	axis  int
}

func (op *meanAxisOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *meanAxisOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := MustNew(op.input.Shape, nil)
	outer, size, inner := blockLayout(op.input.Shape, op.axis)
	scale := 1 / float32(size)
	for o := 0; o < outer; o++ {
		for s := 0; s < size; s++ {
			for i := 0; i < inner; i++ {
				grad.Data[(o*size+s)*inner+i] = gradOut.Data[o*inner+i] * scale
			}
		}
	}
	return []*Tensor{grad}, nil
}

// MeanAxis averages over axis. With keepDim the axis is kept with size 1.
func MeanAxis(t *Tensor, axis int, keepDim bool) (*Tensor, error) {
	if axis < 0 || axis >= len(t.Shape) {
		return nil, fmt.Errorf("mean: axis %d out of range for %v", axis, t.Shape)
	}
	outShape := copyShape(t.Shape)
	outShape[axis] = 1

	result := MustNew(outShape, nil)
	result.DType = t.DType
	outer, size, inner := blockLayout(t.Shape, axis)
	scale := 1 / float32(size)
	for o := 0; o < outer; o++ {
		for s := 0; s < size; s++ {
			base := (o*size + s) * inner
			for i := 0; i < inner; i++ {
				result.Data[o*inner+i] += t.Data[base+i]
			}
		}
	}
	for i := range result.Data {
		result.Data[i] *= scale
	}

	if !keepDim && len(outShape) > 1 {
		squeezed := append(copyShape(outShape[:axis]), outShape[axis+1:]...)
		result.Shape = squeezed
		result.Strides = calculateStrides(squeezed)
	}
	return attach(result, &meanAxisOp{input: t, axis: axis}), nil
}

type reduceAllOp struct {
	input *Tensor
	scale float32
}

func (op *reduceAllOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *reduceAllOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := MustNew(op.input.Shape, nil)
	g := gradOut.Data[0] * op.scale
	for i := range grad.Data {
		grad.Data[i] = g
	}
	return []*Tensor{grad}, nil
}

// Sum reduces all elements to a one-element tensor.
func Sum(t *Tensor) *Tensor {
	var acc float64
	for _, v := range t.Data {
		acc += float64(v)
	}
	return attach(FromScalar(float32(acc)), &reduceAllOp{input: t, scale: 1})
}

// Mean averages all elements into a one-element tensor.
func Mean(t *Tensor) *Tensor {
	var acc float64
	for _, v := range t.Data {
		acc += float64(v)
	}
	n := float32(t.NumElems)
	return attach(FromScalar(float32(acc/float64(t.NumElems))), &reduceAllOp{input: t, scale: 1 / n})
}

type mseOp struct {
	pred, target *Tensor
}

func (op *mseOp) Inputs() []*Tensor { return []*Tensor{op.pred, op.target} }

func (op *mseOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	scale := 2 * gradOut.Data[0] / float32(op.pred.NumElems)
	gp := MustNew(op.pred.Shape, nil)
	gt := MustNew(op.target.Shape, nil)
	for i := range gp.Data {
		d := (op.pred.Data[i] - op.target.Data[i]) * scale
		gp.Data[i] = d
		gt.Data[i] = -d
	}
	return []*Tensor{gp, gt}, nil
}

// MSELoss computes mean((pred - target)^2) in float64 accumulation.
func MSELoss(pred, target *Tensor) (*Tensor, error) {
	if !shapesEqual(pred.Shape, target.Shape) {
		return nil, fmt.Errorf("%w: mse prediction %v vs target %v", ErrShapeMismatch, pred.Shape, target.Shape)
	}
	var acc float64
	for i, p := range pred.Data {
		d := float64(p - target.Data[i])
		acc += d * d
	}
	loss := FromScalar(float32(acc / float64(pred.NumElems)))
	return attach(loss, &mseOp{pred: pred, target: target}), nil
}
