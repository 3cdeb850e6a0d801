package tensor

import (
	"fmt"
	"math"
)

type binaryKind int

const (
	kindAdd binaryKind = iota
	kindSub
	kindMul
	kindDiv
)

func (k binaryKind) String() string {
	switch k {
	case kindAdd:
		return "Add"
	case kindSub:
		return "Sub"
	case kindMul:
		return "Mul"
	default:
		return "Div"
	}
}

// binaryOp covers the four broadcasting arithmetic operations.
type binaryOp struct {
	kind binaryKind
	a, b *Tensor
}

func (op *binaryOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *binaryOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.a, op.b
	var gradA, gradB *Tensor

	switch op.kind {
	case kindAdd:
		gradA = gradOut
		gradB = gradOut
	case kindSub:
		gradA = gradOut
		gradB = MustNew(gradOut.Shape, nil)
		for i, v := range gradOut.Data {
			gradB.Data[i] = -v
		}
	case kindMul:
		gradA = MustNew(gradOut.Shape, nil)
		gradB = MustNew(gradOut.Shape, nil)
		ia := broadcastIndex(a.Shape, gradOut.Shape)
		ib := broadcastIndex(b.Shape, gradOut.Shape)
		for i, g := range gradOut.Data {
			gradA.Data[i] = g * b.Data[ib[i]]
			gradB.Data[i] = g * a.Data[ia[i]]
		}
	case kindDiv:
		// d(a/b)/da = 1/b, d(a/b)/db = -a/b^2
		gradA = MustNew(gradOut.Shape, nil)
		gradB = MustNew(gradOut.Shape, nil)
		ia := broadcastIndex(a.Shape, gradOut.Shape)
		ib := broadcastIndex(b.Shape, gradOut.Shape)
		for i, g := range gradOut.Data {
			bv := b.Data[ib[i]]
			gradA.Data[i] = g / bv
			gradB.Data[i] = -g * a.Data[ia[i]] / (bv * bv)
		}
	}

	return []*Tensor{
		reduceGradientToShape(gradA, a.Shape),
		reduceGradientToShape(gradB, b.Shape),
	}, nil
}

func elementwise(kind binaryKind, a, b *Tensor) (*Tensor, error) {
	outShape, err := BroadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}

	result := MustNew(outShape, nil)
	result.DType = resultDType(a, b)

	if shapesEqual(a.Shape, b.Shape) {
		switch kind {
		case kindAdd:
			for i := range result.Data {
				result.Data[i] = a.Data[i] + b.Data[i]
			}
		case kindSub:
			for i := range result.Data {
				result.Data[i] = a.Data[i] - b.Data[i]
			}
		case kindMul:
			for i := range result.Data {
				result.Data[i] = a.Data[i] * b.Data[i]
			}
		case kindDiv:
			for i := range result.Data {
				result.Data[i] = a.Data[i] / b.Data[i]
			}
		}
	} else {
		ia := broadcastIndex(a.Shape, outShape)
		ib := broadcastIndex(b.Shape, outShape)
		for i := range result.Data {
			x, y := a.Data[ia[i]], b.Data[ib[i]]
			switch kind {
			case kindAdd:
				result.Data[i] = x + y
			case kindSub:
				result.Data[i] = x - y
			case kindMul:
				result.Data[i] = x * y
			case kindDiv:
				result.Data[i] = x / y
			}
		}
	}

	return attach(result, &binaryOp{kind: kind, a: a, b: b}), nil
}

func Add(a, b *Tensor) (*Tensor, error) { return elementwise(kindAdd, a, b) }
func Sub(a, b *Tensor) (*Tensor, error) { return elementwise(kindSub, a, b) }
func Mul(a, b *Tensor) (*Tensor, error) { return elementwise(kindMul, a, b) }
func Div(a, b *Tensor) (*Tensor, error) { return elementwise(kindDiv, a, b) }

// unaryOp stores the local derivative computed during the forward pass.
type unaryOp struct {
	input *Tensor
	deriv []float32
}

func (op *unaryOp) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *unaryOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	grad := MustNew(gradOut.Shape, nil)
	for i, g := range gradOut.Data {
		grad.Data[i] = g * op.deriv[i]
	}
	return []*Tensor{grad}, nil
}

func unary(t *Tensor, f func(x float32) (y, dy float32)) *Tensor {
	result := MustNew(t.Shape, nil)
	result.DType = t.DType
	record := GradEnabled() && t.requiresGrad
	var deriv []float32
	if record {
		deriv = make([]float32, t.NumElems)
	}
	for i, x := range t.Data {
		y, dy := f(x)
		result.Data[i] = y
		if record {
			deriv[i] = dy
		}
	}
	if !record {
		return result
	}
	return attach(result, &unaryOp{input: t, deriv: deriv})
}

func ReLU(t *Tensor) *Tensor {
	return unary(t, func(x float32) (float32, float32) {
		if x > 0 {
			return x, 1
		}
		return 0, 0
	})
}

func Sigmoid(t *Tensor) *Tensor {
	return unary(t, func(x float32) (float32, float32) {
		s := float32(1.0 / (1.0 + math.Exp(-float64(x))))
		return s, s * (1 - s)
	})
}

// SiLU computes x * sigmoid(x).
func SiLU(t *Tensor) *Tensor {
	return unary(t, func(x float32) (float32, float32) {
		s := float32(1.0 / (1.0 + math.Exp(-float64(x))))
		return x * s, s * (1 + x*(1-s))
	})
}

func Tanh(t *Tensor) *Tensor {
	return unary(t, func(x float32) (float32, float32) {
		y := float32(math.Tanh(float64(x)))
		return y, 1 - y*y
	})
}

// Scale multiplies every element by s.
func Scale(t *Tensor, s float32) *Tensor {
	return unary(t, func(x float32) (float32, float32) {
		return x * s, s
	})
}

// AddScalar adds s to every element.
func AddScalar(t *Tensor, s float32) *Tensor {
	return unary(t, func(x float32) (float32, float32) {
		return x + s, 1
	})
}

func Square(t *Tensor) *Tensor {
	return unary(t, func(x float32) (float32, float32) {
		return x * x, 2 * x
	})
}

func Sqrt(t *Tensor) *Tensor {
	return unary(t, func(x float32) (float32, float32) {
		y := float32(math.Sqrt(float64(x)))
		if y == 0 {
			return 0, 0
		}
		return y, 0.5 / y
	})
}

// NaNToNum replaces NaN values with nan and infinities with the largest
// finite float32 of matching sign. The gradient is zero where a value was
// replaced.
func NaNToNum(t *Tensor, nan float32) *Tensor {
	return unary(t, func(x float32) (float32, float32) {
		switch {
		case x != x:
			return nan, 0
		case math.IsInf(float64(x), 1):
			return math.MaxFloat32, 0
		case math.IsInf(float64(x), -1):
			return -math.MaxFloat32, 0
		}
		return x, 1
	})
}
